package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	Link       string
	DropReason string
)

const (
	LinkSerial Link = "serial"
	LinkStore  Link = "store"

	DropReasonTransient DropReason = "transient"
	DropReasonFatal     DropReason = "fatal"
	DropReasonShutdown  DropReason = "shutdown"
)

// IngesterMetricsPrefix is prepended to every metric name
const IngesterMetricsPrefix = "vibration_ingester_"

const shutdownTimeout = 5 * time.Second

type Metrics struct {
	linesRead        prometheus.Counter
	linesDiscarded   prometheus.Counter
	samplesParsed    prometheus.Counter
	samplesEvicted   prometheus.Counter
	batchesFlushed   prometheus.Counter
	samplesPersisted prometheus.Counter
	batchesDropped   *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	bufferedSamples  prometheus.Gauge
	linkUp           *prometheus.GaugeVec
	insertDuration   prometheus.Histogram
}

// New registers the ingestion metrics with reg
func New(reg prometheus.Registerer, prefix string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		linesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "lines_read_total",
			Help: "Number of lines read from the serial device",
		}),
		linesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "lines_discarded_total",
			Help: "Number of lines that did not carry a sample",
		}),
		samplesParsed: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "samples_parsed_total",
			Help: "Number of samples parsed and buffered",
		}),
		samplesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "samples_evicted_total",
			Help: "Number of samples evicted because the buffer cap was reached",
		}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_flushed_total",
			Help: "Number of batches committed to the store",
		}),
		samplesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "samples_persisted_total",
			Help: "Number of samples committed to the store",
		}),
		batchesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batches_dropped_total",
			Help: "Number of batches dropped after a failed insert grouped by failure class",
		}, []string{"reason"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "reconnects_total",
			Help: "Number of reconnect attempts grouped by link and result",
		}, []string{"link", "result"}),
		bufferedSamples: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "buffered_samples",
			Help: "Number of samples waiting to be flushed",
		}),
		linkUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "link_up",
			Help: "Whether the link is connected (1) or recovering (0)",
		}, []string{"link"}),
		insertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "insert_duration_seconds",
			Help:    "Duration of batch inserts",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

func (m *Metrics) RecordLineRead() {
	m.linesRead.Inc()
}

func (m *Metrics) RecordLineDiscarded() {
	m.linesDiscarded.Inc()
}

func (m *Metrics) RecordSampleParsed() {
	m.samplesParsed.Inc()
}

func (m *Metrics) RecordSamplesEvicted(n int) {
	m.samplesEvicted.Add(float64(n))
}

func (m *Metrics) RecordBatchFlushed(samples int, took time.Duration) {
	m.batchesFlushed.Inc()
	m.samplesPersisted.Add(float64(samples))
	m.insertDuration.Observe(took.Seconds())
}

func (m *Metrics) RecordBatchDropped(reason DropReason, took time.Duration) {
	m.batchesDropped.With(map[string]string{"reason": string(reason)}).Inc()
	m.insertDuration.Observe(took.Seconds())
}

// RecordBatchSkipped counts a batch dropped without an insert attempt
func (m *Metrics) RecordBatchSkipped(reason DropReason) {
	m.batchesDropped.With(map[string]string{"reason": string(reason)}).Inc()
}

func (m *Metrics) RecordReconnect(link Link, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reconnects.With(map[string]string{"link": string(link), "result": result}).Inc()
}

func (m *Metrics) SetBufferedSamples(n int) {
	m.bufferedSamples.Set(float64(n))
}

func (m *Metrics) SetLinkUp(link Link, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.linkUp.With(map[string]string{"link": string(link)}).Set(v)
}

// Serve exposes the gatherer on addr under /metrics. The returned function
// stops the server.
func Serve(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed: " + err.Error())
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("stopping metrics server: " + err.Error())
		}
	}
}
