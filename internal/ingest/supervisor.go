package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/roman-kulish/vibration-monitor/internal/metrics"
	"github.com/roman-kulish/vibration-monitor/internal/motion"
	"github.com/roman-kulish/vibration-monitor/internal/serial"
	"github.com/roman-kulish/vibration-monitor/internal/storage"
)

const (
	StateRunning State = iota
	StateSerialRecovering
	StateStoreRecovering
	StateShuttingDown
)

const (
	// DefaultWriteTimeout bounds a single insert or store reconnect
	DefaultWriteTimeout = 10 * time.Second

	// DefaultPollInterval is the longest the loop sleeps while the serial link
	// is recovering, so age based flushes still happen on time
	DefaultPollInterval = time.Second

	// DefaultStatsInterval is how often ingestion statistics are logged
	DefaultStatsInterval = time.Minute
)

var (
	DefaultSerialBackoff = Backoff{Initial: time.Second, Retry: 5 * time.Second}
	DefaultStoreBackoff  = Backoff{Initial: 0, Retry: 10 * time.Second}
)

// State is the externally visible state of the supervisor. When both links
// are down SerialRecovering is reported.
type State int

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSerialRecovering:
		return "serial-recovering"
	case StateStoreRecovering:
		return "store-recovering"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LineReader produces decoded device lines. ReadLine must return within a
// bounded time, with an error wrapping serial.ErrTimeout if no line arrived.
type LineReader interface {
	Open() error
	Reconnect() error
	ReadLine() (string, error)
	Close() error
}

// BatchStore persists batches. InsertBatch errors wrap storage.ErrTransient
// when the connection has to be re-established.
type BatchStore interface {
	Open(ctx context.Context) error
	Reconnect(ctx context.Context) error
	InsertBatch(ctx context.Context, batch motion.Batch) error
	Close() error
}

// WithLogger sets the logger for the supervisor
func WithLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics the supervisor records to
func WithMetrics(m *metrics.Metrics) func(*Supervisor) {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithClock sets the clock used for flush ages and backoff
func WithClock(c clock.Clock) func(*Supervisor) {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithSerialBackoff sets the serial link recovery delays
func WithSerialBackoff(b Backoff) func(*Supervisor) {
	return func(s *Supervisor) {
		s.serial.backoff = b
	}
}

// WithStoreBackoff sets the store link recovery delays
func WithStoreBackoff(b Backoff) func(*Supervisor) {
	return func(s *Supervisor) {
		s.storage.backoff = b
	}
}

// WithWriteTimeout bounds every insert and store reconnect. Zero disables the bound.
func WithWriteTimeout(timeout time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.writeTimeout = timeout
	}
}

// WithPollInterval sets the longest sleep while the serial link is recovering
func WithPollInterval(interval time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.pollInterval = interval
	}
}

// WithStatsInterval sets how often statistics are logged. Zero disables them.
func WithStatsInterval(interval time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.statsInterval = interval
	}
}

type stats struct {
	linesRead        int64
	linesDiscarded   int64
	samplesPersisted int64
	samplesDropped   int64
	batchesFlushed   int64
}

// Supervisor drives the ingestion loop: it reads device lines, parses and
// buffers samples and flushes batches to the store. It owns both connections
// and runs an independent recovery machine for each, so an outage on one side
// does not stop the other. All work happens on the goroutine calling Run.
type Supervisor struct {
	reader LineReader
	store  BatchStore
	acc    *motion.Accumulator

	serial  link
	storage link

	clock         clock.Clock
	writeTimeout  time.Duration
	pollInterval  time.Duration
	statsInterval time.Duration
	wait          func(ctx context.Context, d time.Duration)

	shuttingDown bool
	stats        stats
	lastStats    time.Time

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSupervisor creates a Supervisor. The reader and store are opened by Run.
func NewSupervisor(reader LineReader, store BatchStore, acc *motion.Accumulator, options ...func(*Supervisor)) *Supervisor {
	s := Supervisor{
		reader:        reader,
		store:         store,
		acc:           acc,
		serial:        newLink(DefaultSerialBackoff),
		storage:       newLink(DefaultStoreBackoff),
		clock:         clock.RealClock{},
		writeTimeout:  DefaultWriteTimeout,
		pollInterval:  DefaultPollInterval,
		statsInterval: DefaultStatsInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry(), metrics.IngesterMetricsPrefix)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	s.wait = s.sleep

	return &s
}

// State returns the current supervisor state
func (s *Supervisor) State() State {
	switch {
	case s.shuttingDown:
		return StateShuttingDown
	case s.serial.state != linkOpen:
		return StateSerialRecovering
	case s.storage.state != linkOpen:
		return StateStoreRecovering
	default:
		return StateRunning
	}
}

// Run opens both connections and ingests until ctx is cancelled, then flushes
// whatever is buffered and closes both connections. A failure to open a
// connection is not fatal, the link starts in recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting vibration ingestion")

	now := s.clock.Now()
	s.lastStats = now

	if err := s.reader.Open(); err != nil {
		s.logger.Error(fmt.Sprintf("failed to open serial port: %s", err.Error()))
		s.serial.fail(now)
	} else {
		s.serial.up()
	}
	s.metrics.SetLinkUp(metrics.LinkSerial, s.serial.state == linkOpen)

	cctx, cancel := s.callContext(ctx)
	err := s.store.Open(cctx)
	cancel()
	if err != nil {
		s.logger.Error(fmt.Sprintf("database connection failed: %s", err.Error()))
		s.storage.fail(now)
	} else {
		s.storage.up()
	}
	s.metrics.SetLinkUp(metrics.LinkStore, s.storage.state == linkOpen)

	for ctx.Err() == nil {
		s.step(ctx)
	}

	return s.shutdown(ctx)
}

// step runs one iteration of the loop: one serial action, then one store action
func (s *Supervisor) step(ctx context.Context) {
	switch s.serial.state {
	case linkOpen:
		s.readLine()
	default:
		s.recoverSerial(ctx)
	}

	now := s.clock.Now()
	switch s.storage.state {
	case linkOpen:
		if s.acc.ReadyToFlush(now) {
			s.flush(ctx, s.acc.TakeBatch(now))
		}
	default:
		if s.storage.due(now) {
			s.reconnectStore(ctx)
		}
	}

	s.metrics.SetBufferedSamples(s.acc.Len())
	s.reportStats(s.clock.Now())
}

func (s *Supervisor) readLine() {
	line, err := s.reader.ReadLine()
	if err != nil {
		if errors.Is(err, serial.ErrTimeout) {
			return
		}

		s.logger.Error(fmt.Sprintf("serial error: %s", err.Error()))
		s.serial.fail(s.clock.Now())
		s.metrics.SetLinkUp(metrics.LinkSerial, false)
		return
	}

	s.handleLine(line)
}

func (s *Supervisor) handleLine(line string) {
	if line == "" {
		return
	}

	s.stats.linesRead++
	s.metrics.RecordLineRead()

	if !motion.IsSampleLine(line) {
		s.stats.linesDiscarded++
		s.metrics.RecordLineDiscarded()
		return
	}

	sample, ok := motion.Parse(line)
	if !ok {
		s.stats.linesDiscarded++
		s.metrics.RecordLineDiscarded()
		s.logger.Debug("discarding malformed sample line", slog.String("line", line))
		return
	}

	evicted := s.acc.Evicted()
	s.acc.Append(sample)
	if n := s.acc.Evicted() - evicted; n > 0 {
		s.metrics.RecordSamplesEvicted(int(n))
	}
	s.metrics.RecordSampleParsed()
}

func (s *Supervisor) recoverSerial(ctx context.Context) {
	now := s.clock.Now()
	if !s.serial.due(now) {
		s.wait(ctx, min(s.serial.nextAttempt.Sub(now), s.pollInterval))
		return
	}

	err := s.reader.Reconnect()
	s.metrics.RecordReconnect(metrics.LinkSerial, err)
	if err != nil {
		s.serial.retryLater(s.clock.Now())
		s.logger.Error(fmt.Sprintf("failed to reconnect to serial port: %s", err.Error()),
			slog.Int("attempt", s.serial.attempts),
			slog.Duration("retryIn", s.serial.backoff.Retry))
		return
	}

	s.serial.up()
	s.metrics.SetLinkUp(metrics.LinkSerial, true)
	s.logger.Info("reconnected to serial port")
}

// flush writes the batch. A batch that fails is dropped, it is never put back
// into the accumulator.
func (s *Supervisor) flush(ctx context.Context, batch motion.Batch) {
	if len(batch) == 0 {
		return
	}

	took, err := s.insert(ctx, batch)
	switch {
	case err == nil:
		s.stats.batchesFlushed++
		s.stats.samplesPersisted += int64(len(batch))
		s.metrics.RecordBatchFlushed(len(batch), took)
		s.logger.Info(fmt.Sprintf("inserted %d samples into database", len(batch)), slog.Duration("took", took))

	case errors.Is(err, storage.ErrTransient):
		s.stats.samplesDropped += int64(len(batch))
		s.metrics.RecordBatchDropped(metrics.DropReasonTransient, took)
		s.logger.Error(fmt.Sprintf("database connection lost, dropping %d samples: %s", len(batch), err.Error()))

		s.storage.fail(s.clock.Now())
		s.metrics.SetLinkUp(metrics.LinkStore, false)
		if s.storage.due(s.clock.Now()) {
			s.reconnectStore(ctx)
		}

	default:
		s.stats.samplesDropped += int64(len(batch))
		s.metrics.RecordBatchDropped(metrics.DropReasonFatal, took)
		s.logger.Error(fmt.Sprintf("failed to insert batch, dropping %d samples: %s", len(batch), err.Error()))
	}
}

func (s *Supervisor) insert(ctx context.Context, batch motion.Batch) (time.Duration, error) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()

	start := s.clock.Now()
	err := s.store.InsertBatch(cctx, batch)
	return s.clock.Since(start), err
}

func (s *Supervisor) reconnectStore(ctx context.Context) {
	cctx, cancel := s.callContext(ctx)
	err := s.store.Reconnect(cctx)
	cancel()

	s.metrics.RecordReconnect(metrics.LinkStore, err)
	if err != nil {
		s.storage.retryLater(s.clock.Now())
		s.logger.Error(fmt.Sprintf("failed to reconnect to database: %s", err.Error()),
			slog.Int("attempt", s.storage.attempts),
			slog.Duration("retryIn", s.storage.backoff.Retry))
		return
	}

	s.storage.up()
	s.metrics.SetLinkUp(metrics.LinkStore, true)
	s.logger.Info("reconnected to database")
}

// callContext detaches store calls from the interrupt so an in-flight write is
// never cut short by shutdown, only by the write timeout
func (s *Supervisor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.writeTimeout > 0 {
		return context.WithTimeout(ctx, s.writeTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.shuttingDown = true
	s.logger.Info("shutting down gracefully...")

	if remaining := s.acc.FlushRemaining(); len(remaining) > 0 {
		s.flushRemaining(ctx, remaining)
	}
	s.metrics.SetBufferedSamples(0)

	var errs []error
	if err := s.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	s.serial.close()
	s.metrics.SetLinkUp(metrics.LinkSerial, false)

	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.storage.close()
	s.metrics.SetLinkUp(metrics.LinkStore, false)

	s.logStats()
	s.logger.Info("service stopped")

	return errors.Join(errs...)
}

// flushRemaining makes a single best-effort attempt to persist the samples
// still buffered at shutdown. Failures are logged and not retried.
func (s *Supervisor) flushRemaining(ctx context.Context, remaining motion.Batch) {
	if s.storage.state != linkOpen {
		s.logger.Warn("database unavailable at shutdown, attempting a final reconnect")
		s.reconnectStore(ctx)
	}

	if s.storage.state != linkOpen {
		s.dropUnsent(remaining)
		return
	}

	sent := 0
	for batch := range slices.Chunk(remaining, s.acc.MaxBatchSize()) {
		took, err := s.insert(ctx, batch)
		sent += len(batch)
		if err != nil {
			s.stats.samplesDropped += int64(len(batch))
			s.metrics.RecordBatchDropped(metrics.DropReasonShutdown, took)
			s.logger.Error(fmt.Sprintf("failed to insert final batch of %d samples: %s", len(batch), err.Error()))

			if errors.Is(err, storage.ErrTransient) {
				// connection is gone, the remaining chunks would fail too
				s.dropUnsent(remaining[sent:])
				return
			}
			continue
		}

		s.stats.batchesFlushed++
		s.stats.samplesPersisted += int64(len(batch))
		s.metrics.RecordBatchFlushed(len(batch), took)
		s.logger.Info(fmt.Sprintf("inserted %d samples into database", len(batch)), slog.Duration("took", took))
	}
}

// dropUnsent accounts for buffered samples abandoned at shutdown without an
// insert attempt
func (s *Supervisor) dropUnsent(samples motion.Batch) {
	if len(samples) == 0 {
		return
	}

	s.stats.samplesDropped += int64(len(samples))
	for range slices.Chunk(samples, s.acc.MaxBatchSize()) {
		s.metrics.RecordBatchSkipped(metrics.DropReasonShutdown)
	}
	s.logger.Error(fmt.Sprintf("database unavailable, dropping %d buffered samples", len(samples)))
}

func (s *Supervisor) reportStats(now time.Time) {
	if s.statsInterval <= 0 || now.Sub(s.lastStats) < s.statsInterval {
		return
	}

	s.lastStats = now
	s.logStats()
}

func (s *Supervisor) logStats() {
	s.logger.Info("ingestion statistics",
		slog.String("state", s.State().String()),
		slog.String("linesRead", humanize.Comma(s.stats.linesRead)),
		slog.String("linesDiscarded", humanize.Comma(s.stats.linesDiscarded)),
		slog.String("batchesFlushed", humanize.Comma(s.stats.batchesFlushed)),
		slog.String("samplesPersisted", humanize.Comma(s.stats.samplesPersisted)),
		slog.String("samplesDropped", humanize.Comma(s.stats.samplesDropped)),
		slog.String("samplesEvicted", humanize.Comma(int64(s.acc.Evicted()))),
		slog.Int("buffered", s.acc.Len()))
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := s.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C():
	}
}
