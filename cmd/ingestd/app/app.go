package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roman-kulish/vibration-monitor/internal/ingest"
	"github.com/roman-kulish/vibration-monitor/internal/metrics"
	"github.com/roman-kulish/vibration-monitor/internal/motion"
	"github.com/roman-kulish/vibration-monitor/internal/serial"
	"github.com/roman-kulish/vibration-monitor/internal/storage"
)

// Run ingests accelerometer samples until ctx is cancelled
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, metrics.IngesterMetricsPrefix)

	if config.Metrics.Enabled {
		stop := metrics.Serve(config.Metrics.Address, reg, logger)
		defer stop()
	}

	reader, err := createReader(&config.Serial, logger)
	if err != nil {
		return fmt.Errorf("failed to create serial reader: %w", err)
	}

	store, err := createStorage(&config.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	acc, err := motion.NewAccumulator(
		config.Batch.MaxBatchSize,
		config.Batch.MaxBatchAge.Duration(),
		time.Now(),
		motion.WithMaxBuffered(config.Batch.MaxBuffered),
	)
	if err != nil {
		return fmt.Errorf("failed to create accumulator: %w", err)
	}

	supervisor := ingest.NewSupervisor(reader, store, acc,
		ingest.WithLogger(logger),
		ingest.WithMetrics(m),
		ingest.WithSerialBackoff(ingest.Backoff{
			Initial: config.Serial.InitialBackoff.Duration(),
			Retry:   config.Serial.RetryBackoff.Duration(),
		}),
		ingest.WithStoreBackoff(ingest.Backoff{
			Initial: config.Storage.InitialBackoff.Duration(),
			Retry:   config.Storage.RetryBackoff.Duration(),
		}),
		ingest.WithWriteTimeout(config.Storage.WriteTimeout.Duration()),
	)

	return supervisor.Run(ctx)
}

func createReader(config *SerialConfig, logger *slog.Logger) (*serial.Reader, error) {
	policy, err := serial.ParseDecodePolicy(config.DecodePolicy)
	if err != nil {
		return nil, err
	}

	return serial.NewReader(config.Port, config.BaudRate,
		serial.WithLogger(logger),
		serial.WithReadTimeout(config.ReadTimeout.Duration()),
		serial.WithDecodePolicy(policy),
	), nil
}

func createStorage(config *StorageConfig, logger *slog.Logger) (storage.Store, error) {
	driver, err := storage.ParseDriver(config.Driver)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(driver, config.DSN,
		storage.WithTable(config.Table),
		storage.WithCreateTable(config.CreateTable),
		storage.WithConnectTimeout(config.ConnectTimeout.Duration()),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s storage: %w", driver, err)
	}

	return store, nil
}
