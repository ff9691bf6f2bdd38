package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/vibration-monitor/internal/ingest"
	"github.com/roman-kulish/vibration-monitor/internal/motion"
	"github.com/roman-kulish/vibration-monitor/internal/serial"
	"github.com/roman-kulish/vibration-monitor/internal/storage"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"

	// StorageDSNEnv overrides storage.dsn so credentials stay out of the file
	StorageDSNEnv = "INGESTD_STORAGE_DSN"

	DefaultMetricsAddress = ":9102"
)

// Config represents the main application configuration
type Config struct {
	Settings Settings      `yaml:"settings"`
	Serial   SerialConfig  `yaml:"serial"`
	Storage  StorageConfig `yaml:"storage"`
	Batch    BatchConfig   `yaml:"batch"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// SerialConfig represents the accelerometer device settings
type SerialConfig struct {
	Port           string       `yaml:"port"`
	BaudRate       int          `yaml:"baudRate"`
	ReadTimeout    TimeDuration `yaml:"readTimeout"`
	DecodePolicy   string       `yaml:"decodePolicy"`
	InitialBackoff TimeDuration `yaml:"initialBackoff"`
	RetryBackoff   TimeDuration `yaml:"retryBackoff"`
}

// StorageConfig represents database settings
type StorageConfig struct {
	Driver         string       `yaml:"driver"`
	DSN            string       `yaml:"dsn"`
	Table          string       `yaml:"table"`
	CreateTable    bool         `yaml:"createTable"`
	WriteTimeout   TimeDuration `yaml:"writeTimeout"`
	ConnectTimeout TimeDuration `yaml:"connectTimeout"`
	InitialBackoff TimeDuration `yaml:"initialBackoff"`
	RetryBackoff   TimeDuration `yaml:"retryBackoff"`
}

// BatchConfig represents flush thresholds
type BatchConfig struct {
	MaxBatchSize int          `yaml:"maxBatchSize"`
	MaxBatchAge  TimeDuration `yaml:"maxBatchAge"`
	MaxBuffered  int          `yaml:"maxBuffered"`
}

// MetricsConfig represents the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used for any key missing from the file
func Default() *Config {
	return &Config{
		Settings: Settings{
			LogLevel:  "info",
			LogFormat: LogFormatText,
		},
		Serial: SerialConfig{
			Port:           serial.DefaultPort,
			BaudRate:       serial.DefaultBaudRate,
			ReadTimeout:    NewTimeDuration(serial.DefaultReadTimeout),
			DecodePolicy:   string(serial.DecodeDrop),
			InitialBackoff: NewTimeDuration(ingest.DefaultSerialBackoff.Initial),
			RetryBackoff:   NewTimeDuration(ingest.DefaultSerialBackoff.Retry),
		},
		Storage: StorageConfig{
			Driver:         string(storage.DriverPostgres),
			Table:          storage.DefaultTable,
			WriteTimeout:   NewTimeDuration(ingest.DefaultWriteTimeout),
			ConnectTimeout: NewTimeDuration(storage.DefaultConnectTimeout),
			InitialBackoff: NewTimeDuration(ingest.DefaultStoreBackoff.Initial),
			RetryBackoff:   NewTimeDuration(ingest.DefaultStoreBackoff.Retry),
		},
		Batch: BatchConfig{
			MaxBatchSize: motion.DefaultMaxBatchSize,
			MaxBatchAge:  NewTimeDuration(motion.DefaultMaxBatchAge),
		},
		Metrics: MetricsConfig{
			Address: DefaultMetricsAddress,
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	config := Default()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err = decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	if dsn, ok := os.LookupEnv(StorageDSNEnv); ok && dsn != "" {
		config.Storage.DSN = dsn
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if err := c.Serial.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}

	driver, _ := storage.ParseDriver(c.Storage.Driver)
	if limit := storage.MaxBatchSize(driver); c.Batch.MaxBatchSize > limit {
		return fmt.Errorf("batch: max batch size %d exceeds the %s limit of %d samples per insert", c.Batch.MaxBatchSize, driver, limit)
	}

	return c.Metrics.Validate()
}

// Level returns the configured log level
func (s *Settings) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return level, fmt.Errorf("settings: invalid log level '%s'", s.LogLevel)
	}
	return level, nil
}

func (s *Settings) Validate() error {
	if _, err := s.Level(); err != nil {
		return err
	}

	switch strings.ToLower(s.LogFormat) {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("settings: unknown log format '%s'", s.LogFormat)
	}

	return nil
}

func (c *SerialConfig) Validate() error {
	if c.Port == "" {
		return errors.New("serial: port is required")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("serial: invalid baud rate: %d", c.BaudRate)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("serial: read timeout must be positive: %s", c.ReadTimeout.String())
	}
	if _, err := serial.ParseDecodePolicy(c.DecodePolicy); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if err := c.InitialBackoff.Validate(); err != nil {
		return fmt.Errorf("serial: initial backoff: %w", err)
	}
	if err := c.RetryBackoff.Validate(); err != nil {
		return fmt.Errorf("serial: retry backoff: %w", err)
	}
	if c.RetryBackoff == 0 {
		return errors.New("serial: retry backoff must be positive")
	}
	return nil
}

func (c *StorageConfig) Validate() error {
	if _, err := storage.ParseDriver(c.Driver); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.DSN == "" {
		return fmt.Errorf("storage: dsn is required, set it in the file or with %s", StorageDSNEnv)
	}
	if c.Table == "" {
		return errors.New("storage: table is required")
	}

	durations := []struct {
		name  string
		value TimeDuration
	}{
		{"write timeout", c.WriteTimeout},
		{"connect timeout", c.ConnectTimeout},
		{"initial backoff", c.InitialBackoff},
		{"retry backoff", c.RetryBackoff},
	}
	for _, d := range durations {
		if err := d.value.Validate(); err != nil {
			return fmt.Errorf("storage: %s: %w", d.name, err)
		}
	}
	if c.RetryBackoff == 0 {
		return errors.New("storage: retry backoff must be positive")
	}

	return nil
}

func (c *BatchConfig) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("batch: invalid max batch size: %d", c.MaxBatchSize)
	}
	if c.MaxBatchAge <= 0 {
		return fmt.Errorf("batch: max batch age must be positive: %s", c.MaxBatchAge.String())
	}
	if c.MaxBuffered < 0 {
		return fmt.Errorf("batch: invalid max buffered samples: %d", c.MaxBuffered)
	}
	if c.MaxBuffered > 0 && c.MaxBuffered < c.MaxBatchSize {
		return fmt.Errorf("batch: max buffered samples %d is less than max batch size %d", c.MaxBuffered, c.MaxBatchSize)
	}
	return nil
}

func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Address == "" {
		return errors.New("metrics: address is required when enabled")
	}
	return nil
}

// TimeDuration is a time.Duration written as a Go duration string, e.g. "4s"
type TimeDuration time.Duration

func NewTimeDuration(d time.Duration) TimeDuration {
	return TimeDuration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d TimeDuration) Validate() error {
	if d < 0 {
		return fmt.Errorf("app.TimeDuration: must not be negative: %s", d.String())
	}
	return nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}
