package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ingestd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
settings:
  logLevel: debug
  logFormat: json
serial:
  port: /dev/ttyUSB1
  baudRate: 57600
  decodePolicy: replace
storage:
  driver: sqlite
  dsn: /var/lib/ingestd/vibration.db
  createTable: true
  retryBackoff: 30s
batch:
  maxBatchSize: 100
  maxBatchAge: 2s
  maxBuffered: 10000
metrics:
  enabled: true
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	level, err := config.Settings.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	assert.Equal(t, LogFormatJSON, config.Settings.LogFormat)

	assert.Equal(t, "/dev/ttyUSB1", config.Serial.Port)
	assert.Equal(t, 57600, config.Serial.BaudRate)
	assert.Equal(t, "replace", config.Serial.DecodePolicy)
	assert.Equal(t, time.Second, config.Serial.ReadTimeout.Duration())
	assert.Equal(t, 5*time.Second, config.Serial.RetryBackoff.Duration())

	assert.Equal(t, "sqlite", config.Storage.Driver)
	assert.True(t, config.Storage.CreateTable)
	assert.Equal(t, "vibration_data", config.Storage.Table)
	assert.Equal(t, 30*time.Second, config.Storage.RetryBackoff.Duration())
	assert.Equal(t, time.Duration(0), config.Storage.InitialBackoff.Duration())

	assert.Equal(t, 100, config.Batch.MaxBatchSize)
	assert.Equal(t, 2*time.Second, config.Batch.MaxBatchAge.Duration())
	assert.Equal(t, 10000, config.Batch.MaxBuffered)

	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsAddress, config.Metrics.Address)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(StorageDSNEnv, "postgres://ingest:secret@db:5432/motion_data")

	config, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", config.Serial.Port)
	assert.Equal(t, 115200, config.Serial.BaudRate)
	assert.Equal(t, time.Second, config.Serial.InitialBackoff.Duration())
	assert.Equal(t, "postgres", config.Storage.Driver)
	assert.Equal(t, "postgres://ingest:secret@db:5432/motion_data", config.Storage.DSN)
	assert.Equal(t, 10*time.Second, config.Storage.RetryBackoff.Duration())
	assert.Equal(t, 5*time.Second, config.Storage.ConnectTimeout.Duration())
	assert.Equal(t, 40, config.Batch.MaxBatchSize)
	assert.Equal(t, 4*time.Second, config.Batch.MaxBatchAge.Duration())
	assert.False(t, config.Metrics.Enabled)
}

func TestLoadConfig_EnvOverridesDSN(t *testing.T) {
	t.Setenv(StorageDSNEnv, "postgres://ingest:secret@db:5432/motion_data")

	config, err := LoadConfig(writeConfig(t, "storage:\n  dsn: postgres://placeholder\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://ingest:secret@db:5432/motion_data", config.Storage.DSN)
}

func TestLoadConfig_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "storage:\n  dsn: x\n  pasword: y\n", "decoding config file"},
		{"bad duration", "storage:\n  dsn: x\nbatch:\n  maxBatchAge: soon\n", "app.TimeDuration"},
		{"missing dsn", "storage:\n  driver: sqlite\n", "storage: dsn is required"},
		{"unknown driver", "storage:\n  driver: mysql\n  dsn: x\n", "unknown storage driver"},
		{"bad log level", "settings:\n  logLevel: loud\nstorage:\n  dsn: x\n", "settings: invalid log level"},
		{"bad log format", "settings:\n  logFormat: xml\nstorage:\n  dsn: x\n", "settings: unknown log format"},
		{"bad decode policy", "serial:\n  decodePolicy: strict\nstorage:\n  dsn: x\n", "serial:"},
		{"zero batch size", "storage:\n  dsn: x\nbatch:\n  maxBatchSize: 0\n", "batch: invalid max batch size"},
		{"buffer below batch", "storage:\n  dsn: x\nbatch:\n  maxBuffered: 10\n", "batch: max buffered samples"},
		{"negative backoff", "storage:\n  dsn: x\n  initialBackoff: -1s\n", "must not be negative"},
		{"zero retry", "storage:\n  dsn: x\nserial:\n  retryBackoff: 0s\n", "serial: retry backoff must be positive"},
		{"batch above sqlite limit", "storage:\n  driver: sqlite\n  dsn: x\nbatch:\n  maxBatchSize: 9000\n", "batch: max batch size 9000 exceeds the sqlite limit of 8191"},
		{"batch above postgres limit", "storage:\n  dsn: x\nbatch:\n  maxBatchSize: 16384\n", "batch: max batch size 16384 exceeds the postgres limit of 16383"},
		{"first bad storage duration", "storage:\n  dsn: x\n  writeTimeout: -1s\n  retryBackoff: -1s\n", "storage: write timeout:"},
		{"metrics without address", "storage:\n  dsn: x\nmetrics:\n  enabled: true\n  address: \"\"\n", "metrics: address is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(StorageDSNEnv, "")

			_, err := LoadConfig(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "opening config file")
}

func TestTimeDuration_MarshalYAML(t *testing.T) {
	v, err := NewTimeDuration(1500 * time.Millisecond).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", v)
}

func TestLoadConfig_LargestBatch(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "storage:\n  dsn: x\nbatch:\n  maxBatchSize: 16383\n"))
	require.NoError(t, err)
	assert.Equal(t, 16383, config.Batch.MaxBatchSize)
}
