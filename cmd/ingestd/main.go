package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roman-kulish/vibration-monitor/cmd/ingestd/app"
)

var version = "dev"

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var (
		configPath       string
		logLevelOverride string
	)

	rootCmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "Ingest accelerometer samples from a serial device into a database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := app.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration file '%s': %w", configPath, err)
			}

			if logLevelOverride != "" {
				config.Settings.LogLevel = logLevelOverride
			}
			level, err := config.Settings.Level()
			if err != nil {
				return err
			}
			logLevel.Set(level)
			logger = newLogger(os.Stdout, config.Settings.LogFormat, &logLevel)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return app.Run(ctx, config, logger)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVar(&logLevelOverride, "log-level", "", "Override the configured log level")
	_ = rootCmd.MarkFlagRequired("config")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, app.LogFormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
