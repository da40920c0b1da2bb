package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyhub/groupchannel/internal/app"
	"github.com/studyhub/groupchannel/internal/config"
	"github.com/studyhub/groupchannel/internal/telemetry"
)

const defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the group channel API server",
		Long: `Start the group channel API server.

The server requires a configuration file (--config) that specifies:
- Channel limits and timeouts
- The session store (memory or postgres)
- Authentication and telemetry settings`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Duration("graceful-timeout", defaultGracefulTimeout, "Time allowed for in-flight requests on shutdown")

	if err := cmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to get address flag: %w", err)
	}
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	gracefulTimeout, err := cmd.Flags().GetDuration("graceful-timeout")
	if err != nil {
		return fmt.Errorf("failed to get graceful-timeout flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"session_store", cfg.GetSessionStoreType(),
		"auth_mode", cfg.GetAuthMode())

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	channelApp, err := app.NewChannelApp(ctx, appOptions(cfg, address, tel)...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- channelApp.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = channelApp.Stop(gracefulTimeout)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	return channelApp.Stop(gracefulTimeout)
}

// appOptions translates the configuration and telemetry into application options
func appOptions(cfg *config.Config, address string, tel *telemetry.Telemetry) []app.ChannelAppOptions {
	opts := []app.ChannelAppOptions{
		app.WithConfig(cfg),
		app.WithAddress(address),
	}

	if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
		return opts
	}
	if cfg.Telemetry.Tracing != nil && cfg.Telemetry.Tracing.Enabled {
		opts = append(opts, app.WithTracerProvider(tel.TracerProvider()))
	}
	if cfg.Telemetry.Metrics != nil && cfg.Telemetry.Metrics.Enabled {
		opts = append(opts, app.WithMeterProvider(tel.MeterProvider()))
	}
	if handler := tel.MetricsHandler(); handler != nil {
		opts = append(opts, app.WithMetricsHandler(handler))
	}
	return opts
}
