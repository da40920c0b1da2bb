// Package app provides application lifecycle management for the group channel server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/studyhub/groupchannel/internal/config"
)

// ChannelApp encapsulates all components needed to run the group channel server.
// It provides lifecycle management and graceful shutdown capabilities.
type ChannelApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	stopOnce   sync.Once
}

// Start starts the dispatcher registry and the HTTP server.
// This method blocks until the HTTP server stops or encounters an error.
func (app *ChannelApp) Start() error {
	// Start dispatcher registry in background
	go func() {
		if err := app.components.Registry.Start(app.ctx); err != nil {
			slog.Error("Dispatcher registry failed", "error", err)
		}
	}()

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout.
// The HTTP server stops accepting requests first, then the dispatchers close their
// channels and the session store is released.
func (app *ChannelApp) Stop(timeout time.Duration) error {
	var err error
	app.stopOnce.Do(func() {
		err = app.stop(timeout)
	})
	return err
}

func (app *ChannelApp) stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	// Hijacked channel connections are not tracked by Shutdown; stopping the
	// dispatchers closes them.
	if err := app.components.Registry.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop dispatcher registry: %w", err))
	}

	if app.components.SessionStore != nil {
		app.components.SessionStore.Close()
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *ChannelApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *ChannelApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the application components
func (app *ChannelApp) GetComponents() *AppComponents {
	return app.components
}
