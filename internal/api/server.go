// Package api provides the HTTP server of the group channel API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/studyhub/groupchannel/internal/api/v1"
	"github.com/studyhub/groupchannel/internal/auth"
	"github.com/studyhub/groupchannel/internal/service"
)

// ServerOption configures the group channel API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
	v1Options      []v1.Option
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves handler on /metrics
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = handler
	}
}

// WithAuthGate protects the API routes with gate
func WithAuthGate(gate *auth.Gate) ServerOption {
	return func(cfg *serverConfig) {
		cfg.v1Options = append(cfg.v1Options, v1.WithGate(gate))
	}
}

// WithAllowedOrigins sets the origins allowed to open channels
func WithAllowedOrigins(origins []string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.v1Options = append(cfg.v1Options, v1.WithAllowedOrigins(origins))
	}
}

// WithMinClientVersion rejects channels from older clients
func WithMinClientVersion(version string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.v1Options = append(cfg.v1Options, v1.WithMinClientVersion(version))
	}
}

// WithRequestTimeout bounds API requests other than channel connections
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.v1Options = append(cfg.v1Options, v1.WithRequestTimeout(d))
	}
}

// NewServer creates and configures the HTTP router with the given service and options
func NewServer(svc service.ChannelService, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	// Health check routes are public
	r.Mount("/", HealthRouter(svc))

	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}

	r.Mount("/api/v1", v1.Router(svc, cfg.v1Options...))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
