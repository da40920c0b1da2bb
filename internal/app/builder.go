package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/studyhub/groupchannel/internal/api"
	"github.com/studyhub/groupchannel/internal/auth"
	"github.com/studyhub/groupchannel/internal/channel"
	"github.com/studyhub/groupchannel/internal/config"
	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/service"
	"github.com/studyhub/groupchannel/internal/sessionstore"
	"github.com/studyhub/groupchannel/internal/telemetry"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// ChannelAppOptions is a function that configures the channel app builder
type ChannelAppOptions func(*channelAppConfig) error

// channelAppConfig collects what NewChannelApp builds the app from.
// It supports dependency injection for testing while providing sensible defaults for production.
type channelAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	sessionStore sessionstore.Store
	gate         *auth.Gate

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...ChannelAppOptions) (*channelAppConfig, error) {
	cfg := &channelAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewChannelApp builds the application from its configuration
func NewChannelApp(
	ctx context.Context,
	opts ...ChannelAppOptions,
) (*ChannelApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.sessionStore == nil {
		cfg.sessionStore, err = buildSessionStore(ctx, cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to build session store: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded {
			cfg.sessionStore.Close()
		}
	}()

	metrics, err := buildChannelMetrics(cfg)
	if err != nil {
		return nil, err
	}

	registry := buildDispatcherRegistry(cfg, metrics)

	channelService, err := buildServiceComponents(cfg, registry, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build service components: %w", err)
	}

	if cfg.gate == nil {
		cfg.gate, err = auth.NewGate(cfg.config.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth gate: %w", err)
		}
	}

	httpServer, err := buildHTTPServer(cfg, channelService)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &ChannelApp{
		config: cfg.config,
		components: &AppComponents{
			Registry:       registry,
			ChannelService: channelService,
			SessionStore:   cfg.sessionStore,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRequestTimeout bounds API requests other than channel connections
func WithRequestTimeout(d time.Duration) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithSessionStore allows injecting a session store (for testing)
func WithSessionStore(store sessionstore.Store) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.sessionStore = store
		return nil
	}
}

// WithAuthGate allows injecting an auth gate (for testing)
func WithAuthGate(gate *auth.Gate) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.gate = gate
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for channel and HTTP metrics
func WithMeterProvider(mp metric.MeterProvider) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for service and HTTP spans
func WithTracerProvider(tp trace.TracerProvider) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves handler on /metrics
func WithMetricsHandler(handler http.Handler) ChannelAppOptions {
	return func(cfg *channelAppConfig) error {
		cfg.metricsHandler = handler
		return nil
	}
}

// buildSessionStore creates the session store selected by the configuration
func buildSessionStore(ctx context.Context, cfg *config.Config) (sessionstore.Store, error) {
	switch storeType := cfg.GetSessionStoreType(); storeType {
	case config.SessionStoreMemory:
		slog.Info("Using in-memory session store")
		return sessionstore.NewMemoryStore(), nil

	case config.SessionStorePostgres:
		db := cfg.SessionStore.Database
		connString, err := db.GetConnectionString()
		if err != nil {
			return nil, err
		}

		opts := []sessionstore.PostgresOption{sessionstore.WithConnectTimeout(db.GetConnectTimeout())}
		if db.MaxOpenConns > 0 {
			opts = append(opts, sessionstore.WithMaxConns(db.MaxOpenConns))
		}

		slog.Info("Using Postgres session store", "host", db.Host, "database", db.Database)
		return sessionstore.NewPostgresStore(ctx, connString, opts...)

	default:
		return nil, fmt.Errorf("unsupported session store type: %s", storeType)
	}
}

// buildChannelMetrics creates the channel metrics if a meter provider is configured
func buildChannelMetrics(b *channelAppConfig) (*telemetry.ChannelMetrics, error) {
	if b.meterProvider == nil {
		return nil, nil
	}
	metrics, err := telemetry.NewChannelMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel metrics: %w", err)
	}
	slog.Info("Channel metrics enabled")
	return metrics, nil
}

// buildDispatcherRegistry creates the registry every group dispatcher is started from
func buildDispatcherRegistry(b *channelAppConfig, metrics *telemetry.ChannelMetrics) *dispatcher.Registry {
	channels := &b.config.Channels
	return dispatcher.NewRegistry(
		dispatcher.WithMailboxSize(channels.GetMailboxSize()),
		dispatcher.WithSessionStore(b.sessionStore),
		dispatcher.WithStoreTimeout(channels.GetAskTimeout()),
		dispatcher.WithMetrics(metrics),
	)
}

// buildServiceComponents builds the channel service on top of the registry
func buildServiceComponents(
	b *channelAppConfig,
	registry *dispatcher.Registry,
	metrics *telemetry.ChannelMetrics,
) (service.ChannelService, error) {
	slog.Info("Initializing service components")

	channels := &b.config.Channels
	svc, err := service.New(registry,
		service.WithAskTimeout(channels.GetAskTimeout()),
		service.WithChannelConfig(channel.Config{
			WriteWait:        channels.GetWriteWait(),
			PongWait:         channels.GetPongWait(),
			PingPeriod:       channels.GetPingPeriod(),
			MaxMessageSize:   channels.GetMaxMessageSize(),
			MailboxSize:      channels.GetChannelMailboxSize(),
			InboundRateLimit: channels.GetInboundRateLimit(),
			InboundBurst:     channels.GetInboundBurst(),
		}),
		service.WithTracerProvider(b.tracerProvider),
		service.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel service: %w", err)
	}

	slog.Info("Service components initialized successfully")
	return svc, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	b *channelAppConfig,
	svc service.ChannelService,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided. Request timeouts are applied by
	// the API routes because channel connections are long-lived.
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		}
	}

	if b.tracerProvider != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider)}, b.middlewares...)
		slog.Info("HTTP tracing middleware enabled")
	}

	// Metrics middleware goes first to capture all requests including those rejected by auth
	if b.meterProvider != nil {
		var buckets []float64
		if b.config.Telemetry != nil {
			buckets = b.config.Telemetry.Metrics.GetConnectionBuckets()
		}
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider, buckets)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
		slog.Info("HTTP metrics middleware enabled")
	}

	channels := &b.config.Channels
	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithAuthGate(b.gate),
		api.WithAllowedOrigins(channels.AllowedOrigins),
		api.WithMinClientVersion(channels.MinClientVersion),
		api.WithRequestTimeout(b.requestTimeout),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}
	router := api.NewServer(svc, serverOpts...)

	// WriteTimeout does not apply to upgraded connections; the upgrader clears
	// the deadlines the server set.
	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
