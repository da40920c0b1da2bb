package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/studyhub/groupchannel/internal/auth"
	"github.com/studyhub/groupchannel/internal/config"
	"github.com/studyhub/groupchannel/internal/sessionstore"
)

func TestBaseConfig(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithConfig(createTestAppConfig()))
	require.NoError(t, err)
	require.NotNil(t, built)
	assert.Equal(t, defaultHTTPAddress, built.address)
	assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
	assert.Equal(t, defaultWriteTimeout, built.writeTimeout)
}

func TestBaseConfig_OptionError(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(
		WithConfig(createTestAppConfig()),
		WithAddress(":"),
	)
	require.Error(t, err)
	require.Nil(t, built)
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "valid address", address: ":9999", want: ":9999"},
		{name: "valid address with host", address: "127.0.0.1:9999", want: "127.0.0.1:9999"},
		{name: "valid address with localhost", address: "localhost:9999", want: "localhost:9999"},
		{name: "invalid empty address", address: "", wantErr: true},
		{name: "invalid empty port", address: ":", wantErr: true},
		{name: "invalid missing port", address: "localhost", wantErr: true},
		{name: "invalid port out of range", address: "localhost:999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &channelAppConfig{}
			err := WithAddress(tt.address)(cfg)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.address)
		})
	}
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()
	cfg := &channelAppConfig{}
	middleware1 := func(next http.Handler) http.Handler { return next }
	middleware2 := func(next http.Handler) http.Handler { return next }

	require.NoError(t, WithMiddlewares(middleware1, middleware2)(cfg))
	assert.Len(t, cfg.middlewares, 2)
}

func TestWithRequestTimeout(t *testing.T) {
	t.Parallel()

	cfg := &channelAppConfig{}
	require.NoError(t, WithRequestTimeout(time.Second)(cfg))
	assert.Equal(t, time.Second, cfg.requestTimeout)

	require.Error(t, WithRequestTimeout(0)(cfg))
}

func TestBuildSessionStore(t *testing.T) {
	t.Parallel()

	t.Run("memory by default", func(t *testing.T) {
		t.Parallel()

		store, err := buildSessionStore(context.Background(), &config.Config{})
		require.NoError(t, err)
		t.Cleanup(store.Close)

		_, err = store.Load(context.Background(), "g1")
		assert.ErrorIs(t, err, sessionstore.ErrSnapshotNotFound)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()

		_, err := buildSessionStore(context.Background(), &config.Config{
			SessionStore: &config.SessionStoreConfig{Type: "redis"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported session store type")
	})

	t.Run("postgres with missing password file", func(t *testing.T) {
		t.Parallel()

		_, err := buildSessionStore(context.Background(), &config.Config{
			SessionStore: &config.SessionStoreConfig{
				Type: config.SessionStorePostgres,
				Database: &config.DatabaseConfig{
					Host:         "localhost",
					Port:         5432,
					User:         "groupchannel",
					Database:     "sessions",
					PasswordFile: "/nonexistent/password",
				},
			},
		})
		require.Error(t, err)
	})
}

func TestNewChannelApp(t *testing.T) {
	t.Parallel()

	t.Run("requires config", func(t *testing.T) {
		t.Parallel()

		_, err := NewChannelApp(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("token auth without key", func(t *testing.T) {
		t.Parallel()

		cfg := createTestAppConfig()
		cfg.Auth = &config.AuthConfig{
			Mode:  config.AuthModeToken,
			Token: &config.TokenAuthConfig{SigningKeyFile: "/nonexistent/key"},
		}
		_, err := NewChannelApp(context.Background(), WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to build auth gate")
	})

	t.Run("token auth protects the API", func(t *testing.T) {
		t.Parallel()

		keyFile := filepath.Join(t.TempDir(), "key")
		require.NoError(t, os.WriteFile(keyFile, []byte("secret"), 0600))

		cfg := createTestAppConfig()
		cfg.Auth = &config.AuthConfig{
			Mode:  config.AuthModeToken,
			Token: &config.TokenAuthConfig{SigningKeyFile: keyFile},
		}
		app, err := NewChannelApp(context.Background(), WithConfig(cfg))
		require.NoError(t, err)
		t.Cleanup(func() { _ = app.Stop(time.Second) })

		handler := app.GetHTTPServer().Handler

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		// Health routes stay public
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestBuildHTTPServer(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracerProvider := sdktrace.NewTracerProvider()
	t.Cleanup(func() {
		_ = meterProvider.Shutdown(context.Background())
		_ = tracerProvider.Shutdown(context.Background())
	})

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app, err := NewChannelApp(context.Background(),
		WithConfig(createTestAppConfig()),
		WithAddress(":9191"),
		WithMeterProvider(meterProvider),
		WithTracerProvider(tracerProvider),
		WithMetricsHandler(metricsHandler),
		WithAuthGate(&auth.Gate{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(time.Second) })

	server := app.GetHTTPServer()
	assert.Equal(t, ":9191", server.Addr)
	assert.Equal(t, defaultReadTimeout, server.ReadTimeout)
	assert.Equal(t, defaultIdleTimeout, server.IdleTimeout)

	rr := httptest.NewRecorder()
	server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var version map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &version))
	assert.Contains(t, version, "version")
}
