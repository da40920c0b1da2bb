package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
	assert.InDelta(t, DefaultSampling, cfg.Tracing.GetSampling(), 0)
	assert.Equal(t, DefaultExportInterval, cfg.Metrics.GetExportInterval())
	assert.Equal(t, DefaultConnectionBuckets, cfg.Metrics.GetConnectionBuckets())

	cfg = &Config{
		ServiceName:    "groupchannel-eu",
		ServiceVersion: "1.4.0",
		Endpoint:       "otel.internal:4318",
		Tracing:        &TracingConfig{Enabled: true, Sampling: floatPtr(0.25)},
		Metrics: &MetricsConfig{
			Enabled:           true,
			ExportInterval:    "15s",
			ConnectionBuckets: []float64{30, 600},
		},
	}
	assert.Equal(t, "groupchannel-eu", cfg.GetServiceName())
	assert.Equal(t, "1.4.0", cfg.GetServiceVersion())
	assert.Equal(t, "otel.internal:4318", cfg.GetEndpoint())
	assert.InDelta(t, 0.25, cfg.Tracing.GetSampling(), 0)
	assert.Equal(t, 15*time.Second, cfg.Metrics.GetExportInterval())
	assert.Equal(t, []float64{30, 600}, cfg.Metrics.GetConnectionBuckets())
}

func TestMetricsConfig_GetExportIntervalFallsBack(t *testing.T) {
	t.Parallel()

	for _, interval := range []string{"", "later", "0s", "-5s"} {
		cfg := &MetricsConfig{ExportInterval: interval}
		assert.Equal(t, DefaultExportInterval, cfg.GetExportInterval(), interval)
	}
}

func TestConfig_SignalSwitches(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.False(t, nilCfg.tracingEnabled())
	assert.False(t, nilCfg.metricsEnabled())

	off := &Config{Tracing: &TracingConfig{Enabled: true}, Metrics: &MetricsConfig{Enabled: true, Prometheus: true}}
	assert.False(t, off.tracingEnabled(), "telemetry switch gates tracing")
	assert.False(t, off.prometheusEnabled(), "telemetry switch gates prometheus")

	on := &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true}, Metrics: &MetricsConfig{Enabled: true}}
	assert.True(t, on.tracingEnabled())
	assert.True(t, on.metricsEnabled())
	assert.False(t, on.prometheusEnabled())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr []string
	}{
		{
			name: "nil",
		},
		{
			name: "disabled ignores invalid sections",
			cfg:  &Config{Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(7)}},
		},
		{
			name: "valid",
			cfg: &Config{
				Enabled: true,
				Headers: map[string]string{"Authorization": "Bearer t"},
				Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(1)},
				Metrics: &MetricsConfig{Enabled: true, ExportInterval: "30s", ConnectionBuckets: []float64{1, 60, 3600}},
			},
		},
		{
			name: "disabled sections are not checked",
			cfg: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false, Sampling: floatPtr(0)},
				Metrics: &MetricsConfig{Enabled: false, ExportInterval: "nope"},
			},
		},
		{
			name:    "zero sampling",
			cfg:     &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(0)}},
			wantErr: []string{"tracing: sampling must be greater than 0.0"},
		},
		{
			name:    "sampling above one",
			cfg:     &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(1.01)}},
			wantErr: []string{"tracing: sampling"},
		},
		{
			name: "metrics problems are all reported",
			cfg: &Config{Enabled: true, Metrics: &MetricsConfig{
				Enabled:           true,
				ExportInterval:    "0s",
				ConnectionBuckets: []float64{60, 10},
			}},
			wantErr: []string{"metrics: exportInterval must be a positive duration", "connectionBuckets must be in increasing order"},
		},
		{
			name:    "empty header name",
			cfg:     &Config{Enabled: true, Headers: map[string]string{"": "x"}},
			wantErr: []string{"headers: empty header name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
