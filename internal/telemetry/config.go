// Package telemetry provides OpenTelemetry instrumentation for the group channel server:
// the tracer and meter providers, HTTP and channel middleware, and the dispatch metrics.
package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "groupchannel-api"

	// DefaultEndpoint is the default OTLP HTTP endpoint
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling ratio
	DefaultSampling = 0.05

	// DefaultExportInterval is how often metrics are pushed to the collector
	DefaultExportInterval = 60 * time.Second
)

// DefaultConnectionBuckets are the histogram boundaries, in seconds, of channel connection
// lifetimes. Study sessions run from seconds to a few hours.
var DefaultConnectionBuckets = []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400}

// Config is the telemetry section of the server configuration
type Config struct {
	// Enabled turns telemetry on. Nothing is exported while it is false.
	Enabled bool `yaml:"enabled"`

	ServiceName    string `yaml:"serviceName,omitempty"`
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP HTTP collector as host:port
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure sends telemetry over plain HTTP
	Insecure bool `yaml:"insecure,omitempty"`

	// Headers are added to every OTLP export request, e.g. collector credentials
	Headers map[string]string `yaml:"headers,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures traces
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of traces kept, in (0, 1]
	Sampling *float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig configures metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prometheus also serves the metrics on /metrics
	Prometheus bool `yaml:"prometheus,omitempty"`

	// ExportInterval is how often metrics are pushed over OTLP (e.g. "30s")
	ExportInterval string `yaml:"exportInterval,omitempty"`

	// ConnectionBuckets overrides the histogram boundaries of channel connection lifetimes
	ConnectionBuckets []float64 `yaml:"connectionBuckets,omitempty"`
}

// GetServiceName returns the service name, using the default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, or "unknown"
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the collector endpoint, using the default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio, or DefaultSampling when unset
func (c *TracingConfig) GetSampling() float64 {
	if c == nil || c.Sampling == nil {
		return DefaultSampling
	}
	return *c.Sampling
}

// GetExportInterval returns the metrics export interval, or DefaultExportInterval
func (c *MetricsConfig) GetExportInterval() time.Duration {
	if c == nil || c.ExportInterval == "" {
		return DefaultExportInterval
	}
	d, err := time.ParseDuration(c.ExportInterval)
	if err != nil || d <= 0 {
		return DefaultExportInterval
	}
	return d
}

// GetConnectionBuckets returns the channel lifetime buckets, or DefaultConnectionBuckets
func (c *MetricsConfig) GetConnectionBuckets() []float64 {
	if c == nil || len(c.ConnectionBuckets) == 0 {
		return DefaultConnectionBuckets
	}
	return c.ConnectionBuckets
}

func (c *Config) tracingEnabled() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

func (c *Config) metricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

func (c *Config) prometheusEnabled() bool {
	return c.metricsEnabled() && c.Metrics.Prometheus
}

// Validate checks the configuration. A nil or disabled configuration is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	for name := range c.Headers {
		if name == "" {
			errs = append(errs, errors.New("headers: empty header name"))
			break
		}
	}
	return errors.Join(errs...)
}

// Validate checks the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled || c.Sampling == nil {
		return nil
	}
	if sampling := *c.Sampling; sampling <= 0 || sampling > 1.0 {
		return fmt.Errorf("sampling must be greater than 0.0 and at most 1.0, got %f", sampling)
	}
	return nil
}

// Validate checks the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.ExportInterval != "" {
		if d, err := time.ParseDuration(c.ExportInterval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("exportInterval must be a positive duration, got %q", c.ExportInterval))
		}
	}
	if len(c.ConnectionBuckets) > 0 && !slices.IsSorted(c.ConnectionBuckets) {
		errs = append(errs, errors.New("connectionBuckets must be in increasing order"))
	}
	return errors.Join(errs...)
}
