package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ChannelMetricsMeterName is the name used for the channel metrics meter
	ChannelMetricsMeterName = "github.com/studyhub/groupchannel/channels"
)

// Session update outcomes recorded by RecordSessionUpdate
const (
	SessionOutcomeAccepted = "accepted"
	SessionOutcomeConflict = "conflict"
	SessionOutcomeInvalid  = "invalid"
)

// ChannelMetrics holds the OpenTelemetry instruments for the dispatch subsystem.
// A nil *ChannelMetrics is valid and records nothing.
type ChannelMetrics struct {
	openChannels   metric.Int64UpDownCounter
	dispatchers    metric.Int64UpDownCounter
	framesRouted   metric.Int64Counter
	sessionUpdates metric.Int64Counter
	askDuration    metric.Float64Histogram
	askTimeouts    metric.Int64Counter
}

// NewChannelMetrics creates a new ChannelMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewChannelMetrics(provider metric.MeterProvider) (*ChannelMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ChannelMetricsMeterName)

	openChannels, err := meter.Int64UpDownCounter(
		"groupchannel_open_channels",
		metric.WithDescription("Number of channels currently registered with a dispatcher"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchers, err := meter.Int64UpDownCounter(
		"groupchannel_dispatchers",
		metric.WithDescription("Number of live group dispatchers"),
		metric.WithUnit("{dispatcher}"),
	)
	if err != nil {
		return nil, err
	}

	framesRouted, err := meter.Int64Counter(
		"groupchannel_frames_routed_total",
		metric.WithDescription("Total number of client frames routed by dispatchers"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	sessionUpdates, err := meter.Int64Counter(
		"groupchannel_session_updates_total",
		metric.WithDescription("Total number of session update requests by outcome"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	askDuration, err := meter.Float64Histogram(
		"groupchannel_ask_duration_seconds",
		metric.WithDescription("Time the channel service waited for a dispatcher reply"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	askTimeouts, err := meter.Int64Counter(
		"groupchannel_ask_timeouts_total",
		metric.WithDescription("Total number of dispatcher requests that timed out"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &ChannelMetrics{
		openChannels:   openChannels,
		dispatchers:    dispatchers,
		framesRouted:   framesRouted,
		sessionUpdates: sessionUpdates,
		askDuration:    askDuration,
		askTimeouts:    askTimeouts,
	}, nil
}

// ChannelOpened records a channel registration with a group dispatcher
func (m *ChannelMetrics) ChannelOpened(ctx context.Context) {
	if m == nil || m.openChannels == nil {
		return
	}
	m.openChannels.Add(ctx, 1)
}

// ChannelClosed records a channel removal from a group dispatcher
func (m *ChannelMetrics) ChannelClosed(ctx context.Context) {
	if m == nil || m.openChannels == nil {
		return
	}
	m.openChannels.Add(ctx, -1)
}

// DispatcherStarted records the creation of a group dispatcher
func (m *ChannelMetrics) DispatcherStarted(ctx context.Context) {
	if m == nil || m.dispatchers == nil {
		return
	}
	m.dispatchers.Add(ctx, 1)
}

// DispatcherStopped records the removal of a group dispatcher
func (m *ChannelMetrics) DispatcherStopped(ctx context.Context) {
	if m == nil || m.dispatchers == nil {
		return
	}
	m.dispatchers.Add(ctx, -1)
}

// RecordFrame records a routed client frame of the given kind
func (m *ChannelMetrics) RecordFrame(ctx context.Context, kind string) {
	if m == nil || m.framesRouted == nil {
		return
	}
	m.framesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionUpdate records the outcome of a session update request
func (m *ChannelMetrics) RecordSessionUpdate(ctx context.Context, outcome string) {
	if m == nil || m.sessionUpdates == nil {
		return
	}
	m.sessionUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAsk records how long a facade request waited for its reply
func (m *ChannelMetrics) RecordAsk(ctx context.Context, operation string, duration time.Duration, timedOut bool) {
	if m == nil || m.askDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.askDuration.Record(ctx, duration.Seconds(), attrs)
	if timedOut && m.askTimeouts != nil {
		m.askTimeouts.Add(ctx, 1, attrs)
	}
}
