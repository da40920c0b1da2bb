package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPMeterName is the meter of the HTTP and channel connection instruments
	HTTPMeterName = "github.com/studyhub/groupchannel/http"

	// TracerName is the tracer of the HTTP server spans
	TracerName = "github.com/studyhub/groupchannel/http"

	// AttrChannelUpgraded marks server spans whose request became a channel connection
	AttrChannelUpgraded = attribute.Key("channel.upgraded")

	unknownRoute = "unknown_route"
)

// HTTPMetrics records plain requests and channel connections separately. A channel
// connection holds its request open for the lifetime of the channel, so its duration
// is recorded as a connection lifetime rather than a request latency.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter

	channelUpgrades    metric.Int64Counter
	channelConnections metric.Int64UpDownCounter
	channelLifetime    metric.Float64Histogram
}

// NewHTTPMetrics creates the HTTP instruments. A nil provider yields nil metrics,
// whose Middleware passes requests through. Empty buckets select DefaultConnectionBuckets.
func NewHTTPMetrics(provider metric.MeterProvider, connectionBuckets []float64) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	if len(connectionBuckets) == 0 {
		connectionBuckets = DefaultConnectionBuckets
	}

	meter := provider.Meter(HTTPMeterName)
	m := &HTTPMetrics{}
	var err error

	if m.requestDuration, err = meter.Float64Histogram(
		"groupchannel_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests other than channel connections"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if m.requestsTotal, err = meter.Int64Counter(
		"groupchannel_http_requests_total",
		metric.WithDescription("Total number of HTTP requests other than channel connections"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	if m.activeRequests, err = meter.Int64UpDownCounter(
		"groupchannel_http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests other than channel connections"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	if m.channelUpgrades, err = meter.Int64Counter(
		"groupchannel_channel_upgrades_total",
		metric.WithDescription("Channel upgrade attempts by response status, 101 when upgraded"),
		metric.WithUnit("{upgrade}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create channel upgrades counter: %w", err)
	}

	if m.channelConnections, err = meter.Int64UpDownCounter(
		"groupchannel_channel_connections",
		metric.WithDescription("Number of channel requests being served, handshakes included"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create channel connections counter: %w", err)
	}

	if m.channelLifetime, err = meter.Float64Histogram(
		"groupchannel_channel_connection_duration_seconds",
		metric.WithDescription("Lifetime of upgraded channel connections"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectionBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create channel lifetime histogram: %w", err)
	}

	return m, nil
}

// Middleware records metrics for each request. Nil metrics pass requests through.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request context may be cancelled once ServeHTTP returns
		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		if websocket.IsWebSocketUpgrade(r) {
			m.channelConnections.Add(ctx, 1)
			next.ServeHTTP(ww, r)
			m.channelConnections.Add(ctx, -1)

			status := responseStatus(ww, true)
			route := attribute.String("route", routePattern(r))
			m.channelUpgrades.Add(ctx, 1, metric.WithAttributes(route,
				attribute.String("status_code", strconv.Itoa(status))))
			if status == http.StatusSwitchingProtocols {
				m.channelLifetime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(route))
			}
			return
		}

		m.activeRequests.Add(ctx, 1)
		next.ServeHTTP(ww, r)
		m.activeRequests.Add(ctx, -1)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(responseStatus(ww, false))),
		)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requestsTotal.Add(ctx, 1, attrs)
	})
}

// MetricsMiddleware combines NewHTTPMetrics and Middleware
func MetricsMiddleware(
	provider metric.MeterProvider,
	connectionBuckets []float64,
) (func(http.Handler) http.Handler, error) {
	metrics, err := NewHTTPMetrics(provider, connectionBuckets)
	if err != nil {
		return nil, err
	}
	return metrics.Middleware, nil
}

// TracingMiddleware starts a server span per request, continuing the caller's W3C trace
// context. Handlers add the group and run IDs once they have validated them. A nil
// provider yields a pass-through middleware.
func TracingMiddleware(provider trace.TracerProvider) func(http.Handler) http.Handler {
	if provider == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	tracer := provider.Tracer(TracerName)
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			upgrade := websocket.IsWebSocketUpgrade(r)

			// Renamed to the route pattern once chi has routed the request
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			status := responseStatus(ww, upgrade)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(status),
			)
			if upgrade {
				span.SetAttributes(AttrChannelUpgraded.Bool(status == http.StatusSwitchingProtocols))
			}

			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// responseStatus returns the status written to ww. A hijacked connection never writes
// through ww, so an upgrade that wrote nothing reports 101.
func responseStatus(ww middleware.WrapResponseWriter, upgrade bool) int {
	switch status := ww.Status(); {
	case status != 0:
		return status
	case upgrade:
		return http.StatusSwitchingProtocols
	default:
		return http.StatusOK
	}
}

// routePattern returns the chi route pattern, keeping path parameters out of attributes
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}
