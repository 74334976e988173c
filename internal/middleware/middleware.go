package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstanceIDKey tags spans that concern a single instance
const InstanceIDKey = attribute.Key("instance.id")

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("instancewatch")
}

// InitTracer initializes OpenTelemetry tracing. Without an endpoint tracing
// stays on the global no-op provider.
func InitTracer(endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return nil, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("instancewatch"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer("instancewatch")

	return tp.Shutdown, nil
}

// Chain applies all middleware to the handler. The request id is assigned
// first so every later layer can log it.
func Chain(handler http.Handler, logger *slog.Logger) http.Handler {
	return middleware.RequestID(Tracing(Logging(logger)(Metrics(handler))))
}

// route is a request path reduced to its API pattern. InstanceID is set
// for single-instance lookups.
type route struct {
	Pattern    string
	InstanceID string
}

// quietPaths are polled by load balancers and scrapers
var quietPaths = map[string]bool{
	"/metrics":   true,
	"/v1/health": true,
	"/v1/ping":   true,
}

// routeOf collapses instance ids so label and span name cardinality stays
// bounded
func routeOf(path string) route {
	const prefix = "/v1/instances/"
	id, ok := strings.CutPrefix(path, prefix)
	if !ok || id == "refresh" {
		return route{Pattern: path}
	}
	rt := route{Pattern: prefix + "{instanceID}"}
	if id != "" && !strings.Contains(id, "/") {
		rt.InstanceID = id
	}
	return rt
}

// Logging returns a middleware that logs requests. Server errors log at
// WARN and health or scrape traffic at DEBUG.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			rt := routeOf(r.URL.Path)
			level := slog.LevelInfo
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietPaths[r.URL.Path]:
				level = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", rt.Pattern),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if rt.InstanceID != "" {
				attrs = append(attrs, slog.String("instance_id", rt.InstanceID))
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
			}

			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// Tracing returns a middleware that starts a server span per request, named
// after the route so instance lookups share one span name
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		rt := routeOf(r.URL.Path)
		attrs := []attribute.KeyValue{
			semconv.HTTPMethod(r.Method),
			semconv.HTTPRoute(rt.Pattern),
			semconv.UserAgentOriginal(r.UserAgent()),
		}
		if rt.InstanceID != "" {
			attrs = append(attrs, InstanceIDKey.String(rt.InstanceID))
		}
		if q := r.URL.Query(); len(q) > 0 {
			attrs = append(attrs, attribute.String("instances.filter", q.Encode()))
		}

		ctx, span := tracer.Start(ctx, r.Method+" "+rt.Pattern,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		switch {
		case ww.Status() >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		case ww.Status() == http.StatusNotFound && rt.InstanceID != "":
			span.AddEvent("instance not found")
		}
		span.SetAttributes(
			semconv.HTTPStatusCode(ww.Status()),
			semconv.HTTPResponseContentLength(ww.BytesWritten()),
		)
	})
}
