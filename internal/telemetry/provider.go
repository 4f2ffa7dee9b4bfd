package telemetry

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Setup wires tracing, metrics and runtime instrumentation for one service.
type Setup struct {
	MetricsHandler http.Handler
	Metrics        *Metrics
	shutdowns      []func(context.Context) error
}

func Init(ctx context.Context, serviceName, serviceVersion, otlpEndpoint string) (*Setup, error) {
	s := &Setup{}

	shutdownTracer, err := InitTracerProvider(ctx, serviceName, serviceVersion, otlpEndpoint)
	if err != nil {
		return nil, err
	}
	s.shutdowns = append(s.shutdowns, shutdownTracer)

	handler, shutdownMeter, err := InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		_ = s.Shutdown(ctx)
		return nil, err
	}
	s.MetricsHandler = handler
	s.shutdowns = append(s.shutdowns, shutdownMeter)

	if err := runtime.Start(); err != nil {
		_ = s.Shutdown(ctx)
		return nil, err
	}

	s.Metrics, err = NewMetrics(otel.Meter(serviceName))
	if err != nil {
		_ = s.Shutdown(ctx)
		return nil, err
	}

	return s, nil
}

func (s *Setup) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, s.shutdowns[i](ctx))
	}
	return errors.Join(errs...)
}

func InitTracerProvider(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(newResource(serviceName, serviceVersion)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// WithHTTPRoute tags the active span with the matched ServeMux pattern,
// which otelhttp cannot see because routing happens after it.
func WithHTTPRoute(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Pattern != "" {
			span := oteltrace.SpanFromContext(r.Context())
			span.SetAttributes(semconv.HTTPRoute(r.Pattern))
		}
		h(w, r)
	}
}
