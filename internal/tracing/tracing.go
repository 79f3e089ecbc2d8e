package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds tracing settings
type Config struct {
	Enabled     bool   `toml:"enabled" env:"RUNBOARD_TRACING_ENABLED"`
	Endpoint    string `toml:"endpoint" env:"RUNBOARD_TRACING_ENDPOINT"`
	ServiceName string `toml:"service_name"`
}

// Setup installs a global tracer provider exporting over OTLP/HTTP.
//
// Tracing is opt-in: when disabled or without an endpoint, Setup returns a
// no-op shutdown function and leaves the global provider untouched. The
// returned shutdown function flushes pending spans and should be deferred.
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if !config.Enabled || config.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(config.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "runboard"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
