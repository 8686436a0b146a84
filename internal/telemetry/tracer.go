package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Options configures tracing.
type Options struct {
	Enabled     bool
	ServiceName string
	PrettyPrint bool
	// Writer receives exported spans; nil means stdout.
	Writer io.Writer
}

// InitTracer installs a global tracer provider exporting spans to stdout.
// When tracing is disabled it leaves the no-op global provider in place.
func InitTracer(options Options, logger *zap.Logger) (ShutdownFunc, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	writer := options.Writer
	if writer == nil {
		writer = os.Stdout
	}
	exporterOptions := []stdouttrace.Option{stdouttrace.WithWriter(writer)}
	if options.PrettyPrint {
		exporterOptions = append(exporterOptions, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOptions...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(options.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	if logger != nil {
		logger.Info("telemetry: tracing initialized", zap.String("service", options.ServiceName))
	}
	return tp.Shutdown, nil
}
