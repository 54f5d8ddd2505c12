package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options configures tracing.
type Options struct {
	ServiceName string
	// Writer receives exported spans; defaults to stdout.
	Writer      io.Writer
	PrettyPrint bool
}

// InitTracer installs a global tracer provider exporting spans as JSON. The
// returned function flushes and stops it.
func InitTracer(opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exportOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if opts.PrettyPrint {
		exportOpts = append(exportOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exportOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
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

	logger.Info("OpenTelemetry initialized", slog.String("service", opts.ServiceName))

	return tp.Shutdown, nil
}
