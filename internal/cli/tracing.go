package cli

import (
	"context"
	"io"

	glog "github.com/goliatone/go-logger/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "github.com/goliatone/go-automation"

// InitTracer installs a stdout span exporter as the global tracer provider.
// Spans go to w so they never mix with command output.
func InitTracer(serviceName string, w io.Writer, logger glog.Logger) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attribute.String("service.name", serviceName)),
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
		logger.Debug("tracing initialized", "service", serviceName)
	}
	return tp.Shutdown, nil
}

func noopShutdown(context.Context) error { return nil }
