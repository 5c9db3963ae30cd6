// Package tracing installs the OpenTelemetry SDK tracer provider used by the
// gateway's spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"mcp_gateway/backend/go/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

func noop(context.Context) error { return nil }

// Init builds the exporter named in cfg and registers a provider for it as
// the global tracer provider. The "none" exporter leaves the global no-op
// provider in place.
//
// Spans never go to stdout: the stdio transport owns it.
func Init(cfg config.TracingConfig, serviceName, serviceVersion string) (ShutdownFunc, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stderr":
		w = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output '%s': %w", cfg.Output, err)
		}
		w, closer = f, f
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %q", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp, err := NewProvider(exporter, serviceName, serviceVersion, cfg.SampleRatio)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// NewProvider creates a batching provider around exporter. A ratio outside
// (0, 1) samples every trace.
func NewProvider(exporter sdktrace.SpanExporter, serviceName, serviceVersion string, ratio float64) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if ratio > 0 && ratio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}
