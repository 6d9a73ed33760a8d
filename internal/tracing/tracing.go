package tracing

import (
	"context"
	"fmt"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Setup describes the tracer provider to install.
type Setup struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address. Empty installs a no-op provider.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Init installs the global tracer provider and propagators and returns a
// shutdown func that flushes buffered spans.
func Init(ctx context.Context, s Setup) (func(context.Context) error, error) {
	if s.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(s)),
		sdktrace.WithSampler(sampler(s.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

func serviceResource(s Setup) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(s.ServiceName)}
	if s.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.ServiceVersion))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// sampler samples everything unless ratio is strictly between 0 and 1.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Board tags a span with the board it works on.
func Board(id model.BoardID) attribute.KeyValue {
	return attribute.Int("pixelboard.board_id", int(id))
}

// Endpoint tags a span with a log-safe endpoint name.
func Endpoint(name string) attribute.KeyValue {
	return attribute.String("pixelboard.endpoint", name)
}
