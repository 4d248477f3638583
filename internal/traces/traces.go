// Package traces provides OpenTelemetry distributed tracing for the engine.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/viralloop"

// Options configures the exporter. An empty Endpoint disables export.
type Options struct {
	Endpoint       string
	ServiceVersion string
	Environment    string
	// SampleRatio is the fraction of root spans kept; zero or anything
	// outside (0,1] keeps all of them.
	SampleRatio float64
}

func (o Options) sampler() sdktrace.Sampler {
	if o.SampleRatio <= 0 || o.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
}

// Init installs the global tracer provider and W3C propagator and returns
// the flush function to call on shutdown.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("viralloop"),
		semconv.ServiceVersion(opts.ServiceVersion),
		attribute.String("deployment.environment", opts.Environment),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name on the viralloop tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail marks the span as failed with err. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func ContentID(id string) attribute.KeyValue {
	return attribute.String("content.id", id)
}

func VariantID(id string) attribute.KeyValue {
	return attribute.String("variant.id", id)
}

func Metric(m string) attribute.KeyValue {
	return attribute.String("engagement.metric", m)
}

func Delta(d int64) attribute.KeyValue {
	return attribute.Int64("engagement.delta", d)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("engagement.outcome", o)
}

func FraudScore(s float64) attribute.KeyValue {
	return attribute.Float64("fraud.score", s)
}

func Strategy(s string) attribute.KeyValue {
	return attribute.String("suggestion.strategy", s)
}

func ReferralID(id string) attribute.KeyValue {
	return attribute.String("referral.id", id)
}
