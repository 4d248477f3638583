package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "engagement.track", ContentID("c1"), Metric("shares"), Delta(3))
	Fail(span, nil)
	Fail(span, errors.New("store down"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "engagement.track", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "c1", attrs["content.id"])
	assert.Equal(t, "shares", attrs["engagement.metric"])
	assert.Equal(t, "3", attrs["engagement.delta"])
}

func TestOptionsSampler(t *testing.T) {
	assert.Contains(t, Options{}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Options{SampleRatio: 2}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Options{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
