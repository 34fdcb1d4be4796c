package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/config"
)

func TestInitDisabledInstallsPropagator(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "conductor-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	headers := InjectMap(ctx, nil)
	assert.Contains(t, headers, traceParentHeader)

	extracted := trace.SpanContextFromContext(ExtractMap(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
}

func TestKafkaHeadersRoundTrip(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "conductor-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "x", Value: []byte("y")}})
	require.Len(t, headers, 2)

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
}

func TestInjectHTTP(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "conductor-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	header := http.Header{}
	InjectHTTP(ctx, header)
	assert.NotEmpty(t, header.Get(traceParentHeader))
}

func TestCreateSampler(t *testing.T) {
	assert.NotNil(t, createSampler(config.SamplerConfig{Type: "traceidratio", Param: 0.5}))
	assert.NotNil(t, createSampler(config.SamplerConfig{}))
}

func TestComponentSampler(t *testing.T) {
	params := func(component string) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{1},
			Name:          component + ".op",
			Attributes:    []attribute.KeyValue{ComponentKey.String(component)},
		}
	}

	tests := []struct {
		name      string
		cfg       config.SamplerConfig
		component string
		want      sdktrace.SamplingDecision
	}{
		{"saga kept when sampling is off", config.SamplerConfig{Type: "always_off"}, "saga-orchestrator", sdktrace.RecordAndSample},
		{"dlq kept when sampling is off", config.SamplerConfig{Type: "always_off"}, "dlq", sdktrace.RecordAndSample},
		{"other component follows base", config.SamplerConfig{Type: "always_off"}, "replay", sdktrace.Drop},
		{"explicit empty list disables override", config.SamplerConfig{Type: "always_off", AlwaysSample: []string{}}, "dlq", sdktrace.Drop},
		{"custom list", config.SamplerConfig{Type: "always_off", AlwaysSample: []string{"replay"}}, "replay", sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newComponentSampler(tt.cfg).ShouldSample(params(tt.component))
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestStartSpanFromKafkaMessage(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "conductor-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, parent := tp.Tracer("test").Start(context.Background(), "publish")
	defer parent.End()

	msg := kafka.Message{Topic: "saga.step.failed", Key: []byte("saga-1"), Headers: InjectTraceContext(ctx, nil)}
	consumeCtx, span := StartSpanFromKafkaMessage(context.Background(), "kafka.consume", msg)
	defer span.End()

	assert.Equal(t, parent.SpanContext().TraceID(), trace.SpanContextFromContext(consumeCtx).TraceID())
}
