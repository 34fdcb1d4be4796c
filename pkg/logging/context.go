package logging

import (
	"context"
)

const (
	TraceIDKey       = "trace_id"
	SpanIDKey        = "span_id"
	CorrelationIDKey = "correlation_id"
	SagaIDKey        = "saga_id"
	ServiceNameKey   = "service_name"
)

type contextKey string

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey(TraceIDKey), traceID)
}

func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, contextKey(SpanIDKey), spanID)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKey(CorrelationIDKey), correlationID)
}

func WithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, contextKey(SagaIDKey), sagaID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, contextKey(ServiceNameKey), serviceName)
}

func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

func GetSpanID(ctx context.Context) string {
	return getString(ctx, SpanIDKey)
}

func GetCorrelationID(ctx context.Context) string {
	return getString(ctx, CorrelationIDKey)
}

func GetSagaID(ctx context.Context) string {
	return getString(ctx, SagaIDKey)
}

func GetServiceName(ctx context.Context) string {
	return getString(ctx, ServiceNameKey)
}

func getString(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey(key)).(string); ok {
		return v
	}
	return ""
}

// GetLogFields returns the correlation fields carried by ctx as zap key/value pairs.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []string{TraceIDKey, SpanIDKey, CorrelationIDKey, SagaIDKey, ServiceNameKey} {
		if v := getString(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
