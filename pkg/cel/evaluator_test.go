package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVars() map[string]interface{} {
	return map[string]interface{}{
		"event_id":        "evt-1",
		"event_type":      "saga.step.completed",
		"source_id":       "saga-orchestrator",
		"correlation_id":  "order-42",
		"sequence_number": int64(12),
		"priority":        "critical",
		"produced_at":     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		"retry_count":     int64(1),
		"trace_id":        "trace-1",
		"payload": map[string]interface{}{
			"status":  "failed",
			"step_id": "step-1",
		},
		"metadata": map[string]string{"saga_id": "abc"},
	}
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "valid comparison", expr: `event_type == "x"`},
		{name: "valid payload access", expr: `payload.status == "failed"`},
		{name: "invalid syntax", expr: `invalid syntax here!!!`, wantError: true},
		{name: "undefined variable", expr: `undefinedVar == "test"`, wantError: true},
		{name: "non bool result", expr: `sequence_number + 1`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExamplesAllMatchSample(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, eval.ValidateFilterExpression(expr))
			_, err := eval.EvaluateFilter(context.Background(), expr, sampleVars())
			assert.NoError(t, err)
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := eval.EvaluateFilter(context.Background(), `priority in ["high", "critical"] && sequence_number >= 10`, sampleVars())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.EvaluateFilter(context.Background(), `metadata["saga_id"] == "other"`, sampleVars())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = eval.EvaluateFilter(context.Background(), `payload.missing == "x"`, sampleVars())
	assert.Error(t, err)
}
