package cel

// FilterExpressionExamples are replay filters accepted by the events API.
var FilterExpressionExamples = map[string]string{
	"by_type":             `event_type == "saga.step.completed"`,
	"by_source":           `source_id == "saga-orchestrator"`,
	"high_priority":       `priority in ["high", "critical"]`,
	"sequence_window":     `sequence_number >= 10 && sequence_number < 20`,
	"payload_field":       `payload.status == "failed"`,
	"has_payload_field":   `has(payload.step_id) && payload.step_id != ""`,
	"metadata_lookup":     `"saga_id" in metadata && metadata["saga_id"] == "abc"`,
	"retried":             `retry_count > 0`,
	"recent":              `produced_at > timestamp("2026-01-01T00:00:00Z")`,
	"prefix_match":        `event_type.startsWith("saga.")`,
	"combined_conditions": `event_type.startsWith("saga.") && priority == "critical"`,
	"type_or_correlation": `event_type == "saga.failed" || correlation_id == "order-42"`,
}
