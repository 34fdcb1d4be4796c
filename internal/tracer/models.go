package tracer

import (
	"time"
)

type SpanStatus string

const (
	StatusUnset SpanStatus = "unset"
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type Span struct {
	SpanID        string            `json:"span_id"`
	TraceID       string            `json:"trace_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	ServiceName   string            `json:"service_name"`
	OperationName string            `json:"operation_name"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Logs          []LogEntry        `json:"logs,omitempty"`
	Status        SpanStatus        `json:"status"`
	// OpenChildrenAtEnd is set when the span was closed while a child was still open.
	OpenChildrenAtEnd bool `json:"open_children_at_end,omitempty"`
}

func (s *Span) Closed() bool {
	return s.EndTime != nil
}

func (s *Span) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *Span) clone() Span {
	c := *s
	if s.Tags != nil {
		c.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			c.Tags[k] = v
		}
	}
	if s.Logs != nil {
		c.Logs = append([]LogEntry(nil), s.Logs...)
	}
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// StartOptions describes a new span. Without TraceID and ParentSpanID the span nests
// under the span carried by the context, or starts a new trace.
type StartOptions struct {
	TraceID       string            `json:"trace_id,omitempty"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	ServiceName   string            `json:"service_name"`
	OperationName string            `json:"operation_name"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type TraceSummary struct {
	TraceID       string     `json:"trace_id"`
	RootService   string     `json:"root_service,omitempty"`
	RootOperation string     `json:"root_operation,omitempty"`
	SpanCount     int        `json:"span_count"`
	ClosedSpans   int        `json:"closed_spans"`
	ErrorCount    int        `json:"error_count"`
	Services      []string   `json:"services"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	// Completeness is the fraction of spans in the trace that are closed.
	Completeness float64 `json:"completeness"`
}

type ServiceStats struct {
	ServiceName   string         `json:"service_name"`
	SpanCount     int            `json:"span_count"`
	ClosedSpans   int            `json:"closed_spans"`
	ErrorCount    int            `json:"error_count"`
	ErrorRate     float64        `json:"error_rate"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	MaxDurationMs int64          `json:"max_duration_ms"`
	Operations    map[string]int `json:"operations"`
}

type Stats struct {
	Traces      int      `json:"traces"`
	Spans       int      `json:"spans"`
	ActiveSpans int      `json:"active_spans"`
	Services    []string `json:"services"`
	MaxTraces   int      `json:"max_traces"`
}
