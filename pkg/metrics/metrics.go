package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdererEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderer_events_total",
			Help: "Total number of events submitted to the event orderer (count)",
		},
		[]string{"status"},
	)

	OrdererDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orderer_duration_ms",
			Help:    "Time spent sequencing and persisting an event in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total number of entries enqueued to the dead letter queue (count)",
		},
		[]string{"event_type", "policy"},
	)

	DLQRedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_redeliveries_total",
			Help: "Total number of redelivery attempts by outcome (count)",
		},
		[]string{"trigger", "result"},
	)

	DLQEntriesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_entries",
			Help: "Current number of dead letter entries by status (count)",
		},
		[]string{"status"},
	)

	DLQTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dlq_tick_duration_ms",
			Help:    "Duration of one retry scheduler tick in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_total",
			Help: "Total number of sagas that reached a terminal status (count)",
		},
		[]string{"status"},
	)

	SagasRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagas_running",
			Help: "Number of sagas currently executing in this process (count)",
		},
	)

	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_ms",
			Help:    "Duration of saga step invocations including local retries in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"service", "action", "phase", "result"},
	)

	SagaStepAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_attempts_total",
			Help: "Total number of saga step invocation attempts (count)",
		},
		[]string{"service", "phase", "result"},
	)

	ReplayEventsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_events_persisted_total",
			Help: "Total number of events persisted to the replay store (count)",
		},
		[]string{"event_type"},
	)

	ReplayQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_queries_total",
			Help: "Total number of replay queries (count)",
		},
		[]string{"status"},
	)

	ReplayEventsPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_events_purged_total",
			Help: "Total number of events removed from the replay store (count)",
		},
		[]string{"reason"},
	)

	TracerSpansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracer_spans_total",
			Help: "Total number of spans started (count)",
		},
		[]string{"service"},
	)

	TracerActiveSpans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracer_active_spans",
			Help: "Number of spans currently open (count)",
		},
	)

	TracerSpanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracer_span_duration_ms",
			Help:    "Duration of closed spans in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"service", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of messages written to the broker (count)",
		},
		[]string{"broker", "topic", "status"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the broker (count)",
		},
		[]string{"broker", "topic"},
	)

	BrokerWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_write_duration_ms",
			Help:    "Duration of writing messages to the broker in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"broker", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"store", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"store", "operation"},
	)
)

var registerOnce sync.Once

// RegisterAll registers every collector with the default registry. Safe to call more than once.
func RegisterAll() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OrdererEventsTotal,
			OrdererDuration,
			DLQEntriesTotal,
			DLQRedeliveriesTotal,
			DLQEntriesByStatus,
			DLQTickDuration,
			SagasTotal,
			SagasRunning,
			SagaStepDuration,
			SagaStepAttemptsTotal,
			ReplayEventsPersistedTotal,
			ReplayQueriesTotal,
			ReplayEventsPurgedTotal,
			TracerSpansTotal,
			TracerActiveSpans,
			TracerSpanDuration,
			RetryAttemptsTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			FallbackUsageTotal,
			BrokerMessagesWrittenTotal,
			BrokerMessagesReadTotal,
			BrokerWriteDuration,
			DatabaseQueriesTotal,
			DatabaseQueryDuration,
		)
	})
}

func ObserveOrdererDuration(duration time.Duration, status string) {
	OrdererDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func ObserveSagaStep(service, action, phase, result string, duration time.Duration) {
	SagaStepDuration.WithLabelValues(service, action, phase, result).Observe(float64(duration.Milliseconds()))
}

func ObserveTickDuration(duration time.Duration) {
	DLQTickDuration.Observe(float64(duration.Milliseconds()))
}

func ObserveSpanDuration(service, status string, duration time.Duration) {
	TracerSpanDuration.WithLabelValues(service, status).Observe(float64(duration.Milliseconds()))
}

func SetDLQEntries(status string, count int) {
	DLQEntriesByStatus.WithLabelValues(status).Set(float64(count))
}

func IncBrokerWrite(broker, topic, status string) {
	BrokerMessagesWrittenTotal.WithLabelValues(broker, topic, status).Inc()
}

func IncBrokerRead(broker, topic string) {
	BrokerMessagesReadTotal.WithLabelValues(broker, topic).Inc()
}

func ObserveBrokerWriteDuration(broker, topic string, duration time.Duration) {
	BrokerWriteDuration.WithLabelValues(broker, topic).Observe(float64(duration.Milliseconds()))
}

// ObserveQuery records the outcome and latency of one repository call.
func ObserveQuery(store, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(store, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(store, operation).Observe(float64(time.Since(start).Milliseconds()))
}
