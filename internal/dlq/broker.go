package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"conductor/internal/broker"
	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/pkg/logging"
	"conductor/pkg/retry"
)

const (
	headerEntryID   = "X-DLQ-Entry-ID"
	headerEventType = "X-Event-Type"
	headerAttempts  = "X-DLQ-Attempts"
)

// ErrNoRoute means the in-process broker has no consumer on the redrive topic, so a
// publish would be dropped.
var ErrNoRoute = errors.New("no consumer bound to redrive topic")

// subscriberCounter is implemented by transports that know their consumers.
type subscriberCounter interface {
	Subscribers(topic string) int
}

// Router redelivers an entry by publishing its payload to the topic mapped to its
// event type, or to redrive_prefix + event type.
type Router struct {
	producer broker.Producer
	topics   config.TopicsConfig
}

func NewRouter(producer broker.Producer, topics config.TopicsConfig) *Router {
	return &Router{producer: producer, topics: topics}
}

func (r *Router) Topic(eventType string) string {
	if topic, ok := r.topics.ByEventType[eventType]; ok && topic != "" {
		return topic
	}
	return r.topics.RedrivePrefix + eventType
}

func (r *Router) Redeliver(ctx context.Context, e Entry) error {
	headers := map[string]string{
		headerEntryID:   e.ID,
		headerEventType: e.EventType,
		headerAttempts:  strconv.Itoa(e.Attempts),
	}
	if id := e.Metadata["correlation_id"]; id != "" {
		headers[constants.HeaderCorrelationID] = id
	}
	if id := e.Metadata["trace_id"]; id != "" {
		headers[constants.HeaderTraceID] = id
	}

	topic := r.Topic(e.EventType)
	if sc, ok := r.producer.(subscriberCounter); ok && sc.Subscribers(topic) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoute, topic)
	}

	return r.producer.Publish(ctx, topic, broker.Message{
		Key:     e.ID,
		Value:   e.Payload,
		Headers: headers,
	})
}

// StepFailedPublisher emits saga step failures to the broker for the Subscriber.
type StepFailedPublisher struct {
	producer broker.Producer
	topic    string
}

func NewStepFailedPublisher(producer broker.Producer, topic string) *StepFailedPublisher {
	if topic == "" {
		topic = events.TypeSagaStepFailed
	}
	return &StepFailedPublisher{producer: producer, topic: topic}
}

func (p *StepFailedPublisher) StepFailed(ctx context.Context, ev events.StepFailed) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode step failure: %w", err)
	}
	headers := map[string]string{
		constants.HeaderCorrelationID: ev.CorrelationID,
		headerEventType:               events.TypeSagaStepFailed,
	}
	if ev.TraceID != "" {
		headers[constants.HeaderTraceID] = ev.TraceID
	}
	return p.producer.Publish(ctx, p.topic, broker.Message{Key: ev.SagaID, Value: body, Headers: headers})
}

// Subscriber consumes step failures and enqueues them as dead letters.
type Subscriber struct {
	consumer broker.Consumer
	queue    *Queue
	topic    string
	logger   logger.Logger
}

func NewSubscriber(consumer broker.Consumer, queue *Queue, topic string, log logger.Logger) *Subscriber {
	if topic == "" {
		topic = events.TypeSagaStepFailed
	}
	consumer.SetServiceName("conductor-dlq")
	return &Subscriber{consumer: consumer, queue: queue, topic: topic, logger: log}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Infow("DLQ subscriber started", "topic", s.topic)
	return s.consumer.Consume(ctx, s.topic, s.handle)
}

func (s *Subscriber) handle(ctx context.Context, msg broker.Message) error {
	var ev events.StepFailed
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return retry.NewFatalError(fmt.Errorf("malformed step failure: %w", err))
	}
	ctx = logging.WithSagaID(ctx, ev.SagaID)
	return s.queue.StepFailed(ctx, ev)
}
