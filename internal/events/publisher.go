package events

import (
	"context"
	"encoding/json"
	"fmt"

	"conductor/internal/broker"
	"conductor/internal/constants"
	"conductor/internal/logger"
)

// Sequencer is satisfied by Orderer.
type Sequencer interface {
	Next(ctx context.Context, req NextRequest) (Result, error)
}

// Publisher sequences events and fans accepted envelopes out to a broker topic.
// Duplicates are never published. A publish failure is logged and does not undo the
// sequenced envelope, which is already in the replay store.
type Publisher struct {
	sequencer Sequencer
	producer  broker.Producer
	topic     string
	logger    logger.Logger
}

func NewPublisher(sequencer Sequencer, producer broker.Producer, topic string, log logger.Logger) *Publisher {
	return &Publisher{sequencer: sequencer, producer: producer, topic: topic, logger: log}
}

func (p *Publisher) Next(ctx context.Context, req NextRequest) (Result, error) {
	res, err := p.sequencer.Next(ctx, req)
	if err != nil || res.Duplicate || res.Envelope == nil {
		return res, err
	}

	if err := p.publish(ctx, *res.Envelope); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to publish event",
			"topic", p.topic,
			"event_id", res.Envelope.EventID,
			"event_type", res.Envelope.EventType,
			"error", err,
		)
	}
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	headers := map[string]string{
		constants.HeaderCorrelationID: env.CorrelationID,
		"X-Event-Type":                env.EventType,
	}
	if env.TraceID != "" {
		headers[constants.HeaderTraceID] = env.TraceID
	}

	return p.producer.Publish(ctx, p.topic, broker.Message{
		Key:     env.SourceID,
		Value:   body,
		Headers: headers,
	})
}
