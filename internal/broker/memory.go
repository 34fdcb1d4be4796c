package broker

import (
	"context"
	"errors"
	"sync"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
	"conductor/pkg/metrics"
	"conductor/pkg/retry"
	"conductor/pkg/tracing"
)

const memoryBufferSize = 256

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker fans every published message out to all in-process subscribers of the
// topic. Messages published to a topic with no subscriber are dropped, like an exchange
// with no bound queue.
type MemoryBroker struct {
	policy retry.Policy
	logger logger.Logger

	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemoryBroker(retryCfg config.RetryConfig, log logger.Logger) *MemoryBroker {
	return &MemoryBroker{
		policy: consumerPolicy(retryCfg),
		logger: log,
		subs:   make(map[string][]chan Message),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg Message) error {
	msg.Headers = tracing.InjectMap(ctx, copyHeaders(msg.Headers))

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		metrics.IncBrokerWrite(constants.BrokerMemory, topic, "error")
		return ErrBrokerClosed
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			metrics.IncBrokerWrite(constants.BrokerMemory, topic, "error")
			return ctx.Err()
		}
	}
	metrics.IncBrokerWrite(constants.BrokerMemory, topic, "success")
	return nil
}

// Subscribers reports how many consumers are attached to topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBroker) subscribe(topic string) chan Message {
	ch := make(chan Message, memoryBufferSize)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) unsubscribe(topic string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Consumer returns a consumer attached to this broker.
func (b *MemoryBroker) Consumer() *MemoryConsumer {
	return &MemoryConsumer{broker: b, serviceName: "unknown"}
}

type MemoryConsumer struct {
	broker      *MemoryBroker
	serviceName string
}

func (c *MemoryConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *MemoryConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	ch := c.broker.subscribe(topic)
	defer c.broker.unsubscribe(topic, ch)

	log := c.broker.logger
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			metrics.IncBrokerRead(constants.BrokerMemory, topic)

			msgCtx, span := tracing.StartSpanFromHeaders(ctx, "memory.consume", msg.Headers)
			msgCtx = messageContext(msgCtx, msg, c.serviceName)
			if err := processWithRetry(msgCtx, c.broker.policy, log, c.serviceName, topic, msg, handler); err != nil {
				log.ErrorwCtx(msgCtx, "Failed to process message after retries, dropping",
					"error", err,
					"topic", topic,
				)
			}
			span.End()
		}
	}
}

func (c *MemoryConsumer) Close() error {
	return nil
}
