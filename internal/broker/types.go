package broker

import (
	"context"
)

// Message is the transport-neutral unit carried by every broker.
// Headers carry W3C trace context plus correlation ids.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is done, handing every message on topic to handler.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg Message) error
