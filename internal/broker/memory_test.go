package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/logger"
)

func newTestBroker() *MemoryBroker {
	return NewMemoryBroker(config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}, logger.NopLogger())
}

func startConsumer(t *testing.T, b *MemoryBroker, topic string, handler HandlerFunc) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consumer().Consume(ctx, topic, handler)
	}()
	require.Eventually(t, func() bool { return b.Subscribers(topic) == 1 }, time.Second, time.Millisecond)
	return func() {
		cancel()
		<-done
	}
}

func TestMemoryBroker_DeliversToSubscribers(t *testing.T) {
	b := newTestBroker()
	received := make(chan Message, 1)
	stop := startConsumer(t, b, "saga.events", func(ctx context.Context, msg Message) error {
		received <- msg
		return nil
	})
	defer stop()

	err := b.Publish(context.Background(), "saga.events", Message{
		Key:     "k1",
		Value:   []byte(`{"a":1}`),
		Headers: map[string]string{"X-Correlation-ID": "corr-1"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "k1", msg.Key)
		assert.JSONEq(t, `{"a":1}`, string(msg.Value))
		assert.Equal(t, "corr-1", msg.Headers["X-Correlation-ID"])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBroker_DropsWithoutSubscribers(t *testing.T) {
	b := newTestBroker()
	assert.NoError(t, b.Publish(context.Background(), "nobody", Message{Key: "x"}))
}

func TestMemoryBroker_RetriesFailingHandler(t *testing.T) {
	b := newTestBroker()
	var calls atomic.Int32
	done := make(chan struct{})
	stop := startConsumer(t, b, "t", func(ctx context.Context, msg Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	defer stop()

	require.NoError(t, b.Publish(context.Background(), "t", Message{Key: "x"}))

	select {
	case <-done:
		assert.Equal(t, int32(3), calls.Load())
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded")
	}
}

func TestMemoryBroker_RecoversHandlerPanic(t *testing.T) {
	b := newTestBroker()
	var calls atomic.Int32
	stop := startConsumer(t, b, "t", func(ctx context.Context, msg Message) error {
		calls.Add(1)
		panic("boom")
	})
	defer stop()

	require.NoError(t, b.Publish(context.Background(), "t", Message{Key: "x"}))
	// panics are fatal, so the message is not retried
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestMemoryBroker_PublishAfterClose(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "t", Message{}))
}
