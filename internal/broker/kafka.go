package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
	"conductor/pkg/metrics"
	"conductor/pkg/retry"
	"conductor/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// Publish keys the message so that all messages of one key land on one partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg Message) error {
	start := time.Now()

	headers := toKafkaHeaders(msg.Headers)
	headers = tracing.InjectTraceContext(ctx, headers)

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(msg.Key),
			Value:   msg.Value,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	metrics.ObserveBrokerWriteDuration(constants.BrokerKafka, topic, time.Since(start))

	if err != nil {
		metrics.IncBrokerWrite(constants.BrokerKafka, topic, "error")
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncBrokerWrite(constants.BrokerKafka, topic, "success")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	policy      retry.Policy
	wg          sync.WaitGroup
	mu          sync.Mutex
	readers     []*kafka.Reader
	logger      logger.Logger
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, retryCfg config.RetryConfig, log logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:         cfg,
		policy:      consumerPolicy(retryCfg),
		logger:      log,
		serviceName: "unknown",
	}
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  constants.KafkaReadTimeout,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx, reader, topic, handler)
	}()

	<-ctx.Done()
	return nil
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, reader *kafka.Reader, topic string, handler HandlerFunc) {
	loopCtx := messageContext(ctx, Message{}, c.serviceName)
	c.logger.InfowCtx(loopCtx, "Started consuming",
		"topic", topic,
	)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(loopCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return
			}
			c.logger.ErrorwCtx(loopCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		metrics.IncBrokerRead(constants.BrokerKafka, topic)

		msg := Message{Key: string(m.Key), Value: m.Value, Headers: fromKafkaHeaders(m.Headers)}
		msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m)
		msgCtx = messageContext(msgCtx, msg, c.serviceName)

		if err := processWithRetry(msgCtx, c.policy, c.logger, c.serviceName, topic, msg, handler); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries, committing to avoid blocking",
				"error", err,
				"topic", topic,
				"partition", m.Partition,
				"offset", m.Offset,
			)
		}
		span.End()

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
				"error", err,
				"topic", topic,
			)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var err error
	for _, r := range readers {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
