package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
	"conductor/pkg/metrics"
	"conductor/pkg/retry"
	"conductor/pkg/tracing"
)

const (
	deliveryModePersistent = 2
	rabbitReconnectDelay   = 2 * time.Second
)

func rabbitURL(cfg config.RabbitMQConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port)
}

func exchangeName(cfg config.RabbitMQConfig) string {
	if cfg.Exchange == "" {
		return "conductor"
	}
	return cfg.Exchange
}

// dialExchange opens a connection and a channel and declares the topic exchange.
func dialExchange(cfg config.RabbitMQConfig) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rabbitURL(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName(cfg), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return conn, ch, nil
}

// RabbitMQProducer publishes to a durable topic exchange with the topic as routing key.
// The connection is opened lazily and re-opened after a failed publish.
type RabbitMQProducer struct {
	cfg    config.RabbitMQConfig
	logger logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitMQProducer(cfg config.RabbitMQConfig, log logger.Logger) *RabbitMQProducer {
	return &RabbitMQProducer{cfg: cfg, logger: log}
}

func (p *RabbitMQProducer) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	conn, ch, err := dialExchange(p.cfg)
	if err != nil {
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *RabbitMQProducer) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func (p *RabbitMQProducer) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	headers := tracing.InjectMap(ctx, copyHeaders(msg.Headers))
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err == nil {
		err = ch.Publish(exchangeName(p.cfg), topic, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryModePersistent,
			MessageId:    msg.Key,
			Timestamp:    time.Now(),
			Headers:      table,
			Body:         msg.Value,
		})
	}
	metrics.ObserveBrokerWriteDuration(constants.BrokerRabbitMQ, topic, time.Since(start))

	if err != nil {
		p.reset()
		metrics.IncBrokerWrite(constants.BrokerRabbitMQ, topic, "error")
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}

	metrics.IncBrokerWrite(constants.BrokerRabbitMQ, topic, "success")
	return nil
}

func (p *RabbitMQProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

type RabbitMQConsumer struct {
	cfg         config.RabbitMQConfig
	policy      retry.Policy
	logger      logger.Logger
	serviceName string

	mu    sync.Mutex
	conns []*amqp.Connection
	wg    sync.WaitGroup
}

func NewRabbitMQConsumer(cfg config.RabbitMQConfig, retryCfg config.RetryConfig, log logger.Logger) *RabbitMQConsumer {
	return &RabbitMQConsumer{
		cfg:         cfg,
		policy:      consumerPolicy(retryCfg),
		logger:      log,
		serviceName: "unknown",
	}
}

func (c *RabbitMQConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume binds a durable queue named after the exchange, topic and service, so replicas
// of one service share the work.
func (c *RabbitMQConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.wg.Add(1)
	defer c.wg.Done()

	queue := fmt.Sprintf("%s.%s.%s", exchangeName(c.cfg), topic, c.serviceName)
	for {
		err := c.consumeOnce(ctx, queue, topic, handler)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Errorw("RabbitMQ consumer interrupted, reconnecting",
			"error", err,
			"queue", queue,
			"delay", rabbitReconnectDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rabbitReconnectDelay):
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue, topic string, handler HandlerFunc) error {
	conn, ch, err := dialExchange(c.cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	defer conn.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, exchangeName(c.cfg), false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, c.serviceName, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	c.logger.Infow("Started consuming",
		"topic", topic,
		"queue", queue,
		"service_name", c.serviceName,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, topic, d, handler)
		}
	}
}

func (c *RabbitMQConsumer) handle(ctx context.Context, topic string, d amqp.Delivery, handler HandlerFunc) {
	metrics.IncBrokerRead(constants.BrokerRabbitMQ, topic)

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	msg := Message{Key: d.MessageId, Value: d.Body, Headers: headers}

	msgCtx, span := tracing.StartSpanFromHeaders(ctx, "rabbitmq.consume", headers)
	defer span.End()
	msgCtx = messageContext(msgCtx, msg, c.serviceName)

	if err := processWithRetry(msgCtx, c.policy, c.logger, c.serviceName, topic, msg, handler); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries, acknowledging to avoid blocking",
			"error", err,
			"topic", topic,
		)
	}
	if err := d.Ack(false); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to ack message",
			"error", err,
			"topic", topic,
		)
	}
}

func (c *RabbitMQConsumer) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, conn := range conns {
		if !conn.IsClosed() {
			_ = conn.Close()
		}
	}
	c.wg.Wait()
	return nil
}
