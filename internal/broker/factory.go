package broker

import (
	"fmt"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
)

func NewProducer(cfg config.BrokerConfig, mem *MemoryBroker, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case constants.BrokerKafka:
		return NewKafkaProducer(cfg.Kafka, log), nil
	case constants.BrokerRabbitMQ:
		return NewRabbitMQProducer(cfg.RabbitMQ, log), nil
	case constants.BrokerMemory, "":
		return mem, nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, mem *MemoryBroker, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case constants.BrokerKafka:
		return NewKafkaConsumer(cfg.Kafka, cfg.Retry, log), nil
	case constants.BrokerRabbitMQ:
		return NewRabbitMQConsumer(cfg.RabbitMQ, cfg.Retry, log), nil
	case constants.BrokerMemory, "":
		return mem.Consumer(), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
