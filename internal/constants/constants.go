package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaReadTimeout  = 500 * time.Millisecond
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixDedup    = "conductor:dedup:"
	CacheKeyPrefixSequence = "conductor:seq:"
)

const (
	DefaultMongoDBName       = "conductor"
	EventsCollection         = "events"
	DefaultPostgresDLQTable  = "dlq_entries"
	DefaultPostgresSagaTable = "saga_instances"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultTTLSeconds = 300
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	FallbackAllow = "allow"
	FallbackFail  = "fail"
)

const (
	BrokerMemory   = "memory"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderTraceID       = "X-Trace-ID"
	HeaderRequestID     = "X-Request-ID"
)
