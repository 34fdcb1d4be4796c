package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Orderer        OrdererConfig
	DLQ            DLQConfig
	Saga           SagaConfig
	Replay         ReplayConfig
	Tracer         TracerConfig
	Services       map[string]ServiceConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int             `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration   `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration   `mapstructure:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// BrokerConfig selects the transport for saga domain events and DLQ redrive.
// Type "memory" keeps everything in process.
type BrokerConfig struct {
	Type     string         `mapstructure:"type"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Retry    RetryConfig    `mapstructure:"retry"` // consumer-side handler retries
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Exchange string `mapstructure:"exchange"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OrdererConfig struct {
	HashAlgorithm string `mapstructure:"hash_algorithm"`
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
	OnStoreError  string `mapstructure:"on_store_error"` // "fail" (default) or "allow"
}

// PolicyConfig describes one DLQ retry policy.
type PolicyConfig struct {
	Type        string        `mapstructure:"type"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type DLQConfig struct {
	Store             string        `mapstructure:"store"` // "postgres" or "memory"
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	Workers           int           `mapstructure:"workers"`
	RedeliveryTimeout time.Duration `mapstructure:"redelivery_timeout"`
	StaleClaimTimeout time.Duration `mapstructure:"stale_claim_timeout"`
	DefaultPolicy     PolicyConfig  `mapstructure:"default_policy"`
	Topics            TopicsConfig  `mapstructure:"topics"`
}

type TopicsConfig struct {
	StepFailed    string            `mapstructure:"step_failed"`
	SagaEvents    string            `mapstructure:"saga_events"`
	RedrivePrefix string            `mapstructure:"redrive_prefix"`
	ByEventType   map[string]string `mapstructure:"by_event_type"`
}

type SagaConfig struct {
	Store              string        `mapstructure:"store"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	RetryPolicy        StepRetry     `mapstructure:"retry_policy"`
	CompensationPolicy StepRetry     `mapstructure:"compensation_policy"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// StepRetry bounds local retries of a saga step action or compensation.
type StepRetry struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type ReplayConfig struct {
	Store           string        `mapstructure:"store"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxLimit        int           `mapstructure:"max_limit"`
}

type TracerConfig struct {
	MaxTraces int `mapstructure:"max_traces"`
}

// ServiceConfig is an external collaborator reachable over HTTP.
type ServiceConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	Actions map[string]string `mapstructure:"actions"` // action name -> path
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
	// AlwaysSample names components whose spans bypass the sampler. Nil means saga and dlq.
	AlwaysSample []string `mapstructure:"always_sample"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
