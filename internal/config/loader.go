package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 10*time.Second)

	viper.SetDefault("broker.type", "memory")
	viper.SetDefault("broker.kafka.group_id", "conductor")
	viper.SetDefault("broker.retry.max_attempts", 3)
	viper.SetDefault("broker.retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("broker.retry.max_interval", 5*time.Second)
	viper.SetDefault("broker.retry.multiplier", 2.0)
	viper.SetDefault("broker.rabbitmq.port", 5672)
	viper.SetDefault("broker.rabbitmq.exchange", "conductor")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("orderer.hash_algorithm", "sha256")
	viper.SetDefault("orderer.ttl_seconds", 300)
	viper.SetDefault("orderer.on_store_error", "fail")

	viper.SetDefault("dlq.store", "postgres")
	viper.SetDefault("dlq.tick_interval", 5*time.Second)
	viper.SetDefault("dlq.batch_size", 100)
	viper.SetDefault("dlq.workers", 8)
	viper.SetDefault("dlq.redelivery_timeout", 30*time.Second)
	viper.SetDefault("dlq.stale_claim_timeout", 5*time.Minute)
	viper.SetDefault("dlq.default_policy.type", "exponential_backoff")
	viper.SetDefault("dlq.default_policy.base_delay", time.Second)
	viper.SetDefault("dlq.default_policy.max_delay", 60*time.Second)
	viper.SetDefault("dlq.default_policy.max_attempts", 5)
	viper.SetDefault("dlq.topics.step_failed", "saga.step.failed")
	viper.SetDefault("dlq.topics.saga_events", "saga.events")
	viper.SetDefault("dlq.topics.redrive_prefix", "redrive.")

	viper.SetDefault("saga.store", "postgres")
	viper.SetDefault("saga.step_timeout", 30*time.Second)
	viper.SetDefault("saga.retry_policy.max_attempts", 3)
	viper.SetDefault("saga.retry_policy.initial_interval", 200*time.Millisecond)
	viper.SetDefault("saga.retry_policy.max_interval", 5*time.Second)
	viper.SetDefault("saga.retry_policy.multiplier", 2.0)
	viper.SetDefault("saga.compensation_policy.max_attempts", 5)
	viper.SetDefault("saga.compensation_policy.initial_interval", 500*time.Millisecond)
	viper.SetDefault("saga.compensation_policy.max_interval", 10*time.Second)
	viper.SetDefault("saga.compensation_policy.multiplier", 2.0)
	viper.SetDefault("saga.shutdown_timeout", 30*time.Second)

	viper.SetDefault("replay.store", "mongodb")
	viper.SetDefault("replay.retention", 168*time.Hour)
	viper.SetDefault("replay.cleanup_interval", time.Hour)
	viper.SetDefault("replay.max_limit", 1000)

	viper.SetDefault("tracer.max_traces", 10000)

	viper.SetDefault("circuitbreaker.max_requests", 3)
	viper.SetDefault("circuitbreaker.interval", 60*time.Second)
	viper.SetDefault("circuitbreaker.timeout", 30*time.Second)
	viper.SetDefault("circuitbreaker.failure_ratio", 0.5)
	viper.SetDefault("circuitbreaker.min_requests", 5)
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.rabbitmq.host", "BROKER_RABBITMQ_HOST")
	viper.BindEnv("broker.rabbitmq.port", "BROKER_RABBITMQ_PORT")
	viper.BindEnv("broker.rabbitmq.user", "BROKER_RABBITMQ_USER")
	viper.BindEnv("broker.rabbitmq.password", "BROKER_RABBITMQ_PASSWORD")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
