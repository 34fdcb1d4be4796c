package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateOrderer(cfg.Orderer); err != nil {
		errors = append(errors, err)
	}

	if err := validateDLQ(cfg.DLQ); err != nil {
		errors = append(errors, err)
	}

	if err := validateSaga(cfg.Saga); err != nil {
		errors = append(errors, err)
	}

	if err := validateReplay(cfg.Replay); err != nil {
		errors = append(errors, err)
	}

	for name, svc := range cfg.Services {
		if svc.BaseURL == "" {
			errors = append(errors, &ValidationError{
				Field:   fmt.Sprintf("services.%s.base_url", name),
				Message: "base URL is required",
			})
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	if err := validateConsumerRetry(cfg.Retry); err != nil {
		return err
	}

	switch cfg.Type {
	case "memory":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "rabbitmq":
		return validateRabbitMQ(cfg.RabbitMQ)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: memory, kafka, rabbitmq)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return nil
}

func validateConsumerRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   "broker.retry.multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "broker.rabbitmq.host",
			Message: "RabbitMQ host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "broker.rabbitmq.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateOrderer(cfg OrdererConfig) error {
	validAlgorithms := map[string]bool{
		"md5": true, "sha256": true, "sha1": true,
	}
	if cfg.HashAlgorithm != "" && !validAlgorithms[strings.ToLower(cfg.HashAlgorithm)] {
		return &ValidationError{
			Field:   "orderer.hash_algorithm",
			Message: fmt.Sprintf("invalid hash algorithm: %s (valid: md5, sha256, sha1)", cfg.HashAlgorithm),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "orderer.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	validOnError := map[string]bool{
		"allow": true, "fail": true,
	}
	if cfg.OnStoreError != "" && !validOnError[strings.ToLower(cfg.OnStoreError)] {
		return &ValidationError{
			Field:   "orderer.on_store_error",
			Message: fmt.Sprintf("invalid on_store_error value: %s (valid: allow, fail)", cfg.OnStoreError),
		}
	}

	return nil
}

func validateStore(field, store string, allowed ...string) error {
	if store == "" {
		return nil
	}
	for _, a := range allowed {
		if strings.EqualFold(store, a) {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("unknown store: %s (supported: %s)", store, strings.Join(allowed, ", ")),
	}
}

func validateDLQ(cfg DLQConfig) error {
	if err := validateStore("dlq.store", cfg.Store, "postgres", "memory"); err != nil {
		return err
	}

	if cfg.TickInterval < 0 || cfg.RedeliveryTimeout < 0 || cfg.StaleClaimTimeout < 0 {
		return &ValidationError{
			Field:   "dlq",
			Message: "intervals and timeouts must be non-negative",
		}
	}

	if cfg.Workers < 0 || cfg.BatchSize < 0 {
		return &ValidationError{
			Field:   "dlq.workers",
			Message: "workers and batch_size must be non-negative",
		}
	}

	return validatePolicy("dlq.default_policy", cfg.DefaultPolicy)
}

func validatePolicy(field string, cfg PolicyConfig) error {
	switch cfg.Type {
	case "", "immediate", "fixed_delay", "linear_backoff", "exponential_backoff":
	default:
		return &ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown retry policy: %s (valid: immediate, fixed_delay, linear_backoff, exponential_backoff)", cfg.Type),
		}
	}

	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return &ValidationError{
			Field:   field,
			Message: "delays must be non-negative",
		}
	}

	if cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		return &ValidationError{
			Field:   field + ".max_delay",
			Message: "max_delay must be greater than or equal to base_delay",
		}
	}

	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	return nil
}

func validateSaga(cfg SagaConfig) error {
	if err := validateStore("saga.store", cfg.Store, "postgres", "memory"); err != nil {
		return err
	}

	if cfg.StepTimeout < 0 {
		return &ValidationError{
			Field:   "saga.step_timeout",
			Message: "step timeout must be non-negative",
		}
	}

	for field, p := range map[string]StepRetry{
		"saga.retry_policy":        cfg.RetryPolicy,
		"saga.compensation_policy": cfg.CompensationPolicy,
	} {
		if p.MaxAttempts < 0 {
			return &ValidationError{Field: field + ".max_attempts", Message: "max_attempts must be non-negative"}
		}
		if p.Multiplier < 0 {
			return &ValidationError{Field: field + ".multiplier", Message: "multiplier must be non-negative"}
		}
	}

	return nil
}

func validateReplay(cfg ReplayConfig) error {
	if err := validateStore("replay.store", cfg.Store, "mongodb", "memory"); err != nil {
		return err
	}

	if cfg.Retention < 0 || cfg.CleanupInterval < 0 {
		return &ValidationError{
			Field:   "replay",
			Message: "retention and cleanup_interval must be non-negative",
		}
	}

	return nil
}
