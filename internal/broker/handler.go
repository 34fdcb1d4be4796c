package broker

import (
	"context"
	"time"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
	"conductor/pkg/errors"
	"conductor/pkg/logging"
	"conductor/pkg/metrics"
	"conductor/pkg/retry"
)

func consumerPolicy(cfg config.RetryConfig) retry.Policy {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}

	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return policy
}

// messageContext restores trace and correlation context carried in headers.
func messageContext(ctx context.Context, msg Message, serviceName string) context.Context {
	if id := msg.Headers[constants.HeaderCorrelationID]; id != "" {
		ctx = logging.WithCorrelationID(ctx, id)
	}
	if id := msg.Headers[constants.HeaderTraceID]; id != "" {
		ctx = logging.WithTraceID(ctx, id)
	}
	return logging.WithServiceName(ctx, serviceName)
}

func processWithRetry(ctx context.Context, policy retry.Policy, log logger.Logger, serviceName, topic string, msg Message, handler HandlerFunc) error {
	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				log.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(serviceName, topic).Inc()
		log.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
