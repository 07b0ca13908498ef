package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Dial connects to cfg.URL, retrying with exponential backoff until
// cfg.DialTimeout elapses or ctx is done. A zero DialTimeout retries until
// ctx is done.
func Dial(ctx context.Context, cfg *Config, log *zap.Logger) (*amqp.Connection, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = 100 * time.Millisecond
	backoffConfig.MaxInterval = 5 * time.Second
	backoffConfig.MaxElapsedTime = cfg.DialTimeout

	var conn *amqp.Connection
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempt++
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			log.Warn("dial attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	log.Info("connected to rabbitmq", zap.Int("attempts", attempt))
	return conn, nil
}
