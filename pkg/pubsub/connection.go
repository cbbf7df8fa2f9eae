package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConnectionOptions 连接参数
type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
}

// MaxDelay 单次重连等待上限
const MaxDelay = 60 * time.Second

var dial = amqp.Dial

// DialWithRetry 指数退避重连，ctx 取消时立即返回
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	sleep := opts.Delay
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("rabbitmq connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.RetryAttempts {
			break
		}

		logger.Warn("rabbitmq dial failed",
			zap.Int("attempt", i),
			zap.Duration("sleep", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		sleep *= 2
		if sleep > MaxDelay {
			sleep = MaxDelay
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", opts.RetryAttempts, lastErr)
}
