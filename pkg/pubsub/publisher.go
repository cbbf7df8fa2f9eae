package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Meta 消息元信息
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	AgentID       string    `json:"agentId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Envelope 发往消息总线的统一封装
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope routing key 即事件类型
func NewEnvelope(eventType, agentID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       eventType,
			Source:     "lingdesk",
			AgentID:    agentID,
			OccurredAt: time.Now().UTC(),
		},
		Data: data,
	}
}

// Publisher CRM 同步事件发布
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// ErrNotConfigured AMQP_URL 为空
var ErrNotConfigured = errors.New("pubsub: broker not configured")

type rmqPublisher struct {
	conn     *amqp.Connection
	exchange string
}

// New 连接 broker 并声明 topic exchange
func New(ctx context.Context, url, exchange string) (Publisher, error) {
	if url == "" {
		return nil, ErrNotConfigured
	}
	conn, err := DialWithRetry(ctx, ConnectionOptions{URL: url, RetryAttempts: 5, Delay: time.Second})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &rmqPublisher{conn: conn, exchange: exchange}, nil
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msg.Meta.CorrelationID
	if cid == "" {
		cid = msgID
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", key)
	}
	logger.Debug("published", zap.String("key", key), zap.String("exchange", r.exchange))
	return nil
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}

// NoopPublisher 未配置 broker 时使用
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (NoopPublisher) Close() error                                    { return nil }
