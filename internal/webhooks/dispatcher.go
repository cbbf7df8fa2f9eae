package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/pubsub"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	HeaderEvent     = "X-LingDesk-Event"
	HeaderSignature = "X-LingDesk-Signature"
	HeaderDelivery  = "X-LingDesk-Delivery"

	// AttemptTimeout 单次投递超时
	AttemptTimeout = 10 * time.Second
)

// RetryDelays 第 n 次失败后等待 RetryDelays[n-1]，超出表长即放弃
var RetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// Envelope 投递给商户的请求体
type Envelope struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher 集成事件投递，每个订阅地址一条审计记录
type Dispatcher struct {
	db        *gorm.DB
	client    *resty.Client
	publisher pubsub.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewDispatcher(db *gorm.DB, publisher pubsub.Publisher, m *metrics.Metrics) *Dispatcher {
	if publisher == nil {
		publisher = pubsub.NoopPublisher{}
	}
	return &Dispatcher{
		db: db,
		client: resty.New().
			SetTimeout(AttemptTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "LingDesk-Webhooks/1.0"),
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// Sign 十六进制 HMAC-SHA256
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatch 写入投递记录并立即尝试一次，失败由重试任务接手
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, eventType string, payload map[string]any) error {
	env := pubsub.NewEnvelope(eventType, agentID, payload)
	if err := d.publisher.Publish(ctx, eventType, env); err != nil {
		logger.Warn("broker publish failed", zap.String("event", eventType), zap.String("agentId", agentID), zap.Error(err))
	}

	endpoints, err := models.ActiveWebhookEndpoints(d.db, agentID, eventType)
	if err != nil {
		return fmt.Errorf("load webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{
		ID:        env.Meta.ID,
		Event:     eventType,
		AgentID:   agentID,
		Timestamp: env.Meta.OccurredAt,
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var errs []error
	for i := range endpoints {
		ep := &endpoints[i]
		delivery := &models.WebhookDelivery{
			EndpointID: ep.ID,
			AgentID:    agentID,
			EventType:  eventType,
			Payload:    string(body),
			Status:     models.WebhookDeliveryPending,
		}
		if err := models.CreateWebhookDelivery(d.db, delivery); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %d: %w", ep.ID, err))
			continue
		}
		d.attempt(ctx, ep, delivery)
	}
	return errors.Join(errs...)
}

// RetryDue 重发到期的投递，返回处理条数
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := models.DueWebhookDeliveries(d.db, d.now(), limit)
	if err != nil {
		return 0, err
	}
	for i := range due {
		delivery := &due[i]
		ep, err := models.GetWebhookEndpoint(d.db, delivery.EndpointID)
		if err != nil || !ep.Active {
			delivery.Status = models.WebhookDeliveryFailed
			delivery.NextRetryAt = nil
			delivery.LastError = "endpoint removed or disabled"
			if err := models.SaveWebhookDelivery(d.db, delivery); err != nil {
				logger.Warn("save webhook delivery failed", zap.Uint("deliveryId", delivery.ID), zap.Error(err))
			}
			continue
		}
		d.attempt(ctx, ep, delivery)
	}
	return len(due), nil
}

func (d *Dispatcher) attempt(ctx context.Context, ep *models.WebhookEndpoint, delivery *models.WebhookDelivery) {
	body := []byte(delivery.Payload)
	delivery.Attempts++

	req := d.client.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, delivery.EventType).
		SetHeader(HeaderDelivery, fmt.Sprintf("%d", delivery.ID)).
		SetBody(body)
	if ep.Secret != "" {
		req.SetHeader(HeaderSignature, Sign(ep.Secret, body))
	}
	resp, err := req.Post(ep.URL)

	switch {
	case err != nil:
		delivery.ResponseCode = 0
		delivery.LastError = truncate(err.Error())
	case resp.IsError() || resp.StatusCode() >= 300:
		delivery.ResponseCode = resp.StatusCode()
		delivery.LastError = truncate(fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()))
	default:
		now := d.now()
		delivery.ResponseCode = resp.StatusCode()
		delivery.Status = models.WebhookDeliveryDelivered
		delivery.LastError = ""
		delivery.NextRetryAt = nil
		delivery.DeliveredAt = &now
	}

	success := delivery.Status == models.WebhookDeliveryDelivered
	if !success {
		if delivery.Attempts > len(RetryDelays) {
			delivery.Status = models.WebhookDeliveryFailed
			delivery.NextRetryAt = nil
		} else {
			next := d.now().Add(RetryDelays[delivery.Attempts-1])
			delivery.NextRetryAt = &next
		}
		logger.Warn("webhook delivery failed",
			zap.Uint("deliveryId", delivery.ID),
			zap.String("url", ep.URL),
			zap.Int("attempts", delivery.Attempts),
			zap.String("error", delivery.LastError))
	}
	d.metrics.ObserveWebhook(success)

	if err := models.SaveWebhookDelivery(d.db, delivery); err != nil {
		logger.Warn("save webhook delivery failed", zap.Uint("deliveryId", delivery.ID), zap.Error(err))
	}
}

func truncate(s string) string {
	if len(s) > 480 {
		return s[:480]
	}
	return s
}
