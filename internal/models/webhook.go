package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	WebhookDeliveryPending   = "pending"
	WebhookDeliveryDelivered = "delivered"
	WebhookDeliveryFailed    = "failed"
)

// WebhookEndpoint 商户配置的集成回调地址
type WebhookEndpoint struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AgentID   string    `json:"agentId" gorm:"size:64;index"`
	URL       string    `json:"url" gorm:"size:500"`
	Secret    string    `json:"-" gorm:"size:128"`
	Events    string    `json:"events" gorm:"size:500"` // 逗号分隔，* 表示全部
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (WebhookEndpoint) TableName() string {
	return "webhook_endpoints"
}

// Subscribes 是否订阅了该事件
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, ev := range strings.Split(e.Events, ",") {
		ev = strings.TrimSpace(ev)
		if ev == "*" || ev == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery 投递审计日志，每次重试更新同一行
type WebhookDelivery struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	EndpointID   uint       `json:"endpointId" gorm:"index"`
	AgentID      string     `json:"agentId" gorm:"size:64;index"`
	EventType    string     `json:"eventType" gorm:"size:64"`
	Payload      string     `json:"payload" gorm:"type:text"`
	Status       string     `json:"status" gorm:"size:16;index"`
	Attempts     int        `json:"attempts"`
	ResponseCode int        `json:"responseCode"`
	LastError    string     `json:"lastError,omitempty" gorm:"size:500"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty" gorm:"index"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}

// ActiveWebhookEndpoints 订阅了该事件的启用地址
func ActiveWebhookEndpoints(db *gorm.DB, agentID, eventType string) ([]WebhookEndpoint, error) {
	var all []WebhookEndpoint
	if err := db.Where("agent_id = ? AND active = ?", agentID, true).Find(&all).Error; err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ep := range all {
		if ep.Subscribes(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func GetWebhookEndpoint(db *gorm.DB, id uint) (*WebhookEndpoint, error) {
	var ep WebhookEndpoint
	if err := db.First(&ep, id).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

func CreateWebhookDelivery(db *gorm.DB, d *WebhookDelivery) error {
	return db.Create(d).Error
}

func SaveWebhookDelivery(db *gorm.DB, d *WebhookDelivery) error {
	return db.Save(d).Error
}

// DueWebhookDeliveries 需要重试的投递
func DueWebhookDeliveries(db *gorm.DB, now time.Time, limit int) ([]WebhookDelivery, error) {
	var items []WebhookDelivery
	err := db.Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", WebhookDeliveryPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
