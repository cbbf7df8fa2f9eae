package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	FollowUpChannelSMS   = "sms"
	FollowUpChannelEmail = "email"
)

const (
	FollowUpScheduled = "scheduled"
	FollowUpSent      = "sent"
	FollowUpFailed    = "failed"
	FollowUpSkipped   = "skipped"
)

// FollowUpTemplate 对话结束后的跟进模板
// Trigger 为触发的对话渠道（chat/voice/sms），any 表示全部
type FollowUpTemplate struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	AgentID      string    `json:"agentId" gorm:"size:64;index"`
	Name         string    `json:"name" gorm:"size:128"`
	Channel      string    `json:"channel" gorm:"size:16"`
	Trigger      string    `json:"trigger" gorm:"column:trigger_channel;size:16"`
	Subject      string    `json:"subject" gorm:"size:200"`
	Body         string    `json:"body" gorm:"type:text"`
	DelayMinutes int       `json:"delayMinutes"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (FollowUpTemplate) TableName() string {
	return "follow_up_templates"
}

// FollowUpDelivery 跟进发送记录
type FollowUpDelivery struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	TemplateID     uint       `json:"templateId" gorm:"index"`
	ConversationID string     `json:"conversationId" gorm:"size:64;index"`
	Channel        string     `json:"channel" gorm:"size:16"`
	Recipient      string     `json:"recipient" gorm:"size:200"`
	Sender         string     `json:"sender,omitempty" gorm:"size:64"`
	Subject        string     `json:"subject,omitempty" gorm:"size:200"`
	Body           string     `json:"body" gorm:"type:text"`
	Status         string     `json:"status" gorm:"size:16;index"`
	ScheduledAt    time.Time  `json:"scheduledAt" gorm:"index"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	LastError      string     `json:"lastError,omitempty" gorm:"size:500"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (FollowUpDelivery) TableName() string {
	return "follow_up_deliveries"
}

// ActiveFollowUpTemplates 返回适用于该渠道的启用模板
func ActiveFollowUpTemplates(db *gorm.DB, agentID, channel string) ([]FollowUpTemplate, error) {
	var templates []FollowUpTemplate
	err := db.Where("agent_id = ? AND active = ? AND trigger_channel IN ?", agentID, true, []string{channel, "any"}).
		Order("id ASC").
		Find(&templates).Error
	return templates, err
}

func CreateFollowUpDelivery(db *gorm.DB, d *FollowUpDelivery) error {
	return db.Create(d).Error
}

// DueFollowUpDeliveries 到期待发送的延迟跟进
func DueFollowUpDeliveries(db *gorm.DB, now time.Time, limit int) ([]FollowUpDelivery, error) {
	var items []FollowUpDelivery
	err := db.Where("status = ? AND scheduled_at <= ?", FollowUpScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func MarkFollowUpDelivery(db *gorm.DB, id uint, status, lastError string) error {
	updates := map[string]any{"status": status, "last_error": lastError}
	if status == FollowUpSent {
		now := time.Now()
		updates["sent_at"] = &now
	}
	return db.Model(&FollowUpDelivery{}).Where("id = ?", id).Updates(updates).Error
}
