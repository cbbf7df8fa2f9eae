package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 分析事件类型
const (
	EventCallStarted           = "call_started"
	EventCallEnded             = "call_ended"
	EventConversationEscalated = "conversation_escalated"
	EventConversationAnalyzed  = "conversation_analyzed"
	EventAppointmentBooked     = "appointment_booked"
)

// AnalyticsEvent 分析事件流水
type AnalyticsEvent struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	AgentID        string    `json:"agentId" gorm:"size:64;index"`
	ConversationID string    `json:"conversationId" gorm:"size:64;index"`
	Type           string    `json:"type" gorm:"size:64;index"`
	Data           JSONMap   `json:"data,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index"`
}

func (AnalyticsEvent) TableName() string {
	return "analytics_events"
}

// ConversationAnalytics 通话后生成的摘要与情绪
type ConversationAnalytics struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ConversationID string    `json:"conversationId" gorm:"size:64;uniqueIndex"`
	AgentID        string    `json:"agentId" gorm:"size:64;index"`
	Summary        string    `json:"summary" gorm:"type:text"`
	Sentiment      string    `json:"sentiment" gorm:"size:16"`
	Topics         string    `json:"-" gorm:"type:text"`
	MessageCount   int       `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (ConversationAnalytics) TableName() string {
	return "conversation_analytics"
}

func (a *ConversationAnalytics) SetTopics(topics []string) {
	b, _ := json.Marshal(topics)
	a.Topics = string(b)
}

func (a *ConversationAnalytics) TopicList() []string {
	var topics []string
	if a.Topics != "" {
		_ = json.Unmarshal([]byte(a.Topics), &topics)
	}
	return topics
}

func RecordAnalyticsEvent(db *gorm.DB, agentID, conversationID, eventType string, data JSONMap) error {
	return db.Create(&AnalyticsEvent{
		AgentID:        agentID,
		ConversationID: conversationID,
		Type:           eventType,
		Data:           data,
	}).Error
}

// SaveConversationAnalytics 同一对话重复处理时覆盖旧结果
func SaveConversationAnalytics(db *gorm.DB, a *ConversationAnalytics) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "sentiment", "topics", "message_count", "updated_at"}),
	}).Create(a).Error
}

func GetConversationAnalytics(db *gorm.DB, conversationID string) (*ConversationAnalytics, error) {
	var a ConversationAnalytics
	if err := db.Where("conversation_id = ?", conversationID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func CountAnalyticsEvents(db *gorm.DB, conversationID, eventType string) (int64, error) {
	var n int64
	err := db.Model(&AnalyticsEvent{}).
		Where("conversation_id = ? AND type = ?", conversationID, eventType).
		Count(&n).Error
	return n, err
}
