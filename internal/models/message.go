package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// JSONMap 以 JSON 文本存储的键值
type JSONMap map[string]any

// Value 实现 driver.Valuer 接口
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (m *JSONMap) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to convert %T to JSONMap", value)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Message 对话消息，只追加不修改
type Message struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ConversationID string    `json:"conversationId" gorm:"size:64;index:idx_message_conv_created,priority:1"`
	Role           string    `json:"role" gorm:"size:16"`
	Content        string    `json:"content" gorm:"type:text"`
	Metadata       JSONMap   `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index:idx_message_conv_created,priority:2"`
}

func (Message) TableName() string {
	return "messages"
}

func CreateMessage(db *gorm.DB, conversationID, role, content string, metadata JSONMap) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
	}
	if err := db.Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// RecentMessages 最近 limit 条，按时间正序返回
func RecentMessages(db *gorm.DB, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages 全部消息，按时间正序
func ListMessages(db *gorm.DB, conversationID string) ([]Message, error) {
	var msgs []Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

func CountMessages(db *gorm.DB, conversationID, role string) (int64, error) {
	var n int64
	q := db.Model(&Message{}).Where("conversation_id = ?", conversationID)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	err := q.Count(&n).Error
	return n, err
}
