package models

import (
	"errors"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/utils"
	"gorm.io/gorm"
)

var ErrConversationNotFound = errors.New("conversation not found")

const (
	ChannelChat  = "chat"
	ChannelVoice = "voice"
	ChannelSMS   = "sms"
)

const (
	ConversationStatusActive   = "active"
	ConversationStatusClosed   = "closed"
	ConversationStatusArchived = "archived"
)

const (
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
)

// 通话后处理状态
const (
	PostProcessingPending    = "pending"
	PostProcessingProcessing = "processing"
	PostProcessingCompleted  = "completed"
	PostProcessingFailed     = "failed"
)

// Conversation 一次对话（网页聊天、短信或电话）
type Conversation struct {
	ID                   string     `json:"id" gorm:"primaryKey;size:64"`
	AgentID              string     `json:"agentId" gorm:"size:64;index"`
	Channel              string     `json:"channel" gorm:"size:16;index"`
	VisitorID            string     `json:"visitorId" gorm:"size:128;index"`
	Status               string     `json:"status" gorm:"size:16;index"`
	CustomerName         string     `json:"customerName,omitempty" gorm:"size:128"`
	CustomerEmail        string     `json:"customerEmail,omitempty" gorm:"size:200"`
	CustomerPhone        string     `json:"customerPhone,omitempty" gorm:"size:32"`
	CallID               *string    `json:"callId,omitempty" gorm:"size:128;uniqueIndex"`
	CallStatus           string     `json:"callStatus,omitempty" gorm:"size:32"`
	FromNumber           string     `json:"fromNumber,omitempty" gorm:"size:32"`
	ToNumber             string     `json:"toNumber,omitempty" gorm:"size:32"`
	DurationSeconds      int        `json:"durationSeconds"`
	RecordingURL         string     `json:"recordingUrl,omitempty" gorm:"size:500"`
	Transcript           string     `json:"transcript,omitempty" gorm:"type:text"`
	Summary              string     `json:"summary,omitempty" gorm:"type:text"`
	Escalated            bool       `json:"escalated" gorm:"index"`
	EscalationReason     string     `json:"escalationReason,omitempty" gorm:"size:64"`
	EscalatedAt          *time.Time `json:"escalatedAt,omitempty"`
	PostProcessingStatus string     `json:"postProcessingStatus,omitempty" gorm:"size:16"`
	ClosedAt             *time.Time `json:"closedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = utils.NewID()
	}
	if c.Status == "" {
		c.Status = ConversationStatusActive
	}
	return nil
}

// CallIDValue 通话 id，非电话渠道为空
func (c *Conversation) CallIDValue() string {
	if c.CallID == nil {
		return ""
	}
	return *c.CallID
}

// ContactPhone 跟进短信的接收号码
func (c *Conversation) ContactPhone() string {
	if c.CustomerPhone != "" {
		return c.CustomerPhone
	}
	if c.Channel == ChannelVoice || c.Channel == ChannelSMS {
		return c.FromNumber
	}
	return ""
}

func CreateConversation(db *gorm.DB, conv *Conversation) error {
	return db.Create(conv).Error
}

func GetConversation(db *gorm.DB, id string) (*Conversation, error) {
	return findConversation(db.Where("id = ?", id))
}

func GetConversationByCallID(db *gorm.DB, callID string) (*Conversation, error) {
	if callID == "" {
		return nil, ErrConversationNotFound
	}
	return findConversation(db.Where("call_id = ?", callID))
}

// FindActiveConversation 按访客查找进行中的对话（短信续聊）
func FindActiveConversation(db *gorm.DB, agentID, channel, visitorID string) (*Conversation, error) {
	return findConversation(db.
		Where("agent_id = ? AND channel = ? AND visitor_id = ? AND status = ?", agentID, channel, visitorID, ConversationStatusActive).
		Order("created_at DESC"))
}

func findConversation(q *gorm.DB) (*Conversation, error) {
	var conv Conversation
	err := q.First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkConversationEscalated 条件更新，只有首次置位的调用返回 true
func MarkConversationEscalated(db *gorm.DB, id, reason string) (bool, error) {
	now := time.Now()
	res := db.Model(&Conversation{}).
		Where("id = ? AND escalated = ?", id, false).
		Updates(map[string]any{
			"escalated":         true,
			"escalation_reason": reason,
			"escalated_at":      &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCallInProgress 厂商 call started 回调
func MarkCallInProgress(db *gorm.DB, id string) error {
	return db.Model(&Conversation{}).Where("id = ?", id).
		Update("call_status", CallStatusInProgress).Error
}

// CallCompletion 通话结束时回写的字段
type CallCompletion struct {
	DurationSeconds int
	RecordingURL    string
	Transcript      string
}

// CompleteCall 通话结束，对话同时关闭
func CompleteCall(db *gorm.DB, id string, c CallCompletion) error {
	now := time.Now()
	updates := map[string]any{
		"call_status":      CallStatusCompleted,
		"duration_seconds": c.DurationSeconds,
		"status":           ConversationStatusClosed,
		"closed_at":        &now,
	}
	if c.RecordingURL != "" {
		updates["recording_url"] = c.RecordingURL
	}
	if c.Transcript != "" {
		updates["transcript"] = c.Transcript
	}
	return db.Model(&Conversation{}).Where("id = ?", id).Updates(updates).Error
}

// CloseConversation 返回 false 表示已关闭过
func CloseConversation(db *gorm.DB, id string) (bool, error) {
	now := time.Now()
	res := db.Model(&Conversation{}).
		Where("id = ? AND status = ?", id, ConversationStatusActive).
		Updates(map[string]any{"status": ConversationStatusClosed, "closed_at": &now})
	return res.RowsAffected == 1, res.Error
}

// ArchiveConversation 只归档已关闭的会话
func ArchiveConversation(db *gorm.DB, id string) (bool, error) {
	res := db.Model(&Conversation{}).
		Where("id = ? AND status = ?", id, ConversationStatusClosed).
		Update("status", ConversationStatusArchived)
	return res.RowsAffected == 1, res.Error
}

func SetPostProcessingStatus(db *gorm.DB, id, status string) error {
	return db.Model(&Conversation{}).Where("id = ?", id).
		Update("post_processing_status", status).Error
}

func SetConversationSummary(db *gorm.DB, id, summary string) error {
	return db.Model(&Conversation{}).Where("id = ?", id).
		Update("summary", summary).Error
}

// UpdateCustomerContact 预约成功后回写联系人，空值不覆盖
func UpdateCustomerContact(db *gorm.DB, id, name, email, phone string) error {
	updates := map[string]any{}
	if name != "" {
		updates["customer_name"] = name
	}
	if email != "" {
		updates["customer_email"] = email
	}
	if phone != "" {
		updates["customer_phone"] = phone
	}
	if len(updates) == 0 {
		return nil
	}
	return db.Model(&Conversation{}).Where("id = ?", id).Updates(updates).Error
}

// ClaimPostProcessing 条件更新为 processing；已在处理或已完成时返回 false
func ClaimPostProcessing(db *gorm.DB, id string) (bool, error) {
	res := db.Model(&Conversation{}).
		Where("id = ? AND (post_processing_status IS NULL OR post_processing_status IN ?)", id,
			[]string{"", PostProcessingPending, PostProcessingFailed}).
		Update("post_processing_status", PostProcessingProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkPostProcessingPending 只有尚未进入后处理的对话会被标记
func MarkPostProcessingPending(db *gorm.DB, id string) error {
	return db.Model(&Conversation{}).
		Where("id = ? AND (post_processing_status IS NULL OR post_processing_status = ?)", id, "").
		Update("post_processing_status", PostProcessingPending).Error
}
