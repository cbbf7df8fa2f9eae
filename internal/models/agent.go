package models

import (
	"errors"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/utils"
	"gorm.io/gorm"
)

var ErrAgentNotFound = errors.New("agent not found")

// 语音厂商
const (
	VoiceProviderAuto   = "auto"
	VoiceProviderRetell = "retell"
	VoiceProviderBolna  = "bolna"
)

// FeatureBookingEnabled 工具开关，对应 Agent.BookingEnabled
const FeatureBookingEnabled = "booking_enabled"

const (
	DefaultFallbackMessage   = "I'm sorry, I'm having trouble right now. Could you please try again in a moment?"
	DefaultFAQThreshold      = 0.75
	DefaultDocumentThreshold = 0.70
)

// Agent 接待员配置，由后台管理端维护
type Agent struct {
	ID                string    `json:"id" gorm:"primaryKey;size:64"`
	Name              string    `json:"name" gorm:"size:128"`
	BusinessName      string    `json:"businessName" gorm:"size:200"`
	Vertical          string    `json:"vertical" gorm:"size:64;index"`
	SystemPrompt      string    `json:"systemPrompt" gorm:"type:text"`
	Greeting          string    `json:"greeting" gorm:"size:500"`
	FallbackMessage   string    `json:"fallbackMessage" gorm:"size:500"`
	Language          string    `json:"language" gorm:"size:16"`
	Timezone          string    `json:"timezone" gorm:"size:64"`
	BookingEnabled    bool      `json:"bookingEnabled"`
	VoiceProvider     string    `json:"voiceProvider" gorm:"size:32"`
	ProviderAgentID   string    `json:"providerAgentId" gorm:"size:128;index"`
	PhoneNumber       string    `json:"phoneNumber" gorm:"size:32;index"`
	PhoneNumberSID    string    `json:"phoneNumberSid" gorm:"size:128"`
	EscalationEmail   string    `json:"escalationEmail" gorm:"size:200"`
	EscalationPhone   string    `json:"escalationPhone" gorm:"size:32"`
	LLMModel          string    `json:"llmModel" gorm:"size:64"`
	Temperature       float32   `json:"temperature"`
	FAQThreshold      float32   `json:"faqThreshold"`
	DocumentThreshold float32   `json:"documentThreshold"`
	Active            bool      `json:"active" gorm:"index"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (Agent) TableName() string {
	return "agents"
}

func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.NewID()
	}
	return nil
}

// FeatureEnabled 工具按名称查询开关，未知开关一律关闭
func (a *Agent) FeatureEnabled(feature string) bool {
	if a == nil {
		return false
	}
	switch feature {
	case "":
		return true
	case FeatureBookingEnabled:
		return a.BookingEnabled
	default:
		return false
	}
}

// Fallback 模型失败时的兜底回复
func (a *Agent) Fallback() string {
	if a == nil || strings.TrimSpace(a.FallbackMessage) == "" {
		return DefaultFallbackMessage
	}
	return a.FallbackMessage
}

func (a *Agent) FAQMinScore() float32 {
	if a.FAQThreshold <= 0 {
		return DefaultFAQThreshold
	}
	return a.FAQThreshold
}

func (a *Agent) DocumentMinScore() float32 {
	if a.DocumentThreshold <= 0 {
		return DefaultDocumentThreshold
	}
	return a.DocumentThreshold
}

func CreateAgent(db *gorm.DB, agent *Agent) error {
	return db.Create(agent).Error
}

func GetAgentByID(db *gorm.DB, id string) (*Agent, error) {
	return findAgent(db.Where("id = ?", id))
}

// GetAgentByProviderAgentID 通过语音厂商侧的 agent id 查找
func GetAgentByProviderAgentID(db *gorm.DB, providerAgentID string) (*Agent, error) {
	if providerAgentID == "" {
		return nil, ErrAgentNotFound
	}
	return findAgent(db.Where("provider_agent_id = ?", providerAgentID))
}

func GetAgentByPhoneNumber(db *gorm.DB, number string) (*Agent, error) {
	if number == "" {
		return nil, ErrAgentNotFound
	}
	return findAgent(db.Where("phone_number = ?", number))
}

func findAgent(q *gorm.DB) (*Agent, error) {
	var agent Agent
	err := q.First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// UpdateAgentVoice 写回厂商侧 agent 与号码
func UpdateAgentVoice(db *gorm.DB, id string, updates map[string]any) error {
	return db.Model(&Agent{}).Where("id = ?", id).Updates(updates).Error
}
