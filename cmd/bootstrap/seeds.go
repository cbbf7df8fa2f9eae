package bootstrap

import (
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/config"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DemoAgentID 开发环境下聊天组件默认使用的 agent
const DemoAgentID = "demo-agent"

type SeedService struct {
	db *gorm.DB
}

func (s *SeedService) SeedAll() error {
	if err := s.seedDemoAgent(); err != nil {
		return err
	}

	if err := s.seedFollowUpTemplates(); err != nil {
		return err
	}

	return nil
}

func (s *SeedService) seedDemoAgent() error {
	var count int64
	if err := s.db.Model(&models.Agent{}).Where("id = ?", DemoAgentID).Count(&count).Error; err != nil {
		return err
	}
	if count != 0 {
		return nil // Data already exists, skip
	}

	name := "Ava"
	if config.GlobalConfig != nil && config.GlobalConfig.ServerName != "" {
		name = config.GlobalConfig.ServerName + " Receptionist"
	}
	agent := models.Agent{
		ID:           DemoAgentID,
		Name:         name,
		BusinessName: "Demo Dental Clinic",
		Vertical:     "dental",
		SystemPrompt: "You are the front desk for a small dental clinic. Answer questions about opening hours, services and pricing, and help callers book appointments.",
		Greeting:     "Hi, thanks for contacting Demo Dental Clinic. How can I help you today?",
		Language:     "en",
		Timezone:     "America/New_York",
		// 演示环境不连日历，避免模型调用不可用的工具
		BookingEnabled: false,
		VoiceProvider:  models.VoiceProviderAuto,
		Temperature:    0.4,
		Active:         true,
	}
	if err := s.db.Create(&agent).Error; err != nil {
		return err
	}
	logger.Info("demo agent seeded", zap.String("agentId", agent.ID))
	return nil
}

func (s *SeedService) seedFollowUpTemplates() error {
	var count int64
	if err := s.db.Model(&models.FollowUpTemplate{}).Where("agent_id = ?", DemoAgentID).Count(&count).Error; err != nil {
		return err
	}
	if count != 0 {
		return nil
	}

	defaults := []models.FollowUpTemplate{
		{
			AgentID: DemoAgentID,
			Name:    "Thanks for calling",
			Channel: models.FollowUpChannelSMS,
			Trigger: models.ChannelVoice,
			Body:    "Hi {{.CustomerName}}, thanks for calling {{.BusinessName}}. Reply to this message if there is anything else we can help with.",
			Active:  true,
		},
		{
			AgentID:      DemoAgentID,
			Name:         "Conversation recap",
			Channel:      models.FollowUpChannelEmail,
			Trigger:      "any",
			Subject:      "Your conversation with {{.BusinessName}}",
			Body:         "Hi {{.CustomerName}},\n\n{{.Summary}}\n\n{{.AgentName}}",
			DelayMinutes: 30,
			Active:       true,
		},
	}
	for i := range defaults {
		if err := s.db.Create(&defaults[i]).Error; err != nil {
			return err
		}
	}
	return nil
}
