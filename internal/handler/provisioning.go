package handlers

import (
	"errors"
	"net/http"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/providers"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type provisionRequest struct {
	AreaCode string `json:"areaCode"`
	// Provider 为空时按 agent 配置自动选择
	Provider string `json:"provider"`
}

type voiceConfigRequest struct {
	VoiceID string `json:"voiceId"`
}

func (h *Handlers) loadAgent(c *gin.Context) (*models.Agent, bool) {
	agent, err := h.agents.ByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrAgentNotFound) {
		response.NotFound(c, "agent not found")
		return nil, false
	}
	if err != nil {
		logger.Error("load agent failed", zap.String("agentId", c.Param("id")), zap.Error(err))
		response.ServerError(c, "failed to load agent")
		return nil, false
	}
	return agent, true
}

func (h *Handlers) providerFor(agent *models.Agent, explicit string) (providers.VoiceProvider, error) {
	if explicit != "" {
		return h.router.Get(explicit)
	}
	return h.router.Select(agent, "")
}

// ProvisionPhoneNumber POST {api}/agents/:id/phone-number
func (h *Handlers) ProvisionPhoneNumber(c *gin.Context) {
	var req provisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	agent, ok := h.loadAgent(c)
	if !ok {
		return
	}
	if agent.PhoneNumber != "" {
		response.AbortWithStatus(c, http.StatusConflict, "agent already has a phone number")
		return
	}
	provider, err := h.providerFor(agent, req.Provider)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	provisioned, err := provider.ProvisionPhoneNumber(c.Request.Context(), agent, req.AreaCode)
	if err != nil {
		logger.Error("provision phone number failed",
			zap.String("agentId", agent.ID),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		response.AbortWithStatus(c, http.StatusBadGateway, "provider request failed")
		return
	}
	if err := models.UpdateAgentVoice(h.db, agent.ID, map[string]any{
		"voice_provider":    provider.Name(),
		"provider_agent_id": provisioned.ProviderAgentID,
		"phone_number":      provisioned.PhoneNumber,
		"phone_number_sid":  provisioned.PhoneNumberSID,
	}); err != nil {
		logger.Error("save provisioned number failed", zap.String("agentId", agent.ID), zap.Error(err))
		response.ServerError(c, "failed to save phone number")
		return
	}
	h.agents.Invalidate(c.Request.Context(), agent)

	logger.Info("phone number provisioned",
		zap.String("agentId", agent.ID),
		zap.String("provider", provider.Name()),
		zap.String("phoneNumber", provisioned.PhoneNumber))
	response.Success(c, "phone number provisioned", gin.H{
		"provider":        provider.Name(),
		"providerAgentId": provisioned.ProviderAgentID,
		"phoneNumber":     provisioned.PhoneNumber,
		"phoneNumberSid":  provisioned.PhoneNumberSID,
	})
}

// ReleasePhoneNumber DELETE {api}/agents/:id/phone-number
func (h *Handlers) ReleasePhoneNumber(c *gin.Context) {
	agent, ok := h.loadAgent(c)
	if !ok {
		return
	}
	if agent.PhoneNumberSID == "" && agent.PhoneNumber == "" {
		response.Success(c, "no phone number to release", nil)
		return
	}
	provider, err := h.providerFor(agent, "")
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	sid := agent.PhoneNumberSID
	if sid == "" {
		sid = agent.PhoneNumber
	}
	if err := provider.ReleasePhoneNumber(c.Request.Context(), agent.ProviderAgentID, sid); err != nil {
		logger.Error("release phone number failed",
			zap.String("agentId", agent.ID),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		response.AbortWithStatus(c, http.StatusBadGateway, "provider request failed")
		return
	}
	// 先清缓存再改库，旧号码的缓存键要用改动前的值
	h.agents.Invalidate(c.Request.Context(), agent)
	if err := models.UpdateAgentVoice(h.db, agent.ID, map[string]any{
		"phone_number":     "",
		"phone_number_sid": "",
	}); err != nil {
		logger.Error("clear phone number failed", zap.String("agentId", agent.ID), zap.Error(err))
		response.ServerError(c, "failed to clear phone number")
		return
	}
	response.Success(c, "phone number released", nil)
}

// UpdateVoiceConfig PUT {api}/agents/:id/voice-config，把本地配置推送到厂商
func (h *Handlers) UpdateVoiceConfig(c *gin.Context) {
	var req voiceConfigRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	agent, ok := h.loadAgent(c)
	if !ok {
		return
	}
	if agent.ProviderAgentID == "" {
		response.BadRequest(c, "agent has no voice provider agent")
		return
	}
	provider, err := h.providerFor(agent, "")
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cfg := providers.AgentConfigFromAgent(agent, h.webhookURL(provider.Name()), h.cfg.RetellLLMWebsocketURL)
	cfg.VoiceID = req.VoiceID
	if err := provider.UpdateAgentConfig(c.Request.Context(), agent.ProviderAgentID, cfg); err != nil {
		logger.Error("update voice config failed",
			zap.String("agentId", agent.ID),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		response.AbortWithStatus(c, http.StatusBadGateway, "provider request failed")
		return
	}
	h.agents.Invalidate(c.Request.Context(), agent)
	response.Success(c, "voice config updated", gin.H{"provider": provider.Name()})
}
