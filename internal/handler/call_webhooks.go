package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/providers"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 5 << 20

// CallWebhook 厂商通话生命周期回调：验签 -> 解析 -> 按事件类型更新对话
func (h *Handlers) CallWebhook(providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := h.router.Get(providerName)
		if err != nil {
			response.NotFound(c, "voice provider not configured")
			return
		}
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			response.BadRequest(c, "failed to read body")
			return
		}

		if !provider.WebhookSecretConfigured() && h.cfg.IsProduction() {
			logger.Error("webhook secret not configured", zap.String("provider", providerName))
			response.ServerError(c, "webhook verification not configured")
			return
		}
		if !provider.VerifyWebhookSignature(raw, c.GetHeader(provider.SignatureHeader())) {
			logger.Warn("webhook signature rejected",
				zap.String("provider", providerName),
				zap.String("remote", c.ClientIP()))
			response.Unauthorized(c, "invalid signature")
			return
		}

		event, err := provider.ParseWebhookEvent(raw)
		if err != nil {
			logger.Warn("webhook payload invalid", zap.String("provider", providerName), zap.Error(err))
			response.BadRequest(c, "invalid payload")
			return
		}
		if event == nil {
			response.Success(c, "event ignored", nil)
			return
		}
		if event.CallID == "" {
			response.BadRequest(c, "call id missing")
			return
		}

		conv, err := h.applyCallEvent(c.Request.Context(), event)
		if errors.Is(err, models.ErrAgentNotFound) || errors.Is(err, models.ErrConversationNotFound) {
			// 厂商会重试非 2xx，找不到归属时直接忽略
			logger.Warn("webhook call not matched",
				zap.String("provider", providerName),
				zap.String("type", event.Type),
				zap.String("callId", event.CallID),
				zap.String("providerAgentId", event.ProviderAgentID))
			response.Success(c, "call not matched", nil)
			return
		}
		if err != nil {
			logger.Error("webhook handling failed",
				zap.String("provider", providerName),
				zap.String("callId", event.CallID),
				zap.Error(err))
			response.ServerError(c, "failed to handle event")
			return
		}
		response.Success(c, "ok", gin.H{"conversationId": conv.ID, "type": event.Type})
	}
}

func (h *Handlers) applyCallEvent(ctx context.Context, event *providers.CallEvent) (*models.Conversation, error) {
	switch event.Type {
	case providers.EventCallStarted:
		conv, created, err := h.callConversation(ctx, event)
		if err != nil {
			return nil, err
		}
		if created {
			h.recordEvent(conv, models.EventCallStarted, models.JSONMap{"provider": event.Provider})
			return conv, nil
		}
		// 结束事件先到时不回退状态
		if conv.CallStatus != models.CallStatusCompleted {
			if err := models.MarkCallInProgress(h.db, conv.ID); err != nil {
				return nil, err
			}
		}
		return conv, nil

	case providers.EventCallEnded:
		conv, _, err := h.callConversation(ctx, event)
		if err != nil {
			return nil, err
		}
		alreadyEnded := conv.CallStatus == models.CallStatusCompleted
		if err := models.CompleteCall(h.db, conv.ID, models.CallCompletion{
			DurationSeconds: event.Duration,
			RecordingURL:    event.RecordingURL,
			Transcript:      event.Transcript,
		}); err != nil {
			return nil, err
		}
		if event.Summary != "" {
			if err := models.SetConversationSummary(h.db, conv.ID, event.Summary); err != nil {
				logger.Warn("save call summary failed", zap.String("conversationId", conv.ID), zap.Error(err))
			}
		}
		if !alreadyEnded {
			h.recordEvent(conv, models.EventCallEnded, models.JSONMap{
				"provider":        event.Provider,
				"durationSeconds": event.Duration,
			})
		}
		if h.postCall != nil {
			h.postCall.Trigger(conv.ID, "webhook."+event.Provider)
		}
		return conv, nil

	case providers.EventCallAnalyzed:
		conv, err := models.GetConversationByCallID(h.db, event.CallID)
		if err != nil {
			return nil, err
		}
		if event.Summary != "" {
			if err := models.SetConversationSummary(h.db, conv.ID, event.Summary); err != nil {
				return nil, err
			}
		}
		return conv, nil
	}
	return nil, models.ErrConversationNotFound
}

// callConversation 按 call id 查找，没有时按厂商 agent id（或被叫号码）建一条语音对话
func (h *Handlers) callConversation(ctx context.Context, event *providers.CallEvent) (*models.Conversation, bool, error) {
	conv, err := models.GetConversationByCallID(h.db, event.CallID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, models.ErrConversationNotFound) {
		return nil, false, err
	}

	agent, err := h.agents.ByProviderAgentID(ctx, event.ProviderAgentID)
	if errors.Is(err, models.ErrAgentNotFound) {
		agent, err = h.agents.ByPhoneNumber(ctx, event.ToNumber)
	}
	if err != nil {
		return nil, false, err
	}

	callID := event.CallID
	visitorID := event.FromNumber
	if visitorID == "" {
		visitorID = callID
	}
	conv = &models.Conversation{
		AgentID:    agent.ID,
		Channel:    models.ChannelVoice,
		VisitorID:  visitorID,
		CallID:     &callID,
		CallStatus: models.CallStatusInProgress,
		FromNumber: event.FromNumber,
		ToNumber:   event.ToNumber,
	}
	if err := models.CreateConversation(h.db, conv); err != nil {
		// 语音桥可能同时创建了同一通话
		existing, ferr := models.GetConversationByCallID(h.db, callID)
		if ferr != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return conv, true, nil
}

func (h *Handlers) recordEvent(conv *models.Conversation, eventType string, data models.JSONMap) {
	if err := models.RecordAnalyticsEvent(h.db, conv.AgentID, conv.ID, eventType, data); err != nil {
		logger.Warn("record analytics event failed",
			zap.String("conversationId", conv.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// webhookURL 厂商回调地址
func (h *Handlers) webhookURL(providerName string) string {
	return h.cfg.ServerUrl + "/webhooks/" + providerName
}
