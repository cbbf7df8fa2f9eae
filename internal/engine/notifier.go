package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/events"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/notification"
	"go.uber.org/zap"
)

// EventConversationEscalated 集成事件类型
const EventConversationEscalated = "conversation.escalated"

// EscalationNotifier 通过邮件、短信、webhook 和事件总线通知人工
type EscalationNotifier struct {
	mailer     notification.Mailer
	sms        notification.SMSSender
	dispatcher tools.IntegrationDispatcher
	bus        *events.EventBus
}

func NewEscalationNotifier(mailer notification.Mailer, sms notification.SMSSender, dispatcher tools.IntegrationDispatcher, bus *events.EventBus) *EscalationNotifier {
	return &EscalationNotifier{mailer: mailer, sms: sms, dispatcher: dispatcher, bus: bus}
}

func (n *EscalationNotifier) NotifyEscalation(ctx context.Context, agent *models.Agent, conv *models.Conversation, reason, userMessage string) {
	fields := []zap.Field{zap.String("conversationId", conv.ID), zap.String("agentId", agent.ID), zap.String("reason", reason)}
	label := strings.ReplaceAll(reason, "_", " ")

	if n.mailer != nil && agent.EscalationEmail != "" {
		subject := fmt.Sprintf("[%s] Conversation needs attention: %s", displayName(agent), label)
		body := fmt.Sprintf("A %s conversation was flagged for follow-up.\n\nReason: %s\nConversation: %s\nCustomer: %s\n\nLast message:\n%s\n",
			conv.Channel, label, conv.ID, customerLabel(conv), userMessage)
		if err := n.mailer.SendMail(ctx, agent.EscalationEmail, subject, body); err != nil {
			logger.Warn("escalation email failed", append(fields, zap.Error(err))...)
		}
	}

	if n.sms != nil && agent.EscalationPhone != "" {
		body := fmt.Sprintf("%s: %s conversation flagged (%s). Customer: %s. \"%s\"",
			displayName(agent), conv.Channel, label, customerLabel(conv), clip(userMessage, 120))
		if err := n.sms.SendSMS(ctx, agent.PhoneNumber, agent.EscalationPhone, body); err != nil {
			logger.Warn("escalation sms failed", append(fields, zap.Error(err))...)
		}
	}

	payload := map[string]any{
		"conversationId": conv.ID,
		"channel":        conv.Channel,
		"reason":         reason,
		"message":        userMessage,
		"customerPhone":  conv.ContactPhone(),
		"customerEmail":  conv.CustomerEmail,
	}
	if n.dispatcher != nil {
		if err := n.dispatcher.Dispatch(ctx, agent.ID, EventConversationEscalated, payload); err != nil {
			logger.Warn("escalation dispatch failed", append(fields, zap.Error(err))...)
		}
	}
	if n.bus != nil {
		n.bus.Publish(events.Event{
			Type:   events.ConversationEscalated,
			Data:   map[string]interface{}{"agentId": agent.ID, "conversationId": conv.ID, "reason": reason},
			Source: "engine",
		})
	}
}

func displayName(agent *models.Agent) string {
	if agent.BusinessName != "" {
		return agent.BusinessName
	}
	return agent.Name
}

func customerLabel(conv *models.Conversation) string {
	for _, v := range []string{conv.CustomerName, conv.ContactPhone(), conv.CustomerEmail, conv.VisitorID} {
		if v != "" {
			return v
		}
	}
	return "unknown"
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
