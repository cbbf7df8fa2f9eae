package postcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/notification"
	"go.uber.org/zap"
)

// TemplateData 跟进模板可用的字段
type TemplateData struct {
	CustomerName string
	AgentName    string
	BusinessName string
	Summary      string
	Channel      string
}

// Render 渲染模板，缺失字段输出空串
func Render(body string, data TemplateData) (string, error) {
	tpl, err := template.New("followup").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// followUps 第二阶段：即时发送或登记延迟发送
func (p *Processor) followUps(ctx context.Context, j *job) error {
	templates, err := models.ActiveFollowUpTemplates(p.db, j.agent.ID, j.conv.Channel)
	if err != nil {
		return fmt.Errorf("load follow-up templates: %w", err)
	}
	if len(templates) == 0 {
		return nil
	}

	customer := j.conv.CustomerName
	if customer == "" {
		customer = "there"
	}
	data := TemplateData{
		CustomerName: customer,
		AgentName:    j.agent.Name,
		BusinessName: businessName(j.agent),
		Summary:      j.summary,
		Channel:      j.conv.Channel,
	}

	var errs []error
	for _, tpl := range templates {
		d := &models.FollowUpDelivery{
			TemplateID:     tpl.ID,
			ConversationID: j.conv.ID,
			Channel:        tpl.Channel,
			Sender:         j.agent.PhoneNumber,
		}
		switch tpl.Channel {
		case models.FollowUpChannelSMS:
			d.Recipient = j.conv.ContactPhone()
		case models.FollowUpChannelEmail:
			d.Recipient = j.conv.CustomerEmail
		default:
			errs = append(errs, fmt.Errorf("template %d: unknown channel %q", tpl.ID, tpl.Channel))
			continue
		}
		if d.Recipient == "" {
			logger.Debug("follow-up skipped, no recipient",
				zap.String("conversationId", j.conv.ID),
				zap.Uint("templateId", tpl.ID))
			continue
		}

		body, err := Render(tpl.Body, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %d: %w", tpl.ID, err))
			continue
		}
		subject, err := Render(tpl.Subject, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %d subject: %w", tpl.ID, err))
			continue
		}
		d.Body = body
		d.Subject = subject
		d.ScheduledAt = p.now().Add(time.Duration(tpl.DelayMinutes) * time.Minute)
		d.Status = models.FollowUpScheduled

		if tpl.DelayMinutes > 0 {
			if err := models.CreateFollowUpDelivery(p.db, d); err != nil {
				errs = append(errs, fmt.Errorf("template %d: %w", tpl.ID, err))
			}
			continue
		}

		sendErr := p.deliver(ctx, d)
		d.Status = models.FollowUpSent
		if sendErr != nil {
			d.Status = models.FollowUpFailed
			d.LastError = truncate(sendErr.Error())
			errs = append(errs, fmt.Errorf("template %d: %w", tpl.ID, sendErr))
		} else {
			now := p.now()
			d.SentAt = &now
		}
		if err := models.CreateFollowUpDelivery(p.db, d); err != nil {
			errs = append(errs, fmt.Errorf("template %d: %w", tpl.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SendDue 发送到期的延迟跟进，由定时任务调用
func (p *Processor) SendDue(ctx context.Context, limit int) (int, error) {
	due, err := models.DueFollowUpDeliveries(p.db, p.now(), limit)
	if err != nil {
		return 0, err
	}
	for i := range due {
		d := &due[i]
		status, lastError := models.FollowUpSent, ""
		if err := p.deliver(ctx, d); err != nil {
			status, lastError = models.FollowUpFailed, truncate(err.Error())
			logger.Warn("delayed follow-up failed", zap.Uint("deliveryId", d.ID), zap.Error(err))
		}
		if err := models.MarkFollowUpDelivery(p.db, d.ID, status, lastError); err != nil {
			logger.Warn("mark follow-up failed", zap.Uint("deliveryId", d.ID), zap.Error(err))
		}
	}
	return len(due), nil
}

func (p *Processor) deliver(ctx context.Context, d *models.FollowUpDelivery) error {
	switch d.Channel {
	case models.FollowUpChannelSMS:
		if p.sms == nil {
			return notification.ErrNotConfigured
		}
		return p.sms.SendSMS(ctx, d.Sender, d.Recipient, d.Body)
	case models.FollowUpChannelEmail:
		if p.mailer == nil {
			return notification.ErrNotConfigured
		}
		return p.mailer.SendMail(ctx, d.Recipient, d.Subject, d.Body)
	default:
		return fmt.Errorf("unknown follow-up channel %q", d.Channel)
	}
}

func truncate(s string) string {
	if len(s) > 480 {
		return s[:480]
	}
	return s
}
