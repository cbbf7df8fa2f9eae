package postcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/events"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/notification"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	StageAnalytics    = "analytics"
	StageFollowUps    = "follow_ups"
	StageIntegrations = "integrations"

	// EventConversationEnded 集成事件类型
	EventConversationEnded = "conversation.ended"
)

// ErrAlreadyProcessed 对话正在处理或已处理完成
var ErrAlreadyProcessed = errors.New("conversation already post-processed")

// Options 构造参数；Mailer/SMS/Dispatcher 可为空，对应阶段按未配置处理
type Options struct {
	DB         *gorm.DB
	Model      llm.ChatModel
	ModelName  string
	Mailer     notification.Mailer
	SMS        notification.SMSSender
	Dispatcher tools.IntegrationDispatcher
	Bus        *events.EventBus
	Metrics    *metrics.Metrics
}

// Processor 对话结束后的分析、跟进与集成，三个阶段互不影响
type Processor struct {
	db         *gorm.DB
	model      llm.ChatModel
	modelName  string
	mailer     notification.Mailer
	sms        notification.SMSSender
	dispatcher tools.IntegrationDispatcher
	bus        *events.EventBus
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(opts Options) *Processor {
	return &Processor{
		db:         opts.DB,
		model:      opts.Model,
		modelName:  opts.ModelName,
		mailer:     opts.Mailer,
		sms:        opts.SMS,
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// job 一次处理需要的数据
type job struct {
	conv     *models.Conversation
	agent    *models.Agent
	messages []models.Message
	summary  string
}

// Process 状态 pending -> processing -> completed|failed，任一阶段失败即为 failed
func (p *Processor) Process(ctx context.Context, conversationID string) error {
	conv, err := models.GetConversation(p.db, conversationID)
	if err != nil {
		return err
	}
	claimed, err := models.ClaimPostProcessing(p.db, conv.ID)
	if err != nil {
		return fmt.Errorf("claim post-processing: %w", err)
	}
	if !claimed {
		logger.Info("post-processing skipped", zap.String("conversationId", conv.ID), zap.String("status", conv.PostProcessingStatus))
		return ErrAlreadyProcessed
	}

	j, err := p.load(conv)
	if err != nil {
		p.setStatus(conv.ID, models.PostProcessingFailed)
		return err
	}

	stages := []struct {
		name string
		run  func(context.Context, *job) error
	}{
		{StageAnalytics, p.analyze},
		{StageFollowUps, p.followUps},
		{StageIntegrations, p.integrations},
	}
	var failed []error
	for _, stage := range stages {
		err := p.runStage(ctx, stage.name, stage.run, j)
		p.metrics.ObservePostCallStage(stage.name, err == nil)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", stage.name, err))
		}
	}

	status := models.PostProcessingCompleted
	if len(failed) > 0 {
		status = models.PostProcessingFailed
	}
	p.setStatus(conv.ID, status)
	logger.Info("post-processing finished",
		zap.String("conversationId", conv.ID),
		zap.String("status", status),
		zap.Int("failedStages", len(failed)))
	return errors.Join(failed...)
}

// runStage 单阶段 panic 也只记为该阶段失败
func (p *Processor) runStage(ctx context.Context, name string, run func(context.Context, *job) error, j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			logger.Error("post-processing stage failed",
				zap.String("conversationId", j.conv.ID),
				zap.String("stage", name),
				zap.Error(err))
		}
	}()
	return run(ctx, j)
}

func (p *Processor) load(conv *models.Conversation) (*job, error) {
	agent, err := models.GetAgentByID(p.db, conv.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	msgs, err := models.ListMessages(p.db, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return &job{conv: conv, agent: agent, messages: msgs, summary: conv.Summary}, nil
}

func (p *Processor) setStatus(id, status string) {
	if err := models.SetPostProcessingStatus(p.db, id, status); err != nil {
		logger.Error("set post-processing status failed", zap.String("conversationId", id), zap.String("status", status), zap.Error(err))
	}
}

// integrations 推送给商户 webhook 与消息队列
func (p *Processor) integrations(ctx context.Context, j *job) error {
	if p.dispatcher == nil {
		return nil
	}
	c := j.conv
	payload := map[string]any{
		"conversationId":  c.ID,
		"channel":         c.Channel,
		"callId":          c.CallIDValue(),
		"customerName":    c.CustomerName,
		"customerEmail":   c.CustomerEmail,
		"customerPhone":   c.ContactPhone(),
		"durationSeconds": c.DurationSeconds,
		"recordingUrl":    c.RecordingURL,
		"escalated":       c.Escalated,
		"summary":         j.summary,
		"messageCount":    len(j.messages),
	}
	return p.dispatcher.Dispatch(ctx, j.agent.ID, EventConversationEnded, payload)
}
