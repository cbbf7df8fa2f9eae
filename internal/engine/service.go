package engine

import (
	"context"
	"errors"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/escalation"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrEmptyMessage = errors.New("message is empty")

// Notifier 升级通知，调用方不等待结果
type Notifier interface {
	NotifyEscalation(ctx context.Context, agent *models.Agent, conv *models.Conversation, reason, userMessage string)
}

// TurnRequest 一次入站消息
type TurnRequest struct {
	Agent        *models.Agent
	Conversation *models.Conversation
	UserMessage  string
	// History 为 nil 时从消息表读取最近 MaxHistory 条
	History []llm.Message
	// Reminder 语音侧的 reminder_required，不是新的用户输入
	Reminder bool
}

// Service 串起升级检测、消息落库与引擎调用
type Service struct {
	db       *gorm.DB
	engine   *Engine
	notifier Notifier
	metrics  *metrics.Metrics
	locks    *keyedMutex
}

func NewService(db *gorm.DB, engine *Engine, notifier Notifier, m *metrics.Metrics) *Service {
	return &Service{
		db:       db,
		engine:   engine,
		notifier: notifier,
		metrics:  m,
		locks:    newKeyedMutex(),
	}
}

func (s *Service) Engine() *Engine {
	return s.engine
}

// HandleTurn 非流式；同一对话的并发请求按到达顺序串行执行
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	turn, unlock, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.engine.Respond(ctx, turn)
}

// HandleStreamTurn 流式版本
func (s *Service) HandleStreamTurn(ctx context.Context, req TurnRequest, hooks StreamHooks) (*Reply, error) {
	turn, unlock, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.engine.Stream(ctx, turn, hooks)
}

func (s *Service) begin(ctx context.Context, req TurnRequest) (Turn, func(), error) {
	if req.Agent == nil || req.Conversation == nil {
		return Turn{}, nil, errors.New("turn needs an agent and a conversation")
	}
	if req.UserMessage == "" {
		return Turn{}, nil, ErrEmptyMessage
	}
	conv := req.Conversation
	unlock := s.locks.Lock(conv.ID)

	var note string
	userMeta := models.JSONMap{}
	if !req.Reminder {
		if res := escalation.Detect(req.UserMessage, req.Agent.Vertical); res.ShouldEscalate {
			note = escalation.Directive(res.Reason)
			userMeta["escalation"] = res.Reason
			s.escalate(ctx, req.Agent, conv, res, req.UserMessage)
		}
		if _, err := models.CreateMessage(s.db, conv.ID, models.RoleUser, req.UserMessage, userMeta); err != nil {
			logger.Error("persist user message failed", zap.String("conversationId", conv.ID), zap.Error(err))
		}
	}

	history := req.History
	if history == nil {
		recent, err := models.RecentMessages(s.db, conv.ID, MaxHistory)
		if err != nil {
			logger.Warn("load history failed", zap.String("conversationId", conv.ID), zap.Error(err))
		}
		history = make([]llm.Message, 0, len(recent))
		for _, m := range recent {
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	return Turn{
		Agent:          req.Agent,
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
		Channel:        conv.Channel,
		History:        history,
		UserMessage:    req.UserMessage,
		EscalationNote: note,
	}, unlock, nil
}

// escalate 只有把标记从 false 改成 true 的那一次才发通知
func (s *Service) escalate(ctx context.Context, agent *models.Agent, conv *models.Conversation, res escalation.Result, userMessage string) {
	flipped, err := models.MarkConversationEscalated(s.db, conv.ID, res.Reason)
	if err != nil {
		logger.Error("mark escalated failed", zap.String("conversationId", conv.ID), zap.Error(err))
		return
	}
	if !flipped {
		logger.Debug("conversation already escalated", zap.String("conversationId", conv.ID))
		return
	}
	conv.Escalated = true
	conv.EscalationReason = res.Reason
	s.metrics.ObserveEscalation(res.Reason)
	logger.Info("conversation escalated",
		zap.String("conversationId", conv.ID),
		zap.String("agentId", agent.ID),
		zap.String("reason", res.Reason),
		zap.String("trigger", res.Trigger))

	if err := models.RecordAnalyticsEvent(s.db, agent.ID, conv.ID, models.EventConversationEscalated, models.JSONMap{
		"reason":  res.Reason,
		"trigger": res.Trigger,
		"channel": conv.Channel,
	}); err != nil {
		logger.Warn("record escalation event failed", zap.String("conversationId", conv.ID), zap.Error(err))
	}

	if s.notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	snapshot := *conv
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("escalation notifier panicked", zap.Any("panic", rec))
			}
		}()
		s.notifier.NotifyEscalation(detached, agent, &snapshot, res.Reason, userMessage)
	}()
}
