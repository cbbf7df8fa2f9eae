package postcall

import (
	"context"
	"errors"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/events"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Listen 订阅 conversation.ended 事件
func (p *Processor) Listen() {
	if p.bus == nil {
		return
	}
	p.bus.Subscribe(events.ConversationEnded, func(e events.Event) error {
		id := cast.ToString(e.Data["conversationId"])
		if id == "" {
			return errors.New("conversation.ended without conversationId")
		}
		err := p.Process(context.Background(), id)
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil
		}
		return err
	})
	logger.Info("post-call listener registered")
}

// Trigger 标记为 pending 并异步处理，调用方立即返回
func (p *Processor) Trigger(conversationID, source string) {
	if err := models.MarkPostProcessingPending(p.db, conversationID); err != nil {
		logger.Warn("mark post-processing pending failed", zap.String("conversationId", conversationID), zap.Error(err))
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:   events.ConversationEnded,
			Data:   map[string]interface{}{"conversationId": conversationID},
			Source: source,
		})
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("post-processing panicked", zap.String("conversationId", conversationID), zap.Any("panic", rec))
			}
		}()
		if err := p.Process(context.Background(), conversationID); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
			logger.Warn("post-processing failed", zap.String("conversationId", conversationID), zap.Error(err))
		}
	}()
}
