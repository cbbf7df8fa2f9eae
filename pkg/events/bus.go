package events

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
)

// 业务事件类型
const (
	ConversationEnded     = "conversation.ended"
	ConversationEscalated = "conversation.escalated"
	AppointmentBooked     = "appointment.booked"
	CallStarted           = "call.started"
	CallAnalyzed          = "call.analyzed"
)

// Event 系统事件
type Event struct {
	Type      string                 `json:"type"`      // 事件类型，如 "conversation.ended"
	Timestamp time.Time              `json:"timestamp"` // 事件时间戳
	Data      map[string]interface{} `json:"data"`      // 事件数据
	Source    string                 `json:"source"`    // 事件来源
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// EventBus 进程内事件总线，处理器异步执行，失败只记录日志
type EventBus struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

var globalEventBus *EventBus
var once sync.Once

// NewEventBus 创建独立的事件总线
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string][]EventHandler)}
}

// GetEventBus 获取全局事件总线实例
func GetEventBus() *EventBus {
	once.Do(func() {
		globalEventBus = NewEventBus()
	})
	return globalEventBus
}

// Subscribe 订阅事件，"*" 订阅全部
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	logger.Info("Event handler subscribed", zap.String("eventType", eventType))
}

// Unsubscribe 取消订阅（移除所有该类型的处理器）
func (bus *EventBus) Unsubscribe(eventType string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.handlers, eventType)
}

// Publish 发布事件，立即返回
func (bus *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.RLock()
	allHandlers := make([]EventHandler, 0, len(bus.handlers[event.Type])+len(bus.handlers["*"]))
	allHandlers = append(allHandlers, bus.handlers[event.Type]...)
	allHandlers = append(allHandlers, bus.handlers["*"]...)
	bus.mu.RUnlock()

	if len(allHandlers) == 0 {
		logger.Debug("No handlers for event", zap.String("eventType", event.Type))
		return
	}

	for _, handler := range allHandlers {
		bus.inflight.Add(1)
		go func(h EventHandler) {
			defer bus.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Event handler panicked",
						zap.String("eventType", event.Type),
						zap.Any("panic", r))
				}
			}()
			if err := h(event); err != nil {
				logger.Error("Event handler failed",
					zap.String("eventType", event.Type),
					zap.Error(err))
			}
		}(handler)
	}
}

// Wait 等待已发布事件的处理器全部结束（优雅退出与测试使用）
func (bus *EventBus) Wait() {
	bus.inflight.Wait()
}

// PublishEvent 便捷方法：发布事件
func PublishEvent(eventType string, data map[string]interface{}, source string) {
	GetEventBus().Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	})
}
