package events

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDispatchesToTypedAndWildcardHandlers(t *testing.T) {
	bus := NewEventBus()
	var typed, wildcard int32
	bus.Subscribe(ConversationEnded, func(e Event) error {
		atomic.AddInt32(&typed, 1)
		assert.Equal(t, "conv-1", e.Data["conversationId"])
		assert.False(t, e.Timestamp.IsZero())
		return nil
	})
	bus.Subscribe("*", func(e Event) error {
		atomic.AddInt32(&wildcard, 1)
		return errors.New("logged only")
	})

	bus.Publish(Event{Type: ConversationEnded, Data: map[string]interface{}{"conversationId": "conv-1"}})
	bus.Publish(Event{Type: AppointmentBooked})
	bus.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&typed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&wildcard))
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus()
	var ran int32
	bus.Subscribe(ConversationEscalated, func(Event) error { panic("boom") })
	bus.Subscribe(ConversationEscalated, func(Event) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	bus.Publish(Event{Type: ConversationEscalated})
	bus.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestUnsubscribeAndGlobal(t *testing.T) {
	bus := NewEventBus()
	var ran int32
	bus.Subscribe(CallStarted, func(Event) error { atomic.AddInt32(&ran, 1); return nil })
	bus.Unsubscribe(CallStarted)
	bus.Publish(Event{Type: CallStarted})
	bus.Wait()
	assert.Equal(t, int32(0), ran)

	assert.Same(t, GetEventBus(), GetEventBus())
	PublishEvent("unhandled.event", nil, "test")
}
