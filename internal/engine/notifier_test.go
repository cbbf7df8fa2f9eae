package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/events"
	"github.com/stretchr/testify/assert"
)

type fakeMailer struct{ to, subject string }

func (m *fakeMailer) SendMail(_ context.Context, to, subject, _ string) error {
	m.to, m.subject = to, subject
	return nil
}

type fakeSMS struct{ from, to, body string }

func (s *fakeSMS) SendSMS(_ context.Context, from, to, body string) error {
	s.from, s.to, s.body = from, to, body
	return errors.New("twilio down")
}

type fakeDispatch struct{ events []string }

func (d *fakeDispatch) Dispatch(_ context.Context, _, eventType string, _ map[string]any) error {
	d.events = append(d.events, eventType)
	return nil
}

func TestEscalationNotifierFansOut(t *testing.T) {
	mailer, sms, disp := &fakeMailer{}, &fakeSMS{}, &fakeDispatch{}
	bus := events.NewEventBus()
	var published []string
	bus.Subscribe(events.ConversationEscalated, func(e events.Event) error {
		published = append(published, e.Data["conversationId"].(string))
		return nil
	})

	agent := &models.Agent{ID: "a1", BusinessName: "Bright Smile", EscalationEmail: "owner@example.com", EscalationPhone: "+15550001111", PhoneNumber: "+15559990000"}
	conv := &models.Conversation{ID: "c1", Channel: models.ChannelVoice, FromNumber: "+15551234567"}

	n := NewEscalationNotifier(mailer, sms, disp, bus)
	n.NotifyEscalation(context.Background(), agent, conv, "human_requested", "let me talk to a person")
	bus.Wait()

	assert.Equal(t, "owner@example.com", mailer.to)
	assert.Contains(t, mailer.subject, "human requested")
	assert.Equal(t, "+15559990000", sms.from)
	assert.Equal(t, "+15550001111", sms.to)
	assert.Contains(t, sms.body, "+15551234567")
	assert.Equal(t, []string{EventConversationEscalated}, disp.events)
	assert.Equal(t, []string{"c1"}, published)
}

func TestEscalationNotifierSkipsUnconfigured(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewEscalationNotifier(mailer, nil, nil, nil)
	n.NotifyEscalation(context.Background(), &models.Agent{ID: "a1"}, &models.Conversation{ID: "c1"}, "complaint", "refund")
	assert.Empty(t, mailer.to)
}
