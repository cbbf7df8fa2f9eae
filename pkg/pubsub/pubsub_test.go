package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("conversation.ended", "agent-1", map[string]any{"conversationId": "c1"})
	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, "conversation.ended", env.Meta.Type)
	assert.Equal(t, "lingdesk", env.Meta.Source)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"agentId":"agent-1"`)
	assert.Contains(t, string(raw), `"conversationId":"c1"`)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), "", "lingdesk.events")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestDialWithRetry(t *testing.T) {
	orig := dial
	defer func() { dial = orig }()

	calls := 0
	dial = func(string) (*amqp.Connection, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	_, err := DialWithRetry(context.Background(), ConnectionOptions{URL: "amqp://x", RetryAttempts: 3, Delay: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDialWithRetryCancelled(t *testing.T) {
	orig := dial
	defer func() { dial = orig }()
	dial = func(string) (*amqp.Connection, error) { return nil, errors.New("down") }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialWithRetry(ctx, ConnectionOptions{URL: "amqp://x", RetryAttempts: 5, Delay: time.Hour})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), "k", Envelope{}))
	assert.NoError(t, p.Close())
}
