package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweep struct {
	calls int
	limit int
	err   error
}

func (c *countingSweep) RetryDue(_ context.Context, limit int) (int, error) {
	c.calls++
	c.limit = limit
	return 2, c.err
}

func (c *countingSweep) SendDue(_ context.Context, limit int) (int, error) {
	c.calls++
	c.limit = limit
	return 1, c.err
}

func TestSweepsUseBatchSize(t *testing.T) {
	hooks := &countingSweep{}
	follow := &countingSweep{err: errors.New("smtp down")}
	s := NewScheduler(hooks, follow)

	s.RetryWebhooks()
	s.SendFollowUps()
	assert.Equal(t, 1, hooks.calls)
	assert.Equal(t, DefaultBatchSize, hooks.limit)
	assert.Equal(t, 1, follow.calls)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&countingSweep{}, nil)
	assert.Error(t, s.Start("not a schedule"))
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(&countingSweep{}, &countingSweep{})
	require.NoError(t, s.Start(""))
	assert.Len(t, s.cron.Entries(), 2)
	s.Stop()
}
