package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ pubsub.Envelope) error {
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newEndpoint(t *testing.T, db *gorm.DB, url, events string) *models.WebhookEndpoint {
	ep := &models.WebhookEndpoint{AgentID: "agent-1", URL: url, Secret: "whsec", Events: events, Active: true}
	require.NoError(t, db.Create(ep).Error)
	return ep
}

func loadDeliveries(t *testing.T, db *gorm.DB) []models.WebhookDelivery {
	var out []models.WebhookDelivery
	require.NoError(t, db.Order("id").Find(&out).Error)
	return out
}

func TestDispatchSignsAndDelivers(t *testing.T) {
	db := models.SetupTestDB(t)
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotEvent = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	newEndpoint(t, db, srv.URL, "conversation.ended,appointment.booked")
	newEndpoint(t, db, srv.URL+"/other", "call.started")

	pub := &recordingPublisher{}
	d := NewDispatcher(db, pub, nil)
	require.NoError(t, d.Dispatch(context.Background(), "agent-1", "conversation.ended", map[string]any{"conversationId": "c1"}))

	assert.Equal(t, "conversation.ended", gotEvent)
	assert.Equal(t, Sign("whsec", gotBody), gotSig)
	var env Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "c1", env.Data["conversationId"])
	assert.Equal(t, []string{"conversation.ended"}, pub.keys)

	rows := loadDeliveries(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookDeliveryDelivered, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, http.StatusNoContent, rows[0].ResponseCode)
	assert.Nil(t, rows[0].NextRetryAt)
	assert.NotNil(t, rows[0].DeliveredAt)
}

func TestRetryScheduleThenFailed(t *testing.T) {
	db := models.SetupTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	newEndpoint(t, db, srv.URL, "*")

	clock := time.Now()
	d := NewDispatcher(db, nil, nil)
	d.now = func() time.Time { return clock }

	require.NoError(t, d.Dispatch(context.Background(), "agent-1", "appointment.booked", map[string]any{}))
	row := loadDeliveries(t, db)[0]
	assert.Equal(t, models.WebhookDeliveryPending, row.Status)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, clock.Add(time.Minute), *row.NextRetryAt, time.Second)

	// not yet due
	n, err := d.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i, delay := range RetryDelays {
		clock = clock.Add(delay)
		n, err := d.RetryDue(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "retry %d", i+1)
	}

	row = loadDeliveries(t, db)[0]
	assert.Equal(t, models.WebhookDeliveryFailed, row.Status)
	assert.Equal(t, len(RetryDelays)+1, row.Attempts)
	assert.Nil(t, row.NextRetryAt)
	assert.Equal(t, http.StatusBadGateway, row.ResponseCode)
	assert.Equal(t, int32(len(RetryDelays)+1), hits.Load())

	clock = clock.Add(24 * time.Hour)
	n, err = d.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetrySucceedsLater(t *testing.T) {
	db := models.SetupTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	newEndpoint(t, db, srv.URL, "*")

	clock := time.Now()
	d := NewDispatcher(db, nil, nil)
	d.now = func() time.Time { return clock }
	require.NoError(t, d.Dispatch(context.Background(), "agent-1", "conversation.ended", nil))

	clock = clock.Add(2 * time.Minute)
	_, err := d.RetryDue(context.Background(), 10)
	require.NoError(t, err)

	row := loadDeliveries(t, db)[0]
	assert.Equal(t, models.WebhookDeliveryDelivered, row.Status)
	assert.Equal(t, 2, row.Attempts)
	assert.Empty(t, row.LastError)
}

func TestRetryDisabledEndpointFails(t *testing.T) {
	db := models.SetupTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	ep := newEndpoint(t, db, srv.URL, "*")

	clock := time.Now()
	d := NewDispatcher(db, nil, nil)
	d.now = func() time.Time { return clock }
	require.NoError(t, d.Dispatch(context.Background(), "agent-1", "conversation.ended", nil))
	require.NoError(t, db.Model(ep).Update("active", false).Error)

	clock = clock.Add(time.Hour)
	_, err := d.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	row := loadDeliveries(t, db)[0]
	assert.Equal(t, models.WebhookDeliveryFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestDispatchWithoutEndpoints(t *testing.T) {
	db := models.SetupTestDB(t)
	d := NewDispatcher(db, nil, nil)
	assert.NoError(t, d.Dispatch(context.Background(), "agent-1", "conversation.ended", nil))
	assert.Empty(t, loadDeliveries(t, db))
}
