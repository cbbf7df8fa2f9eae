package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalendar struct {
	slots    []Slot
	appt     *Appointment
	err      error
	bookings []Booking
}

func (f *fakeCalendar) CheckAvailability(_ context.Context, _, _ string, _ int) ([]Slot, error) {
	return f.slots, f.err
}

func (f *fakeCalendar) BookAppointment(_ context.Context, _ string, b Booking) (*Appointment, error) {
	f.bookings = append(f.bookings, b)
	if f.err != nil {
		return nil, f.err
	}
	return f.appt, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []string
	err    error
	done   chan struct{}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _, eventType string, _ map[string]any) error {
	d.mu.Lock()
	d.events = append(d.events, eventType)
	d.mu.Unlock()
	if d.done != nil {
		d.done <- struct{}{}
	}
	return d.err
}

type panicTool struct{}

func (panicTool) Name() string            { return "explode" }
func (panicTool) RequiredFeature() string { return "" }
func (panicTool) Definition() llm.ToolDefinition { return llm.ToolDefinition{Name: "explode"} }
func (panicTool) Execute(context.Context, Args, Context) Result {
	panic("boom")
}

func bookingAgent(enabled bool) *models.Agent {
	return &models.Agent{ID: "agent-1", BookingEnabled: enabled, Timezone: "UTC"}
}

func tomorrow() string {
	return time.Now().UTC().Add(24 * time.Hour).Format(time.DateOnly)
}

func TestListToolsFiltersByFeature(t *testing.T) {
	cal := &fakeCalendar{}
	reg := NewRegistry(nil, NewCheckAvailabilityTool(cal, nil), NewBookAppointmentTool(cal, nil, nil))

	assert.Empty(t, reg.ListTools(bookingAgent(false)))

	defs := reg.ListTools(bookingAgent(true))
	require.Len(t, defs, 2)
	assert.Equal(t, BookAppointmentName, defs[0].Name)
	assert.Equal(t, CheckAvailabilityName, defs[1].Name)
	assert.True(t, json.Valid(defs[0].Parameters))
	assert.True(t, json.Valid(defs[1].Parameters))
}

func TestExecuteNeverFails(t *testing.T) {
	cal := &fakeCalendar{}
	reg := NewRegistry(nil, NewCheckAvailabilityTool(cal, nil))
	reg.Register(panicTool{})
	tc := Context{Agent: bookingAgent(true), ConversationID: "c1"}

	res := reg.Execute(context.Background(), "nope", "{}", tc)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")

	res = reg.Execute(context.Background(), "explode", "{}", tc)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "explode")

	res = reg.Execute(context.Background(), CheckAvailabilityName, "{}", Context{Agent: bookingAgent(false)})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not enabled")
}

func TestMalformedArgsRunWithEmptyArgs(t *testing.T) {
	cal := &fakeCalendar{}
	reg := NewRegistry(nil, NewCheckAvailabilityTool(cal, nil))
	res := reg.Execute(context.Background(), CheckAvailabilityName, `{"date": "2025-`, Context{Agent: bookingAgent(true)})
	assert.False(t, res.Success)
	assert.Equal(t, "date is required", res.Error)
	assert.Equal(t, Args{}, ParseArgs("not json"))
	assert.Equal(t, Args{}, ParseArgs("null"))
}

func TestCheckAvailability(t *testing.T) {
	start := time.Now().UTC().Add(26 * time.Hour).Truncate(time.Hour)
	cal := &fakeCalendar{slots: []Slot{{Start: start, End: start.Add(30 * time.Minute)}}}
	tool := NewCheckAvailabilityTool(cal, nil)
	tc := Context{Agent: bookingAgent(true)}

	res := tool.Execute(context.Background(), Args{"date": tomorrow(), "duration_minutes": "45"}, tc)
	require.True(t, res.Success, res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, 45, data["durationMinutes"])
	assert.Len(t, data["slots"], 1)
	assert.Contains(t, res.Message, "1 slots available")

	res = tool.Execute(context.Background(), Args{"date": "14/03/2025"}, tc)
	assert.False(t, res.Success)

	res = tool.Execute(context.Background(), Args{"date": "2001-01-01"}, tc)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "past")

	cal.err = errors.New("503")
	res = tool.Execute(context.Background(), Args{"date": tomorrow()}, tc)
	assert.False(t, res.Success)
	assert.Equal(t, "could not reach the calendar", res.Error)
}

func TestCheckAvailabilityDispatchesEvent(t *testing.T) {
	start := time.Now().UTC().Add(26 * time.Hour).Truncate(time.Hour)
	cal := &fakeCalendar{slots: []Slot{{Start: start, End: start.Add(30 * time.Minute)}}}
	disp := &fakeDispatcher{err: errors.New("endpoint down"), done: make(chan struct{}, 1)}
	tool := NewCheckAvailabilityTool(cal, disp)

	res := tool.Execute(context.Background(), Args{"date": tomorrow()}, Context{Agent: bookingAgent(true), ConversationID: "c1"})
	require.True(t, res.Success, res.Error)

	select {
	case <-disp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("availability event not dispatched")
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Equal(t, []string{EventAvailabilityChecked}, disp.events)

	// 查询失败不派发
	cal.err = errors.New("503")
	res = tool.Execute(context.Background(), Args{"date": tomorrow()}, Context{Agent: bookingAgent(true)})
	assert.False(t, res.Success)
	assert.Len(t, disp.events, 1)
}

func TestBookAppointmentDispatchesAndRecords(t *testing.T) {
	db := models.SetupTestDB(t)
	agent := bookingAgent(true)
	require.NoError(t, models.CreateAgent(db, agent))
	conv := &models.Conversation{AgentID: agent.ID, Channel: models.ChannelChat, VisitorID: "v1"}
	require.NoError(t, models.CreateConversation(db, conv))

	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	cal := &fakeCalendar{appt: &Appointment{ID: "appt-1", Start: start, End: start.Add(30 * time.Minute), Status: "confirmed"}}
	disp := &fakeDispatcher{err: errors.New("endpoint down"), done: make(chan struct{}, 1)}
	tool := NewBookAppointmentTool(cal, disp, db)

	res := tool.Execute(context.Background(), Args{
		"start_time":     start.Format("2006-01-02T15:04"),
		"customer_name":  "Ana Ruiz",
		"customer_email": "ana@example.com",
	}, Context{Agent: agent, ConversationID: conv.ID})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Message, "Ana Ruiz")

	select {
	case <-disp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch was not attempted")
	}
	assert.Equal(t, []string{EventAppointmentBooked}, disp.events)

	got, err := models.GetConversation(db, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Ruiz", got.CustomerName)
	assert.Equal(t, "ana@example.com", got.CustomerEmail)
	n, err := models.CountAnalyticsEvents(db, conv.ID, models.EventAppointmentBooked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBookAppointmentValidation(t *testing.T) {
	cal := &fakeCalendar{}
	tool := NewBookAppointmentTool(cal, nil, nil)
	tc := Context{Agent: bookingAgent(true)}

	assert.False(t, tool.Execute(context.Background(), Args{"customer_name": "A"}, tc).Success)
	assert.False(t, tool.Execute(context.Background(), Args{"start_time": "soon", "customer_name": "A"}, tc).Success)
	assert.False(t, tool.Execute(context.Background(), Args{"start_time": "2001-01-01T10:00", "customer_name": "A"}, tc).Success)
	assert.Empty(t, cal.bookings)

	cal.err = errors.New("conflict")
	res := tool.Execute(context.Background(), Args{"start_time": tomorrow() + "T10:00", "customer_name": "A"}, tc)
	assert.False(t, res.Success)
	assert.Len(t, cal.bookings, 1)
}

func TestHTTPCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cal-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/agents/agent-1/availability":
			assert.Equal(t, "2030-01-02", r.URL.Query().Get("date"))
			assert.Equal(t, "30", r.URL.Query().Get("duration"))
			_, _ = w.Write([]byte(`{"slots":[{"start":"2030-01-02T09:00:00Z","end":"2030-01-02T09:30:00Z"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/agents/agent-1/appointments":
			var b Booking
			_ = json.NewDecoder(r.Body).Decode(&b)
			if b.CustomerName == "" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"invalid","message":"customer name missing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"a1","start":"2030-01-02T09:00:00Z","end":"2030-01-02T09:30:00Z","status":"confirmed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cal := NewHTTPCalendar(srv.URL, "cal-key")
	slots, err := cal.CheckAvailability(context.Background(), "agent-1", "2030-01-02", 30)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 9, slots[0].Start.Hour())

	appt, err := cal.BookAppointment(context.Background(), "agent-1", Booking{CustomerName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "a1", appt.ID)

	_, err = cal.BookAppointment(context.Background(), "agent-1", Booking{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customer name missing")

	_, err = NewHTTPCalendar("", "").CheckAvailability(context.Background(), "agent-1", "2030-01-02", 30)
	assert.ErrorIs(t, err, ErrCalendarNotConfigured)
}

func TestRemoteExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-internal-secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req ExecuteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, CheckAvailabilityName, req.ToolName)
		assert.Equal(t, "agent-1", req.AgentID)
		assert.Equal(t, "2030-01-02", req.Args["date"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"No availability on 2030-01-02"}`))
	}))
	defer srv.Close()

	reg := NewRegistry(nil, NewCheckAvailabilityTool(&fakeCalendar{}, nil))
	exec := NewRemoteExecutor(reg, srv.URL, "s3cret")
	assert.Len(t, exec.ListTools(bookingAgent(true)), 1)

	res := exec.Execute(context.Background(), CheckAvailabilityName, `{"date":"2030-01-02"}`, Context{Agent: bookingAgent(true), ConversationID: "c1"})
	assert.True(t, res.Success)
	assert.Equal(t, "No availability on 2030-01-02", res.Message)

	bad := NewRemoteExecutor(reg, srv.URL, "wrong")
	res = bad.Execute(context.Background(), CheckAvailabilityName, `{}`, Context{Agent: bookingAgent(true)})
	assert.False(t, res.Success)
}

func TestResultJSON(t *testing.T) {
	assert.JSONEq(t, `{"success":false,"error":"x"}`, Failure("x").JSON())
}
