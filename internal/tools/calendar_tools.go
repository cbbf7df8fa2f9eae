package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	CheckAvailabilityName = "check_availability"
	BookAppointmentName   = "book_appointment"

	defaultDurationMinutes = 30
	maxDurationMinutes     = 240
)

// 集成事件类型
const (
	EventAvailabilityChecked = "availability.checked"
	EventAppointmentBooked   = "appointment.booked"
)

// IntegrationDispatcher 集成事件投递，实现方需自行处理重试
type IntegrationDispatcher interface {
	Dispatch(ctx context.Context, agentID, eventType string, payload map[string]any) error
}

func agentLocation(agent *models.Agent) *time.Location {
	if agent != nil && agent.Timezone != "" {
		if loc, err := time.LoadLocation(agent.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func clampDuration(n int) int {
	if n <= 0 {
		return defaultDurationMinutes
	}
	if n > maxDurationMinutes {
		return maxDurationMinutes
	}
	return n
}

// CheckAvailabilityTool 查询某天的空闲时段，成功后异步派发集成事件
type CheckAvailabilityTool struct {
	calendar   Calendar
	dispatcher IntegrationDispatcher
}

func NewCheckAvailabilityTool(calendar Calendar, dispatcher IntegrationDispatcher) *CheckAvailabilityTool {
	return &CheckAvailabilityTool{calendar: calendar, dispatcher: dispatcher}
}

func (t *CheckAvailabilityTool) Name() string            { return CheckAvailabilityName }
func (t *CheckAvailabilityTool) RequiredFeature() string { return models.FeatureBookingEnabled }

func (t *CheckAvailabilityTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CheckAvailabilityName,
		Description: "Check which appointment slots are free on a given date. Call this before offering times to the customer.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "date": {"type": "string", "description": "Date to check, formatted YYYY-MM-DD"},
    "duration_minutes": {"type": "integer", "description": "Appointment length in minutes, default 30"}
  },
  "required": ["date"]
}`),
	}
}

func (t *CheckAvailabilityTool) Execute(ctx context.Context, args Args, tc Context) Result {
	date := args.String("date")
	if date == "" {
		return Failure("date is required")
	}
	loc := agentLocation(tc.Agent)
	day, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return Failure("date must be formatted YYYY-MM-DD")
	}
	now := time.Now().In(loc)
	if day.Before(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)) {
		return Failure("date %s is in the past", date)
	}
	duration := clampDuration(args.Int("duration_minutes", defaultDurationMinutes))

	slots, err := t.calendar.CheckAvailability(ctx, tc.Agent.ID, date, duration)
	if err != nil {
		logger.Warn("availability lookup failed",
			zap.String("agentId", tc.Agent.ID),
			zap.String("date", date),
			zap.Error(err))
		return Failure("could not reach the calendar")
	}

	times := make([]map[string]string, 0, len(slots))
	for _, s := range slots {
		times = append(times, map[string]string{
			"start": s.Start.In(loc).Format(time.RFC3339),
			"end":   s.End.In(loc).Format(time.RFC3339),
		})
	}
	dispatchAsync(ctx, t.dispatcher, tc.Agent.ID, EventAvailabilityChecked, map[string]any{
		"conversationId":  tc.ConversationID,
		"date":            date,
		"durationMinutes": duration,
		"slotCount":       len(times),
	})

	msg := fmt.Sprintf("%d slots available on %s", len(times), date)
	if len(times) == 0 {
		msg = fmt.Sprintf("No availability on %s", date)
	}
	return Result{
		Success: true,
		Data:    map[string]any{"date": date, "durationMinutes": duration, "slots": times},
		Message: msg,
	}
}

// BookAppointmentTool 创建预约，成功后异步派发集成事件
type BookAppointmentTool struct {
	calendar   Calendar
	dispatcher IntegrationDispatcher
	db         *gorm.DB
}

func NewBookAppointmentTool(calendar Calendar, dispatcher IntegrationDispatcher, db *gorm.DB) *BookAppointmentTool {
	return &BookAppointmentTool{calendar: calendar, dispatcher: dispatcher, db: db}
}

func (t *BookAppointmentTool) Name() string            { return BookAppointmentName }
func (t *BookAppointmentTool) RequiredFeature() string { return models.FeatureBookingEnabled }

func (t *BookAppointmentTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        BookAppointmentName,
		Description: "Book an appointment once the customer has confirmed a time and given their name.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "start_time": {"type": "string", "description": "Start time in ISO 8601, e.g. 2025-03-14T15:00"},
    "customer_name": {"type": "string", "description": "Full name of the customer"},
    "customer_email": {"type": "string", "description": "Customer email address"},
    "customer_phone": {"type": "string", "description": "Customer phone number"},
    "notes": {"type": "string", "description": "Reason for the visit or other notes"}
  },
  "required": ["start_time", "customer_name"]
}`),
	}
}

var startLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

func parseStart(value string, loc *time.Location) (time.Time, error) {
	for _, layout := range startLayouts {
		if layout == time.RFC3339 {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised start_time %q", value)
}

func (t *BookAppointmentTool) Execute(ctx context.Context, args Args, tc Context) Result {
	startRaw := args.String("start_time")
	name := args.String("customer_name")
	if startRaw == "" || name == "" {
		return Failure("start_time and customer_name are required")
	}
	loc := agentLocation(tc.Agent)
	start, err := parseStart(startRaw, loc)
	if err != nil {
		return Failure("start_time must be an ISO 8601 date and time")
	}
	if start.Before(time.Now()) {
		return Failure("start_time is in the past")
	}

	booking := Booking{
		StartTime:       start,
		DurationMinutes: defaultDurationMinutes,
		CustomerName:    name,
		CustomerEmail:   args.String("customer_email"),
		CustomerPhone:   args.String("customer_phone"),
		Notes:           args.String("notes"),
		ConversationID:  tc.ConversationID,
	}
	appt, err := t.calendar.BookAppointment(ctx, tc.Agent.ID, booking)
	if err != nil {
		logger.Warn("booking failed",
			zap.String("agentId", tc.Agent.ID),
			zap.String("conversationId", tc.ConversationID),
			zap.Error(err))
		return Failure("could not book the appointment")
	}

	t.recordContact(tc, booking)
	payload := map[string]any{
		"appointmentId":  appt.ID,
		"conversationId": tc.ConversationID,
		"start":          appt.Start.Format(time.RFC3339),
		"end":            appt.End.Format(time.RFC3339),
		"customerName":   booking.CustomerName,
		"customerEmail":  booking.CustomerEmail,
		"customerPhone":  booking.CustomerPhone,
		"notes":          booking.Notes,
	}
	dispatchAsync(ctx, t.dispatcher, tc.Agent.ID, EventAppointmentBooked, payload)

	return Result{
		Success: true,
		Data: map[string]any{
			"appointmentId": appt.ID,
			"start":         appt.Start.In(loc).Format(time.RFC3339),
			"end":           appt.End.In(loc).Format(time.RFC3339),
			"status":        appt.Status,
		},
		Message: fmt.Sprintf("Appointment booked for %s on %s", name, appt.Start.In(loc).Format("Monday, January 2 at 3:04 PM")),
	}
}

func (t *BookAppointmentTool) recordContact(tc Context, b Booking) {
	if t.db == nil || tc.ConversationID == "" {
		return
	}
	if err := models.UpdateCustomerContact(t.db, tc.ConversationID, b.CustomerName, b.CustomerEmail, b.CustomerPhone); err != nil {
		logger.Warn("update customer contact failed", zap.String("conversationId", tc.ConversationID), zap.Error(err))
	}
	if err := models.RecordAnalyticsEvent(t.db, tc.Agent.ID, tc.ConversationID, models.EventAppointmentBooked, models.JSONMap{
		"start": b.StartTime.Format(time.RFC3339),
	}); err != nil {
		logger.Warn("record booking event failed", zap.String("conversationId", tc.ConversationID), zap.Error(err))
	}
}

// dispatchAsync 不等待结果，失败只记录日志，不影响工具返回
func dispatchAsync(ctx context.Context, d IntegrationDispatcher, agentID, eventType string, payload map[string]any) {
	if d == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("integration dispatch panicked", zap.String("event", eventType), zap.Any("panic", rec))
			}
		}()
		if err := d.Dispatch(detached, agentID, eventType, payload); err != nil {
			logger.Warn("integration dispatch failed",
				zap.String("agentId", agentID),
				zap.String("event", eventType),
				zap.Error(err))
		}
	}()
}
