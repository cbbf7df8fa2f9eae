package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrCalendarNotConfigured = errors.New("calendar not configured")

// Slot 可预约时段
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Booking 预约请求
type Booking struct {
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
	CustomerName    string    `json:"customerName"`
	CustomerEmail   string    `json:"customerEmail,omitempty"`
	CustomerPhone   string    `json:"customerPhone,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ConversationID  string    `json:"conversationId,omitempty"`
}

// Appointment 日历服务返回的预约
type Appointment struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

// Calendar 外部日历服务，OAuth 由对端处理
type Calendar interface {
	CheckAvailability(ctx context.Context, agentID, date string, durationMinutes int) ([]Slot, error)
	BookAppointment(ctx context.Context, agentID string, booking Booking) (*Appointment, error)
}

// HTTPCalendar 通过 REST 调用日历服务
type HTTPCalendar struct {
	client *resty.Client
}

type calendarError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPCalendar(baseURL, apiKey string) *HTTPCalendar {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json").
		SetError(&calendarError{})
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPCalendar{client: client}
}

func (c *HTTPCalendar) CheckAvailability(ctx context.Context, agentID, date string, durationMinutes int) ([]Slot, error) {
	if c == nil || c.client.BaseURL == "" {
		return nil, ErrCalendarNotConfigured
	}
	var out struct {
		Slots []Slot `json:"slots"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"date":     date,
			"duration": strconv.Itoa(durationMinutes),
		}).
		SetResult(&out).
		Get("/agents/" + url.PathEscape(agentID) + "/availability")
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("check availability", resp)
	}
	return out.Slots, nil
}

func (c *HTTPCalendar) BookAppointment(ctx context.Context, agentID string, booking Booking) (*Appointment, error) {
	if c == nil || c.client.BaseURL == "" {
		return nil, ErrCalendarNotConfigured
	}
	var out Appointment
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(booking).
		SetResult(&out).
		Post("/agents/" + url.PathEscape(agentID) + "/appointments")
	if err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("book appointment", resp)
	}
	return &out, nil
}

func responseError(op string, resp *resty.Response) error {
	if e, ok := resp.Error().(*calendarError); ok && (e.Error != "" || e.Message != "") {
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), msg)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode())
}
