package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/carlmjohnson/requests"
)

// TwilioConfig 短信配置
type TwilioConfig struct {
	AccountSID string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	From       string `env:"TWILIO_FROM_NUMBER"`
	BaseURL    string `env:"TWILIO_BASE_URL"`
}

// SMSSender 短信发送
type SMSSender interface {
	SendSMS(ctx context.Context, from, to, body string) error
}

// TwilioSMS 通过 Twilio REST 接口发送短信
type TwilioSMS struct {
	config TwilioConfig
	client *http.Client
}

func NewTwilioSMS(config TwilioConfig) *TwilioSMS {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.twilio.com"
	}
	return &TwilioSMS{config: config, client: http.DefaultClient}
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// SendSMS from 为空时使用默认号码
func (t *TwilioSMS) SendSMS(ctx context.Context, from, to, body string) error {
	if t.config.AccountSID == "" || t.config.AuthToken == "" {
		return ErrNotConfigured
	}
	if from == "" {
		from = t.config.From
	}
	if to == "" || from == "" {
		return errors.New("notification: sms needs both from and to")
	}

	var resp twilioMessage
	err := requests.
		URL(t.config.BaseURL).
		Pathf("/2010-04-01/Accounts/%s/Messages.json", t.config.AccountSID).
		Client(t.client).
		BasicAuth(t.config.AccountSID, t.config.AuthToken).
		BodyForm(url.Values{"From": {from}, "To": {to}, "Body": {body}}).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if resp.ErrorMessage != "" {
		return fmt.Errorf("twilio send to %s: %s", to, resp.ErrorMessage)
	}
	return nil
}
