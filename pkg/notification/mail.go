package notification

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// ErrNotConfigured 渠道未配置
var ErrNotConfigured = errors.New("notification: channel not configured")

// MailConfig 邮件配置
type MailConfig struct {
	Host     string `env:"MAIL_HOST"`
	Username string `env:"MAIL_USERNAME"`
	Password string `env:"MAIL_PASSWORD"`
	Port     int64  `env:"MAIL_PORT"`
	From     string `env:"MAIL_FROM"`
}

// Mailer 邮件发送
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

// SMTPMailer 通过 SMTP 发送纯文本邮件
type SMTPMailer struct {
	config   MailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailNotification(config MailConfig) *SMTPMailer {
	return &SMTPMailer{config: config, sendMail: smtp.SendMail}
}

func (m *SMTPMailer) SendMail(ctx context.Context, to, subject, body string) error {
	if m.config.Host == "" || m.config.From == "" {
		return ErrNotConfigured
	}
	if to == "" {
		return errors.New("notification: empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(m.config.From, to, subject, body)
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	if err := m.sendMail(addr, auth, m.config.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("Subject: " + strings.ReplaceAll(subject, "\n", " ") + "\r\n")
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
