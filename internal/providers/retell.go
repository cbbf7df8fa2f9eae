package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	DefaultRetellBaseURL  = "https://api.retellai.com"
	RetellSignatureHeader = "x-retell-signature"
)

// RetellConfig Retell 接入参数
type RetellConfig struct {
	APIKey          string
	BaseURL         string
	WebhookSecret   string
	WebhookURL      string
	LLMWebsocketURL string
}

// RetellProvider Retell 自定义 LLM 模式
type RetellProvider struct {
	config RetellConfig
	client *resty.Client
}

func NewRetellProvider(config RetellConfig) *RetellProvider {
	if config.BaseURL == "" {
		config.BaseURL = DefaultRetellBaseURL
	}
	return &RetellProvider{config: config, client: newRestClient(config.BaseURL, config.APIKey)}
}

func (p *RetellProvider) Name() string                  { return models.VoiceProviderRetell }
func (p *RetellProvider) SignatureHeader() string       { return RetellSignatureHeader }
func (p *RetellProvider) WebhookSecretConfigured() bool { return p.config.WebhookSecret != "" }

// VerifyWebhookSignature 原始请求体的十六进制 HMAC-SHA256；未配置密钥时放行
func (p *RetellProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	if p.config.WebhookSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	return equalHex(signHex(p.config.WebhookSecret, raw), signature)
}

type retellCall struct {
	CallID       string   `json:"call_id"`
	AgentID      string   `json:"agent_id"`
	FromNumber   string   `json:"from_number"`
	ToNumber     string   `json:"to_number"`
	DurationMS   *float64 `json:"duration_ms"`
	CallDuration any      `json:"call_duration"`
	RecordingURL string   `json:"recording_url"`
	Transcript   string   `json:"transcript"`
	CallAnalysis *struct {
		CallSummary string `json:"call_summary"`
	} `json:"call_analysis"`
}

type retellWebhook struct {
	Event string     `json:"event"`
	Call  retellCall `json:"call"`
}

func retellEventType(event string) string {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "call_started", "call.started":
		return EventCallStarted
	case "call_ended", "call.ended":
		return EventCallEnded
	case "call_analyzed", "call.analyzed":
		return EventCallAnalyzed
	}
	return ""
}

func (p *RetellProvider) ParseWebhookEvent(raw []byte) (*CallEvent, error) {
	var body retellWebhook
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("retell webhook: %w", err)
	}
	typ := retellEventType(body.Event)
	if typ == "" || body.Call.CallID == "" {
		return nil, nil
	}

	ev := &CallEvent{
		Type:            typ,
		Provider:        p.Name(),
		CallID:          body.Call.CallID,
		ProviderAgentID: body.Call.AgentID,
		RecordingURL:    body.Call.RecordingURL,
		Transcript:      body.Call.Transcript,
		FromNumber:      body.Call.FromNumber,
		ToNumber:        body.Call.ToNumber,
	}
	if body.Call.DurationMS != nil {
		ev.Duration = seconds(*body.Call.DurationMS / 1000)
	} else {
		ev.Duration = seconds(body.Call.CallDuration)
	}
	if body.Call.CallAnalysis != nil {
		ev.Summary = body.Call.CallAnalysis.CallSummary
	}
	return ev, nil
}

func (p *RetellProvider) agentBody(cfg AgentConfig) map[string]any {
	body := map[string]any{}
	if cfg.Name != "" {
		body["agent_name"] = cfg.Name
	}
	wsURL := cfg.LLMWebsocketURL
	if wsURL == "" {
		wsURL = p.config.LLMWebsocketURL
	}
	if wsURL != "" {
		body["response_engine"] = map[string]any{"type": "custom-llm", "llm_websocket_url": wsURL}
	}
	if cfg.VoiceID != "" {
		body["voice_id"] = cfg.VoiceID
	}
	if cfg.Language != "" {
		body["language"] = cfg.Language
	}
	webhook := cfg.WebhookURL
	if webhook == "" {
		webhook = p.config.WebhookURL
	}
	if webhook != "" {
		body["webhook_url"] = webhook
	}
	return body
}

func (p *RetellProvider) ProvisionPhoneNumber(ctx context.Context, agent *models.Agent, areaCode string) (*Provisioned, error) {
	if p.config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	providerAgentID := agent.ProviderAgentID
	if providerAgentID == "" {
		cfg := AgentConfigFromAgent(agent, p.config.WebhookURL, p.config.LLMWebsocketURL)
		var created struct {
			AgentID string `json:"agent_id"`
		}
		resp, err := p.client.R().SetContext(ctx).SetBody(p.agentBody(cfg)).SetResult(&created).Post("/create-agent")
		if err != nil {
			return nil, fmt.Errorf("retell create agent: %w", err)
		}
		if resp.IsError() {
			return nil, apiError("retell", "create agent", resp)
		}
		providerAgentID = created.AgentID
	}

	body := map[string]any{"inbound_agent_id": providerAgentID}
	if areaCode != "" {
		// 区号按数字提交
		if n, err := cast.ToIntE(areaCode); err == nil {
			body["area_code"] = n
		} else {
			body["area_code"] = areaCode
		}
	}
	var number struct {
		PhoneNumber string `json:"phone_number"`
	}
	resp, err := p.client.R().SetContext(ctx).SetBody(body).SetResult(&number).Post("/create-phone-number")
	if err != nil {
		return nil, fmt.Errorf("retell create phone number: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("retell", "create phone number", resp)
	}
	return &Provisioned{
		ProviderAgentID: providerAgentID,
		PhoneNumber:     number.PhoneNumber,
		PhoneNumberSID:  number.PhoneNumber,
	}, nil
}

// ReleasePhoneNumber Retell 以号码本身作为标识；已不存在视为成功
func (p *RetellProvider) ReleasePhoneNumber(ctx context.Context, providerAgentID, phoneNumberSID string) error {
	if p.config.APIKey == "" {
		return ErrNotConfigured
	}
	if phoneNumberSID != "" {
		resp, err := p.client.R().SetContext(ctx).Delete("/delete-phone-number/" + url.PathEscape(phoneNumberSID))
		if err != nil {
			return fmt.Errorf("retell delete phone number: %w", err)
		}
		if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
			return apiError("retell", "delete phone number", resp)
		}
	}
	if providerAgentID != "" {
		resp, err := p.client.R().SetContext(ctx).Delete("/delete-agent/" + url.PathEscape(providerAgentID))
		if err != nil {
			return fmt.Errorf("retell delete agent: %w", err)
		}
		if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
			logger.Warn("retell delete agent failed", zap.String("providerAgentId", providerAgentID), zap.Int("status", resp.StatusCode()))
		}
	}
	return nil
}

func (p *RetellProvider) UpdateAgentConfig(ctx context.Context, providerAgentID string, cfg AgentConfig) error {
	if p.config.APIKey == "" {
		return ErrNotConfigured
	}
	resp, err := p.client.R().SetContext(ctx).SetBody(p.agentBody(cfg)).Patch("/update-agent/" + url.PathEscape(providerAgentID))
	if err != nil {
		return fmt.Errorf("retell update agent: %w", err)
	}
	if resp.IsError() {
		return apiError("retell", "update agent", resp)
	}
	return nil
}
