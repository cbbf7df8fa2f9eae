package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cast"
)

const (
	DefaultBolnaBaseURL  = "https://api.bolna.dev"
	BolnaSignatureHeader = "x-bolna-signature"

	// 签名时间戳允许的偏差
	bolnaSignatureTolerance = 5 * time.Minute
)

// BolnaConfig Bolna 接入参数
type BolnaConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
	WebhookURL    string
	Country       string
}

// BolnaProvider 面向印度市场的电话厂商
type BolnaProvider struct {
	config BolnaConfig
	client *resty.Client
	now    func() time.Time
}

func NewBolnaProvider(config BolnaConfig) *BolnaProvider {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBolnaBaseURL
	}
	if config.Country == "" {
		config.Country = "IN"
	}
	return &BolnaProvider{config: config, client: newRestClient(config.BaseURL, config.APIKey), now: time.Now}
}

func (p *BolnaProvider) Name() string                  { return models.VoiceProviderBolna }
func (p *BolnaProvider) SignatureHeader() string       { return BolnaSignatureHeader }
func (p *BolnaProvider) WebhookSecretConfigured() bool { return p.config.WebhookSecret != "" }

// SignBolna 生成 t=<unix>,v1=<hex> 格式的签名头
func SignBolna(secret string, ts time.Time, raw []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + signHex(secret, []byte(t+"."+string(raw)))
}

// VerifyWebhookSignature 签名内容为 "<t>.<body>"
func (p *BolnaProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	if p.config.WebhookSecret == "" {
		return true
	}
	var ts, sig string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := p.now().Sub(time.Unix(unix, 0))
	if skew > bolnaSignatureTolerance || skew < -bolnaSignatureTolerance {
		return false
	}
	return equalHex(signHex(p.config.WebhookSecret, []byte(ts+"."+string(raw))), sig)
}

type bolnaExecution struct {
	ID               string `json:"id"`
	AgentID          string `json:"agent_id"`
	Status           string `json:"status"`
	Event            string `json:"event"`
	ConversationTime any    `json:"conversation_time"`
	Transcript       string `json:"transcript"`
	Summary          string `json:"summary"`
	TelephonyData    *struct {
		Duration     any    `json:"duration"`
		RecordingURL string `json:"recording_url"`
		FromNumber   string `json:"from_number"`
		ToNumber     string `json:"to_number"`
	} `json:"telephony_data"`
}

func bolnaEventType(exec *bolnaExecution) string {
	event := strings.ToLower(strings.TrimSpace(exec.Event))
	status := strings.ToLower(strings.TrimSpace(exec.Status))
	if event == "execution.analyzed" || (event == "analyzed" && status == "completed" && exec.Summary != "") {
		return EventCallAnalyzed
	}
	switch status {
	case "initiated", "ringing", "in-progress":
		return EventCallStarted
	case "completed", "call-disconnected", "ended":
		return EventCallEnded
	}
	return ""
}

func (p *BolnaProvider) ParseWebhookEvent(raw []byte) (*CallEvent, error) {
	var exec bolnaExecution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("bolna webhook: %w", err)
	}
	typ := bolnaEventType(&exec)
	if typ == "" || exec.ID == "" {
		return nil, nil
	}

	ev := &CallEvent{
		Type:            typ,
		Provider:        p.Name(),
		CallID:          exec.ID,
		ProviderAgentID: exec.AgentID,
		Transcript:      exec.Transcript,
		Summary:         exec.Summary,
		Duration:        seconds(exec.ConversationTime),
	}
	if td := exec.TelephonyData; td != nil {
		if ev.Duration == 0 {
			ev.Duration = seconds(td.Duration)
		}
		ev.RecordingURL = td.RecordingURL
		ev.FromNumber = td.FromNumber
		ev.ToNumber = td.ToNumber
	}
	return ev, nil
}

func (p *BolnaProvider) agentBody(cfg AgentConfig) map[string]any {
	webhook := cfg.WebhookURL
	if webhook == "" {
		webhook = p.config.WebhookURL
	}
	agentConfig := map[string]any{
		"agent_name":            cfg.Name,
		"agent_welcome_message": cfg.Greeting,
		"webhook_url":           webhook,
		"agent_type":            "other",
	}
	if cfg.Language != "" {
		agentConfig["language"] = cfg.Language
	}
	body := map[string]any{"agent_config": agentConfig}
	if cfg.SystemPrompt != "" {
		body["agent_prompts"] = map[string]any{"task_1": map[string]any{"system_prompt": cfg.SystemPrompt}}
	}
	return body
}

func (p *BolnaProvider) ProvisionPhoneNumber(ctx context.Context, agent *models.Agent, areaCode string) (*Provisioned, error) {
	if p.config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	providerAgentID := agent.ProviderAgentID
	if providerAgentID == "" {
		var created struct {
			AgentID string `json:"agent_id"`
		}
		cfg := AgentConfigFromAgent(agent, p.config.WebhookURL, "")
		resp, err := p.client.R().SetContext(ctx).SetBody(p.agentBody(cfg)).SetResult(&created).Post("/v2/agent")
		if err != nil {
			return nil, fmt.Errorf("bolna create agent: %w", err)
		}
		if resp.IsError() {
			return nil, apiError("bolna", "create agent", resp)
		}
		providerAgentID = created.AgentID
	}

	buy := map[string]any{"country": p.config.Country}
	if areaCode != "" {
		buy["pattern"] = areaCode
	}
	var number struct {
		ID          any    `json:"id"`
		PhoneNumber string `json:"phone_number"`
	}
	resp, err := p.client.R().SetContext(ctx).SetBody(buy).SetResult(&number).Post("/phone-numbers/buy")
	if err != nil {
		return nil, fmt.Errorf("bolna buy number: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("bolna", "buy number", resp)
	}
	numberID := cast.ToString(number.ID)

	resp, err = p.client.R().SetContext(ctx).
		SetBody(map[string]any{"agent_id": providerAgentID, "phone_number_id": numberID}).
		Post("/inbound/setup")
	if err != nil {
		return nil, fmt.Errorf("bolna inbound setup: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("bolna", "inbound setup", resp)
	}
	return &Provisioned{
		ProviderAgentID: providerAgentID,
		PhoneNumber:     number.PhoneNumber,
		PhoneNumberSID:  numberID,
	}, nil
}

// ReleasePhoneNumber Bolna 的 agent 保留，只释放号码
func (p *BolnaProvider) ReleasePhoneNumber(ctx context.Context, _ string, phoneNumberSID string) error {
	if p.config.APIKey == "" {
		return ErrNotConfigured
	}
	if phoneNumberSID == "" {
		return nil
	}
	resp, err := p.client.R().SetContext(ctx).Delete("/phone-numbers/" + url.PathEscape(phoneNumberSID))
	if err != nil {
		return fmt.Errorf("bolna release number: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return apiError("bolna", "release number", resp)
	}
	return nil
}

func (p *BolnaProvider) UpdateAgentConfig(ctx context.Context, providerAgentID string, cfg AgentConfig) error {
	if p.config.APIKey == "" {
		return ErrNotConfigured
	}
	resp, err := p.client.R().SetContext(ctx).SetBody(p.agentBody(cfg)).Put("/v2/agent/" + url.PathEscape(providerAgentID))
	if err != nil {
		return fmt.Errorf("bolna update agent: %w", err)
	}
	if resp.IsError() {
		return apiError("bolna", "update agent", resp)
	}
	return nil
}
