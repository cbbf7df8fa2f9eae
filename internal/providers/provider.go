package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cast"
)

var (
	ErrUnknownProvider = errors.New("unknown voice provider")
	ErrNotConfigured   = errors.New("voice provider api key not configured")
)

// 归一化后的通话生命周期事件
const (
	EventCallStarted  = "call.started"
	EventCallEnded    = "call.ended"
	EventCallAnalyzed = "call.analyzed"
)

// CallEvent 两家厂商 webhook 的统一表示
type CallEvent struct {
	Type            string `json:"type"`
	Provider        string `json:"provider"`
	CallID          string `json:"callId"`
	ProviderAgentID string `json:"providerAgentId,omitempty"`
	Duration        int    `json:"duration"`
	RecordingURL    string `json:"recordingUrl,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	FromNumber      string `json:"fromNumber,omitempty"`
	ToNumber        string `json:"toNumber,omitempty"`
	Summary         string `json:"summary,omitempty"`
}

// Provisioned 开通号码的结果
type Provisioned struct {
	ProviderAgentID string `json:"providerAgentId"`
	PhoneNumber     string `json:"phoneNumber"`
	PhoneNumberSID  string `json:"phoneNumberSid"`
}

// AgentConfig 推送到厂商侧的语音 agent 配置
type AgentConfig struct {
	Name            string `json:"name,omitempty"`
	Greeting        string `json:"greeting,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	Language        string `json:"language,omitempty"`
	VoiceID         string `json:"voiceId,omitempty"`
	WebhookURL      string `json:"webhookUrl,omitempty"`
	LLMWebsocketURL string `json:"llmWebsocketUrl,omitempty"`
}

// VoiceProvider 电话厂商适配层
type VoiceProvider interface {
	Name() string
	ProvisionPhoneNumber(ctx context.Context, agent *models.Agent, areaCode string) (*Provisioned, error)
	ReleasePhoneNumber(ctx context.Context, providerAgentID, phoneNumberSID string) error
	UpdateAgentConfig(ctx context.Context, providerAgentID string, cfg AgentConfig) error
	// ParseWebhookEvent 不认识的事件返回 nil, nil；只有请求体不是 JSON 时返回错误
	ParseWebhookEvent(raw []byte) (*CallEvent, error)
	VerifyWebhookSignature(raw []byte, signature string) bool
	SignatureHeader() string
	WebhookSecretConfigured() bool
}

// AgentConfigFromAgent 由本地 agent 生成厂商配置
func AgentConfigFromAgent(agent *models.Agent, webhookURL, llmWebsocketURL string) AgentConfig {
	name := agent.Name
	if agent.BusinessName != "" {
		name = fmt.Sprintf("%s (%s)", agent.Name, agent.BusinessName)
	}
	return AgentConfig{
		Name:            name,
		Greeting:        agent.Greeting,
		SystemPrompt:    agent.SystemPrompt,
		Language:        agent.Language,
		WebhookURL:      webhookURL,
		LLMWebsocketURL: llmWebsocketURL,
	}
}

func signHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, got string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	return hmac.Equal([]byte(expected), []byte(got))
}

// seconds 厂商时长字段可能是数字也可能是字符串
func seconds(v any) int {
	if v == nil {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 {
		return 0
	}
	return int(math.Round(f))
}

func newRestClient(baseURL, apiKey string) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return client
}

func apiError(vendor, op string, resp *resty.Response) error {
	body := resp.String()
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Errorf("%s %s: status %d: %s", vendor, op, resp.StatusCode(), body)
}
