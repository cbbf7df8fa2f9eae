package providers

import (
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
)

var indianLanguages = map[string]bool{
	"hi": true, "bn": true, "ta": true, "te": true, "mr": true, "gu": true,
	"kn": true, "ml": true, "pa": true, "or": true, "as": true, "ur": true,
}

// IsIndianLanguage 接受 hi、hi-IN、en-IN 等写法
func IsIndianLanguage(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	code = strings.ReplaceAll(code, "_", "-")
	if strings.HasSuffix(code, "-in") {
		return true
	}
	base, _, _ := strings.Cut(code, "-")
	return indianLanguages[base]
}

// Router 按 agent 配置选择厂商
type Router struct {
	providers map[string]VoiceProvider
}

func NewRouter(providers ...VoiceProvider) *Router {
	r := &Router{providers: make(map[string]VoiceProvider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Router) Get(name string) (VoiceProvider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// ProviderName 显式配置优先；auto 时印度语言或 +91 号码走 Bolna，其余走 Retell
func ProviderName(agent *models.Agent, callerNumber string) string {
	switch strings.ToLower(strings.TrimSpace(agent.VoiceProvider)) {
	case models.VoiceProviderRetell:
		return models.VoiceProviderRetell
	case models.VoiceProviderBolna:
		return models.VoiceProviderBolna
	}
	if IsIndianLanguage(agent.Language) || strings.HasPrefix(strings.TrimSpace(callerNumber), "+91") {
		return models.VoiceProviderBolna
	}
	return models.VoiceProviderRetell
}

func (r *Router) Select(agent *models.Agent, callerNumber string) (VoiceProvider, error) {
	return r.Get(ProviderName(agent, callerNumber))
}
