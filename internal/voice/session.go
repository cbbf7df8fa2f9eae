package voice

import (
	"strings"

	"github.com/code-100-precent/LingDesk/internal/engine"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
)

// Session 单个连接的内存状态，连接关闭即丢弃，不落库
type Session struct {
	PathCallID   string
	CallID       string
	Agent        *models.Agent
	Conversation *models.Conversation
}

func (s *Session) Bound() bool {
	return s.Agent != nil && s.Conversation != nil
}

func (s *Session) bind(agent *models.Agent, conv *models.Conversation) {
	s.Agent = agent
	s.Conversation = conv
	s.CallID = conv.CallIDValue()
}

// snapshot 交给回复协程的只读副本
func (s *Session) snapshot() Session {
	return *s
}

// TranscriptToHistory 转写转成模型历史，返回最近的用户发言
func TranscriptToHistory(transcript []Utterance) ([]llm.Message, string) {
	if len(transcript) > engine.MaxHistory {
		transcript = transcript[len(transcript)-engine.MaxHistory:]
	}
	history := make([]llm.Message, 0, len(transcript))
	lastUser := ""
	for _, u := range transcript {
		content := strings.TrimSpace(u.Content)
		if content == "" {
			continue
		}
		role := llm.RoleUser
		if u.Role == "agent" || u.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		} else {
			lastUser = content
		}
		history = append(history, llm.Message{Role: role, Content: content})
	}
	return history, lastUser
}
