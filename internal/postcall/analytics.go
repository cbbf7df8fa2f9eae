package postcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
)

const maxTopics = 5

const analysisPrompt = `You review finished customer conversations for %s.
Reply with a JSON object only, using exactly these keys:
{"summary": "2-3 sentences covering what the customer wanted and the outcome",
 "sentiment": "positive" | "neutral" | "negative",
 "topics": ["short topic", ...]}`

// Analysis 模型返回的结构
type Analysis struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	Topics    []string `json:"topics"`
}

// analyze 第一阶段：摘要、情绪、话题
func (p *Processor) analyze(ctx context.Context, j *job) error {
	transcript := Transcript(j.conv, j.messages)
	if transcript == "" {
		logger.Info("nothing to analyze", zap.String("conversationId", j.conv.ID))
		return nil
	}
	if p.model == nil {
		return errors.New("analysis model not configured")
	}

	comp, err := p.model.Complete(ctx, llm.Request{
		Model: p.modelName,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(analysisPrompt, businessName(j.agent))},
			{Role: llm.RoleUser, Content: transcript},
		},
		Temperature:  llm.Float32Ptr(0),
		JSONResponse: true,
	})
	if err != nil {
		return fmt.Errorf("analysis call: %w", err)
	}
	a, err := ParseAnalysis(comp.Content)
	if err != nil {
		return err
	}

	row := &models.ConversationAnalytics{
		ConversationID: j.conv.ID,
		AgentID:        j.agent.ID,
		Summary:        a.Summary,
		Sentiment:      a.Sentiment,
		MessageCount:   len(j.messages),
	}
	row.SetTopics(a.Topics)
	if err := models.SaveConversationAnalytics(p.db, row); err != nil {
		return fmt.Errorf("save analytics: %w", err)
	}
	if a.Summary != "" {
		if err := models.SetConversationSummary(p.db, j.conv.ID, a.Summary); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		j.summary = a.Summary
	}
	if err := models.RecordAnalyticsEvent(p.db, j.agent.ID, j.conv.ID, models.EventConversationAnalyzed, models.JSONMap{
		"sentiment": a.Sentiment,
		"topics":    a.Topics,
	}); err != nil {
		logger.Warn("record conversation_analyzed failed", zap.String("conversationId", j.conv.ID), zap.Error(err))
	}
	return nil
}

// ParseAnalysis 解析并规整模型输出
func ParseAnalysis(raw string) (*Analysis, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var a Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	a.Summary = strings.TrimSpace(a.Summary)
	switch s := strings.ToLower(strings.TrimSpace(a.Sentiment)); s {
	case "positive", "negative", "neutral":
		a.Sentiment = s
	default:
		a.Sentiment = "neutral"
	}
	topics := make([]string, 0, len(a.Topics))
	for _, t := range a.Topics {
		if t = strings.TrimSpace(t); t != "" && len(topics) < maxTopics {
			topics = append(topics, t)
		}
	}
	a.Topics = topics
	return &a, nil
}

// Transcript 厂商转写优先，否则由消息拼接
func Transcript(conv *models.Conversation, msgs []models.Message) string {
	if t := strings.TrimSpace(conv.Transcript); t != "" {
		return t
	}
	var sb strings.Builder
	for _, m := range msgs {
		speaker := "Customer"
		if m.Role == models.RoleAssistant {
			speaker = "Agent"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func businessName(agent *models.Agent) string {
	if agent.BusinessName != "" {
		return agent.BusinessName
	}
	return agent.Name
}
