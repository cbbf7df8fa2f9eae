package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/knowledge"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/prompt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxToolRounds 单轮对话最多的工具调用往返次数
	MaxToolRounds = 3
	// MaxHistory 放入提示的历史消息条数
	MaxHistory = 10

	DefaultStreamTimeout = 30 * time.Second
)

// ErrUpstream 模型调用失败，回复已替换为兜底文案
var ErrUpstream = errors.New("upstream unavailable")

// Turn 一次用户输入
type Turn struct {
	Agent          *models.Agent
	ConversationID string
	VisitorID      string
	Channel        string
	History        []llm.Message
	UserMessage    string
	EscalationNote string
}

// Reply 一次回复，Text 永远非空
type Reply struct {
	Text      string        `json:"text"`
	Sources   []string      `json:"sources,omitempty"`
	Rounds    int           `json:"rounds"`
	ToolCalls []string      `json:"toolCalls,omitempty"`
	Usage     llm.Usage     `json:"usage"`
	Latency   time.Duration `json:"latency"`
	Degraded  bool          `json:"degraded"`
	MessageID uint          `json:"messageId,omitempty"`
}

// StreamHooks 流式回调
type StreamHooks struct {
	// OnDelta 每个文本增量调用一次，返回错误时停止生成
	OnDelta func(delta string) error
	// OnToolPhase 本轮第一次执行工具前调用一次
	OnToolPhase func()
}

// Options 构造参数
type Options struct {
	DB            *gorm.DB
	Model         llm.ChatModel
	Retriever     knowledge.Retriever
	Tools         tools.Executor
	Metrics       *metrics.Metrics
	StreamTimeout time.Duration
}

// Engine 对话引擎，聊天、短信与语音共用
type Engine struct {
	db            *gorm.DB
	model         llm.ChatModel
	retriever     knowledge.Retriever
	tools         tools.Executor
	metrics       *metrics.Metrics
	streamTimeout time.Duration
	now           func() time.Time
}

func New(opts Options) *Engine {
	if opts.Retriever == nil {
		opts.Retriever = knowledge.NoopRetriever{}
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	return &Engine{
		db:            opts.DB,
		model:         opts.Model,
		retriever:     opts.Retriever,
		tools:         opts.Tools,
		metrics:       opts.Metrics,
		streamTimeout: opts.StreamTimeout,
		now:           time.Now,
	}
}

// turnState 单轮内的可变状态，不跨 goroutine
type turnState struct {
	turn      Turn
	messages  []llm.Message
	defs      []llm.ToolDefinition
	sources   []string
	usage     llm.Usage
	rounds    int
	toolCalls []string
	toolPhase bool
	fellBack  bool
	started   time.Time
}

// Respond 非流式回复
func (e *Engine) Respond(ctx context.Context, turn Turn) (*Reply, error) {
	st := e.prepare(ctx, turn)

	// 轮次用尽时沿用最后一轮的文本，为空则走兜底
	text, _, err := e.toolLoop(ctx, st, StreamHooks{})
	return e.finish(st, strings.TrimSpace(text), err)
}

// Stream 工具轮次先以非流式跑完，只有最后一次无工具的生成走流式
func (e *Engine) Stream(ctx context.Context, turn Turn, hooks StreamHooks) (*Reply, error) {
	st := e.prepare(ctx, turn)

	var (
		text     string
		toolsRan bool
		err      error
	)
	if len(st.defs) > 0 {
		text, toolsRan, err = e.toolLoop(ctx, st, hooks)
		if err != nil {
			return e.finishStream(st, "", err, hooks)
		}
		if !toolsRan {
			// 首轮就给出了答案，直接下发
			if text != "" {
				e.emit(hooks, text)
			}
			return e.finishStream(st, text, nil, hooks)
		}
	}

	if st.rounds == 0 {
		st.rounds = 1
	}
	streamCtx, cancel := context.WithTimeout(ctx, e.streamTimeout)
	defer cancel()

	var streamed strings.Builder
	clientGone := false
	comp, err := e.model.Stream(streamCtx, e.request(st, false), func(delta string) error {
		if hooks.OnDelta != nil {
			if derr := hooks.OnDelta(delta); derr != nil {
				clientGone = true
				return derr
			}
		}
		streamed.WriteString(delta)
		return nil
	})
	if comp != nil {
		st.usage.Add(comp.Usage)
	}
	text = streamed.String()
	if clientGone {
		logger.Info("stream receiver went away",
			zap.String("conversationId", st.turn.ConversationID),
			zap.Int("deliveredChars", len(text)))
		err = nil
	} else if err != nil && text != "" {
		logger.Warn("stream ended early, keeping partial answer",
			zap.String("conversationId", st.turn.ConversationID),
			zap.Error(err))
	}
	return e.finishStream(st, text, err, hooks)
}

func (e *Engine) prepare(ctx context.Context, turn Turn) *turnState {
	st := &turnState{turn: turn, started: e.now()}
	agent := turn.Agent

	var grounding *knowledge.Context
	kc, err := e.retriever.Retrieve(ctx, turn.UserMessage, knowledge.RetrieveOptions{
		AgentID:           agent.ID,
		FAQThreshold:      agent.FAQMinScore(),
		DocumentThreshold: agent.DocumentMinScore(),
	})
	if err != nil {
		// 检索失败不阻断对话，按无知识库上下文继续
		logger.Warn("context retrieval failed",
			zap.String("agentId", agent.ID),
			zap.String("conversationId", turn.ConversationID),
			zap.Error(err))
	} else {
		grounding = kc
		st.sources = kc.SourceIDs()
	}

	system := prompt.Compose(prompt.Input{
		Persona: prompt.Persona{
			Name:           agent.Name,
			BusinessName:   agent.BusinessName,
			SystemPrompt:   agent.SystemPrompt,
			Language:       agent.Language,
			Timezone:       agent.Timezone,
			BookingEnabled: agent.BookingEnabled,
		},
		Channel:        turn.Channel,
		Context:        grounding,
		EscalationNote: turn.EscalationNote,
		Now:            st.started,
	})
	st.messages = SeedMessages(system, turn.History, turn.UserMessage)

	if e.tools != nil {
		st.defs = e.tools.ListTools(agent)
	}
	return st
}

// SeedMessages system + 最近历史 + 用户消息；历史末尾已是同一条用户消息时不再追加
func SeedMessages(system string, history []llm.Message, userMessage string) []llm.Message {
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == llm.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	last := messages[len(messages)-1]
	if last.Role == llm.RoleUser && strings.TrimSpace(last.Content) == strings.TrimSpace(userMessage) {
		return messages
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

func (e *Engine) request(st *turnState, withTools bool) llm.Request {
	req := llm.Request{
		Model:    st.turn.Agent.LLMModel,
		Messages: st.messages,
	}
	if withTools {
		req.Tools = st.defs
	}
	if st.turn.Agent.Temperature > 0 {
		req.Temperature = llm.Float32Ptr(st.turn.Agent.Temperature)
	}
	return req
}

// toolLoop 最多 MaxToolRounds 轮；返回最后一轮的文本以及是否执行过工具
func (e *Engine) toolLoop(ctx context.Context, st *turnState, hooks StreamHooks) (string, bool, error) {
	withTools := len(st.defs) > 0
	toolsRan := false
	var last string

	for round := 1; round <= MaxToolRounds; round++ {
		st.rounds = round
		comp, err := e.model.Complete(ctx, e.request(st, withTools))
		if err != nil {
			return "", toolsRan, err
		}
		st.usage.Add(comp.Usage)
		last = comp.Content

		if len(comp.ToolCalls) == 0 || !withTools {
			return comp.Content, toolsRan, nil
		}

		logger.Info("tool calls requested",
			zap.String("conversationId", st.turn.ConversationID),
			zap.Int("round", round),
			zap.Int("count", len(comp.ToolCalls)))

		st.messages = append(st.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})
		if !st.toolPhase {
			st.toolPhase = true
			if hooks.OnToolPhase != nil {
				hooks.OnToolPhase()
			}
		}
		tc := tools.Context{Agent: st.turn.Agent, ConversationID: st.turn.ConversationID, VisitorID: st.turn.VisitorID}
		for _, call := range comp.ToolCalls {
			result := e.tools.Execute(ctx, call.Name, call.Arguments, tc)
			st.toolCalls = append(st.toolCalls, call.Name)
			logger.Info("tool executed",
				zap.String("conversationId", st.turn.ConversationID),
				zap.String("tool", call.Name),
				zap.Bool("success", result.Success),
				zap.Int("round", round))
			st.messages = append(st.messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result.JSON(),
				ToolCallID: call.ID,
			})
		}
		toolsRan = true
	}

	logger.Warn("tool round limit reached",
		zap.String("conversationId", st.turn.ConversationID),
		zap.Int("rounds", MaxToolRounds))
	return last, toolsRan, nil
}

func (e *Engine) emit(hooks StreamHooks, text string) {
	if hooks.OnDelta == nil {
		return
	}
	if err := hooks.OnDelta(text); err != nil {
		logger.Debug("delta not delivered", zap.Error(err))
	}
}

// finishStream 兜底文案也要经过 OnDelta；落库内容与下发内容逐字一致，不做裁剪
func (e *Engine) finishStream(st *turnState, text string, err error, hooks StreamHooks) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		fallback := st.turn.Agent.Fallback()
		e.emit(hooks, fallback)
		text += fallback
		st.fellBack = true
	}
	return e.finish(st, text, err)
}

func (e *Engine) finish(st *turnState, text string, err error) (*Reply, error) {
	reply := &Reply{
		Text:      text,
		Sources:   st.sources,
		Rounds:    st.rounds,
		ToolCalls: st.toolCalls,
		Usage:     st.usage,
	}
	if err != nil {
		logger.Error("turn failed, using fallback",
			zap.String("agentId", st.turn.Agent.ID),
			zap.String("conversationId", st.turn.ConversationID),
			zap.Error(err))
		reply.Degraded = true
		err = fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = st.turn.Agent.Fallback()
		st.fellBack = true
	}
	if st.fellBack {
		reply.Degraded = true
	}
	reply.Latency = e.now().Sub(st.started)

	if e.db != nil && st.turn.ConversationID != "" {
		msg, perr := models.CreateMessage(e.db, st.turn.ConversationID, models.RoleAssistant, reply.Text, models.JSONMap{
			"sources":   reply.Sources,
			"latencyMs": reply.Latency.Milliseconds(),
			"tokens":    reply.Usage.TotalTokens,
			"degraded":  reply.Degraded,
			"toolCalls": reply.ToolCalls,
		})
		if perr != nil {
			logger.Error("persist assistant message failed",
				zap.String("conversationId", st.turn.ConversationID),
				zap.Error(perr))
		} else {
			reply.MessageID = msg.ID
		}
	}

	outcome := "ok"
	if reply.Degraded {
		outcome = "degraded"
	}
	e.metrics.ObserveTurn(st.turn.Channel, outcome, reply.Latency)
	if reply.Usage.TotalTokens > 0 {
		e.metrics.ObserveTokens(modelName(st.turn.Agent), reply.Usage.PromptTokens, reply.Usage.CompletionTokens)
	}
	return reply, err
}

func modelName(agent *models.Agent) string {
	if agent.LLMModel != "" {
		return agent.LLMModel
	}
	return "default"
}
