package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/knowledge"
	"github.com/code-100-precent/LingDesk/pkg/llm"
)

// scriptedModel 依次返回预设的结果，用完后重复最后一个
type scriptedModel struct {
	mu          sync.Mutex
	completions []*llm.Completion
	completeErr error
	streamText  []string
	streamErr   error
	requests    []llm.Request
	streamCalls int
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	if len(m.completions) == 0 {
		return &llm.Completion{}, nil
	}
	c := m.completions[0]
	if len(m.completions) > 1 {
		m.completions = m.completions[1:]
	}
	return c, nil
}

func (m *scriptedModel) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.streamCalls++
	parts := m.streamText
	streamErr := m.streamErr
	m.mu.Unlock()

	out := &llm.Completion{Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := onDelta(p); err != nil {
			return out, err
		}
		out.Content += p
	}
	return out, streamErr
}

func (m *scriptedModel) completeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests) - m.streamCalls
}

type staticRetriever struct {
	ctx *knowledge.Context
	err error
}

func (r staticRetriever) Retrieve(context.Context, string, knowledge.RetrieveOptions) (*knowledge.Context, error) {
	return r.ctx, r.err
}

type countingExecutor struct {
	defs  []llm.ToolDefinition
	calls []string
}

func (e *countingExecutor) ListTools(agent *models.Agent) []llm.ToolDefinition {
	if !agent.BookingEnabled {
		return nil
	}
	return e.defs
}

func (e *countingExecutor) Execute(_ context.Context, name, _ string, _ tools.Context) tools.Result {
	e.calls = append(e.calls, name)
	return tools.Result{Success: true, Message: "ok"}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (n *recordingNotifier) NotifyEscalation(_ context.Context, _ *models.Agent, conv *models.Conversation, reason, _ string) {
	n.mu.Lock()
	n.calls = append(n.calls, conv.ID+":"+reason)
	n.mu.Unlock()
	if n.done != nil {
		n.done <- struct{}{}
	}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

var errProvider = errors.New("provider 503: overloaded")

func toolCall(id string) *llm.Completion {
	return &llm.Completion{ToolCalls: []llm.ToolCall{{ID: id, Name: "check_availability", Arguments: `{"date":"2030-01-01"}`}}}
}
