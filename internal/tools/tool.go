package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"go.uber.org/zap"
)

var ErrUnknownTool = errors.New("unknown tool")

// Args 模型给出的工具参数
type Args map[string]any

// Context 工具执行时的对话上下文
type Context struct {
	Agent          *models.Agent
	ConversationID string
	VisitorID      string
}

// Result 工具执行结果，原样序列化后作为 tool 消息回给模型
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// JSON 序列化失败时退化为错误结果
func (r Result) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result not serializable"}`
	}
	return string(raw)
}

func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool 可被模型调用的工具，RequiredFeature 为空表示总是可用
type Tool interface {
	Name() string
	RequiredFeature() string
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args Args, tc Context) Result
}

// Executor 引擎只依赖这个接口，进程内注册表和远程执行器都实现它
type Executor interface {
	ListTools(agent *models.Agent) []llm.ToolDefinition
	Execute(ctx context.Context, name, rawArgs string, tc Context) Result
}

// Registry 按名称注册工具，按 agent 开关过滤
type Registry struct {
	tools   map[string]Tool
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics, tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), metrics: m}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ListTools 返回该 agent 开启的工具定义，按名称排序保证提示稳定
func (r *Registry) ListTools(agent *models.Agent) []llm.ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if agent.FeatureEnabled(t.RequiredFeature()) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute 从不返回错误，所有失败都转成 success=false
func (r *Registry) Execute(ctx context.Context, name, rawArgs string, tc Context) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool panicked",
				zap.String("tool", name),
				zap.String("conversationId", tc.ConversationID),
				zap.Any("panic", rec))
			result = Failure("tool %s failed unexpectedly", name)
		}
		r.metrics.ObserveTool(name, result.Success)
	}()

	t, ok := r.tools[name]
	if !ok {
		logger.Warn("unknown tool requested", zap.String("tool", name), zap.String("conversationId", tc.ConversationID))
		return Failure("%s: %s", ErrUnknownTool.Error(), name)
	}
	if !tc.Agent.FeatureEnabled(t.RequiredFeature()) {
		return Failure("tool %s is not enabled for this agent", name)
	}
	return t.Execute(ctx, ParseArgs(rawArgs), tc)
}

// ParseArgs 非法 JSON 视为空参数
func ParseArgs(raw string) Args {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		logger.Warn("malformed tool arguments", zap.String("raw", raw), zap.Error(err))
		return Args{}
	}
	return args
}
