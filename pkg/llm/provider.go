package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatModel 统一的大模型接口，调用方自行维护消息历史
type ChatModel interface {
	// Complete 非流式调用，可能返回工具调用
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream 流式调用，每个文本增量回调一次
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (*Completion, error)
}

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Message 统一的消息格式
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall 模型发起的工具调用
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition 暴露给模型的工具 schema
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage 使用统计信息
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Request 单次调用参数
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  *float32
	MaxTokens    int
	JSONResponse bool
}

// Completion 单次调用结果
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        Usage
}

func Float32Ptr(v float32) *float32 {
	return &v
}
