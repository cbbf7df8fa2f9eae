package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// UsageHook 每次调用结束后回调，用于指标统计
type UsageHook func(model string, usage Usage, latency time.Duration, err error)

// OpenAIModel OpenAI 兼容接口的实现
type OpenAIModel struct {
	client       *openai.Client
	baseURL      string
	defaultModel string
	onUsage      UsageHook
}

// NewOpenAIModel creates a chat model for any OpenAI compatible endpoint
func NewOpenAIModel(apiKey, baseURL, defaultModel string) *OpenAIModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAIModel{
		client:       openai.NewClientWithConfig(config),
		baseURL:      config.BaseURL,
		defaultModel: defaultModel,
	}
}

// OnUsage 设置使用统计回调
func (m *OpenAIModel) OnUsage(hook UsageHook) {
	m.onUsage = hook
}

func (m *OpenAIModel) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if request.Model == "" {
		request.Model = m.defaultModel
	}
	if len(req.Tools) > 0 {
		request.Tools = toOpenAITools(req.Tools)
	}
	if req.Temperature != nil {
		request.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.JSONResponse {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if stream {
		// Include usage in stream
		request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return request
}

func (m *OpenAIModel) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	request := m.buildRequest(req, false)

	resp, err := m.client.CreateChatCompletion(ctx, request)
	if err != nil {
		m.report(request.Model, Usage{}, start, err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		err = errors.New("chat completion: no choices returned")
		m.report(request.Model, Usage{}, start, err)
		return nil, err
	}

	choice := resp.Choices[0]
	out := &Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	m.report(request.Model, out.Usage, start, nil)
	return out, nil
}

func (m *OpenAIModel) Stream(ctx context.Context, req Request, onDelta func(delta string) error) (*Completion, error) {
	start := time.Now()
	request := m.buildRequest(req, true)

	streamID := fmt.Sprintf("stream-%s", uuid.New().String())
	logger.Debug("Starting LLM stream", zap.String("streamID", streamID), zap.String("model", request.Model))

	stream, err := m.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		m.report(request.Model, Usage{}, start, err)
		return nil, fmt.Errorf("error creating chat completion stream: %w", err)
	}
	defer stream.Close()

	out := &Completion{Model: request.Model}
	var sb strings.Builder
	toolCallMap := make(map[int]*ToolCall) // Index -> ToolCall

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Content = sb.String()
			m.report(request.Model, out.Usage, start, err)
			return out, fmt.Errorf("error receiving from stream: %w", err)
		}

		if response.Usage != nil {
			out.Usage = Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			out.FinishReason = string(choice.FinishReason)
		}

		// tool calls arrive in chunks keyed by index
		for _, delta := range choice.Delta.ToolCalls {
			if delta.Index == nil {
				continue
			}
			idx := *delta.Index
			tc, ok := toolCallMap[idx]
			if !ok {
				toolCallMap[idx] = &ToolCall{ID: delta.ID, Name: delta.Function.Name, Arguments: delta.Function.Arguments}
				continue
			}
			if delta.ID != "" {
				tc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				tc.Name = delta.Function.Name
			}
			tc.Arguments += delta.Function.Arguments
		}

		if content := choice.Delta.Content; content != "" {
			sb.WriteString(content)
			if onDelta != nil {
				if err := onDelta(content); err != nil {
					out.Content = sb.String()
					m.report(request.Model, out.Usage, start, err)
					return out, fmt.Errorf("stream callback: %w", err)
				}
			}
		}
	}

	out.Content = sb.String()
	if len(toolCallMap) > 0 {
		indexes := make([]int, 0, len(toolCallMap))
		for idx := range toolCallMap {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			out.ToolCalls = append(out.ToolCalls, *toolCallMap[idx])
		}
	}
	m.report(request.Model, out.Usage, start, nil)
	return out, nil
}

func (m *OpenAIModel) report(model string, usage Usage, start time.Time, err error) {
	latency := time.Since(start)
	if err != nil {
		logger.Warn("LLM call failed",
			zap.String("model", model),
			zap.String("baseURL", m.baseURL),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
	if m.onUsage != nil {
		m.onUsage(model, usage, latency, err)
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}
