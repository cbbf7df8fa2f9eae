package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
)

// ExecuteRequest 内部工具接口请求体
type ExecuteRequest struct {
	ToolName       string `json:"toolName" binding:"required"`
	Args           Args   `json:"args"`
	AgentID        string `json:"agentId" binding:"required"`
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId,omitempty"`
}

// RemoteExecutor 语音桥独立部署时通过内部接口执行工具，定义仍取自本地注册表
type RemoteExecutor struct {
	local  *Registry
	url    string
	secret string
	client *http.Client
}

func NewRemoteExecutor(local *Registry, url, secret string) *RemoteExecutor {
	return &RemoteExecutor{
		local:  local,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (e *RemoteExecutor) ListTools(agent *models.Agent) []llm.ToolDefinition {
	return e.local.ListTools(agent)
}

func (e *RemoteExecutor) Execute(ctx context.Context, name, rawArgs string, tc Context) Result {
	req := ExecuteRequest{
		ToolName:       name,
		Args:           ParseArgs(rawArgs),
		ConversationID: tc.ConversationID,
		VisitorID:      tc.VisitorID,
	}
	if tc.Agent != nil {
		req.AgentID = tc.Agent.ID
	}

	var res Result
	err := requests.
		URL(e.url).
		Client(e.client).
		Header("x-internal-secret", e.secret).
		BodyJSON(&req).
		ToJSON(&res).
		Fetch(ctx)
	if err != nil {
		logger.Warn("remote tool execution failed",
			zap.String("tool", name),
			zap.String("conversationId", tc.ConversationID),
			zap.Error(err))
		return Failure("tool %s is unavailable", name)
	}
	return res
}
