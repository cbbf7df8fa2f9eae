package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type postCallRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	// Sync 为 true 时同步执行并返回各阶段错误，默认异步
	Sync bool `json:"sync"`
}

// ExecuteTool POST /internal/tools/execute，语音桥独立部署时的工具执行入口；
// 工具失败也以 200 返回 {success:false}，由模型自行处理
func (h *Handlers) ExecuteTool(c *gin.Context) {
	var req tools.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if h.tools == nil {
		c.JSON(http.StatusOK, tools.Failure("tools are not available"))
		return
	}
	agent, err := h.agents.ByID(c.Request.Context(), req.AgentID)
	if errors.Is(err, models.ErrAgentNotFound) {
		response.NotFound(c, "agent not found")
		return
	}
	if err != nil {
		logger.Error("load agent failed", zap.String("agentId", req.AgentID), zap.Error(err))
		response.ServerError(c, "failed to load agent")
		return
	}

	rawArgs := "{}"
	if len(req.Args) > 0 {
		raw, err := json.Marshal(req.Args)
		if err != nil {
			response.BadRequest(c, "invalid args")
			return
		}
		rawArgs = string(raw)
	}
	result := h.tools.Execute(c.Request.Context(), req.ToolName, rawArgs, tools.Context{
		Agent:          agent,
		ConversationID: req.ConversationID,
		VisitorID:      req.VisitorID,
	})
	c.JSON(http.StatusOK, result)
}

// TriggerPostCall POST /internal/post-call
func (h *Handlers) TriggerPostCall(c *gin.Context) {
	var req postCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if h.postCall == nil {
		response.ServerError(c, "post-call processing not configured")
		return
	}
	if _, err := models.GetConversation(h.db, req.ConversationID); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, "failed to load conversation")
		return
	}

	if !req.Sync {
		h.postCall.Trigger(req.ConversationID, "internal")
		response.Success(c, "post-call processing scheduled", gin.H{"conversationId": req.ConversationID})
		return
	}
	if err := h.postCall.Process(c.Request.Context(), req.ConversationID); err != nil {
		logger.Warn("post-call processing failed", zap.String("conversationId", req.ConversationID), zap.Error(err))
		response.Fail(c, err.Error(), gin.H{"conversationId": req.ConversationID})
		return
	}
	response.Success(c, "post-call processing completed", gin.H{"conversationId": req.ConversationID})
}

// ArchiveConversation POST /internal/conversations/:conversationId/archive，只接受已关闭的会话
func (h *Handlers) ArchiveConversation(c *gin.Context) {
	id := c.Param("conversationId")
	conv, err := models.GetConversation(h.db, id)
	if errors.Is(err, models.ErrConversationNotFound) {
		response.NotFound(c, "conversation not found")
		return
	}
	if err != nil {
		response.ServerError(c, "failed to load conversation")
		return
	}
	archived, err := models.ArchiveConversation(h.db, conv.ID)
	if err != nil {
		logger.Error("archive conversation failed", zap.String("conversationId", id), zap.Error(err))
		response.ServerError(c, "failed to archive conversation")
		return
	}
	if !archived && conv.Status != models.ConversationStatusArchived {
		response.AbortWithStatus(c, http.StatusConflict, "conversation is still active")
		return
	}
	response.Success(c, "conversation archived", gin.H{"conversationId": conv.ID})
}
