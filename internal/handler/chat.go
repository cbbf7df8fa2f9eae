package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/code-100-precent/LingDesk/internal/engine"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/response"
	"github.com/code-100-precent/LingDesk/pkg/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultMaxMessageLength 聊天消息长度上限（字符数）
const DefaultMaxMessageLength = 5000

type chatRequest struct {
	AgentID        string `json:"agentId" binding:"required"`
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId"`
	Message        string `json:"message"`
}

type chatReply struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId"`
}

// chatChunk SSE 数据帧，最后一帧 done=true 并带上会话标识
type chatChunk struct {
	Content        string `json:"content"`
	Done           bool   `json:"done"`
	ConversationID string `json:"conversationId,omitempty"`
	VisitorID      string `json:"visitorId,omitempty"`
}

func (h *Handlers) maxMessageLength() int {
	if h.cfg.ChatMaxMessageLength > 0 {
		return h.cfg.ChatMaxMessageLength
	}
	return DefaultMaxMessageLength
}

// Chat POST {api}/chat，?stream=true 时以 SSE 逐段返回
func (h *Handlers) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		response.BadRequest(c, "message is required")
		return
	}
	if max := h.maxMessageLength(); utf8.RuneCountInString(req.Message) > max {
		response.BadRequest(c, fmt.Sprintf("message exceeds %d characters", max))
		return
	}

	ctx := c.Request.Context()
	agent, err := h.agents.ByID(ctx, req.AgentID)
	if errors.Is(err, models.ErrAgentNotFound) || (err == nil && !agent.Active) {
		response.NotFound(c, "agent not found")
		return
	}
	if err != nil {
		logger.Error("load agent failed", zap.String("agentId", req.AgentID), zap.Error(err))
		response.ServerError(c, "failed to load agent")
		return
	}

	conv, err := h.chatConversation(agent, req)
	if err != nil {
		logger.Error("create chat conversation failed", zap.String("agentId", agent.ID), zap.Error(err))
		response.ServerError(c, "failed to start conversation")
		return
	}

	turn := engine.TurnRequest{Agent: agent, Conversation: conv, UserMessage: req.Message}
	if c.Query("stream") == "true" {
		h.streamChat(c, turn)
		return
	}

	reply, err := h.service.HandleTurn(ctx, turn)
	if err != nil && !(errors.Is(err, engine.ErrUpstream) && reply != nil) {
		h.turnError(c, conv, err)
		return
	}
	if err != nil {
		// 模型不可用时回复已是兜底文案，照常返回
		logger.Warn("chat turn degraded", zap.String("conversationId", conv.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, chatReply{
		Message:        reply.Text,
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
	})
}

// chatConversation 沿用同一 agent 下进行中的聊天会话，否则新建
func (h *Handlers) chatConversation(agent *models.Agent, req chatRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := models.GetConversation(h.db, req.ConversationID)
		switch {
		case err == nil && conv.AgentID == agent.ID && conv.Channel == models.ChannelChat && conv.Status == models.ConversationStatusActive:
			return conv, nil
		case err != nil && !errors.Is(err, models.ErrConversationNotFound):
			return nil, err
		}
		logger.Info("chat conversation not reusable, starting a new one",
			zap.String("conversationId", req.ConversationID),
			zap.String("agentId", agent.ID))
	}

	visitorID := strings.TrimSpace(req.VisitorID)
	if visitorID == "" {
		visitorID = utils.NewVisitorID()
	}
	conv := &models.Conversation{
		AgentID:   agent.ID,
		Channel:   models.ChannelChat,
		VisitorID: visitorID,
	}
	if err := models.CreateConversation(h.db, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (h *Handlers) streamChat(c *gin.Context, turn engine.TurnRequest) {
	// 设置 SSE 响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	conv := turn.Conversation
	_, err := h.service.HandleStreamTurn(c.Request.Context(), turn, engine.StreamHooks{
		OnDelta: func(delta string) error {
			if err := c.Request.Context().Err(); err != nil {
				return err
			}
			return writeChunk(c, chatChunk{Content: delta})
		},
	})
	if err != nil {
		logger.Warn("chat stream turn failed", zap.String("conversationId", conv.ID), zap.Error(err))
	}
	if err := writeChunk(c, chatChunk{Done: true, ConversationID: conv.ID, VisitorID: conv.VisitorID}); err != nil {
		logger.Debug("final chat chunk not delivered", zap.String("conversationId", conv.ID), zap.Error(err))
	}
}

func writeChunk(c *gin.Context, chunk chatChunk) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", raw); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *Handlers) turnError(c *gin.Context, conv *models.Conversation, err error) {
	if errors.Is(err, engine.ErrEmptyMessage) {
		response.BadRequest(c, "message is required")
		return
	}
	logger.Error("chat turn failed", zap.String("conversationId", conv.ID), zap.Error(err))
	response.ServerError(c, "failed to process message")
}

// CloseChat POST {api}/chat/:conversationId/close
func (h *Handlers) CloseChat(c *gin.Context) {
	id := c.Param("conversationId")
	conv, err := models.GetConversation(h.db, id)
	if errors.Is(err, models.ErrConversationNotFound) {
		response.NotFound(c, "conversation not found")
		return
	}
	if err != nil {
		logger.Error("load conversation failed", zap.String("conversationId", id), zap.Error(err))
		response.ServerError(c, "failed to load conversation")
		return
	}

	closed, err := models.CloseConversation(h.db, conv.ID)
	if err != nil {
		logger.Error("close conversation failed", zap.String("conversationId", id), zap.Error(err))
		response.ServerError(c, "failed to close conversation")
		return
	}
	// 只有本次真正关闭时才触发后处理
	if closed && h.postCall != nil {
		h.postCall.Trigger(conv.ID, "chat.close")
	}
	response.Success(c, "conversation closed", gin.H{"conversationId": conv.ID, "closed": closed})
}
