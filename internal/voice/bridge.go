package voice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/code-100-precent/LingDesk/internal/engine"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	AuthQueryParam = "auth"
	AuthHeader     = "x-retell-auth"

	// HoldMessage 开始调用工具时先给来电者的过渡语，不落库
	HoldMessage = "One moment while I check that for you."
	// UnboundApology 会话未绑定时的回复
	UnboundApology = "I'm sorry, I'm having trouble pulling up your details right now. Could you please call back in a few minutes?"
	// reminderNudge 来电者一直没说话时替代用户输入
	reminderNudge = "(The caller has been silent for a while. Gently check whether they are still there.)"

	readLimit   = 1 << 20
	idleTimeout = 2 * time.Minute
)

// TurnHandler 语音回合交给对话服务处理
type TurnHandler interface {
	HandleStreamTurn(ctx context.Context, req engine.TurnRequest, hooks engine.StreamHooks) (*engine.Reply, error)
}

// AgentResolver 按厂商 agent id 或本地 id 查找
type AgentResolver interface {
	ByProviderAgentID(ctx context.Context, providerAgentID string) (*models.Agent, error)
	ByID(ctx context.Context, id string) (*models.Agent, error)
}

// Config 鉴权配置；Secret 为空时生产环境拒绝连接
type Config struct {
	Secret     string
	Production bool
}

// Bridge Retell custom LLM WebSocket 协议到对话引擎的桥接
type Bridge struct {
	db       *gorm.DB
	agents   AgentResolver
	turns    TurnHandler
	metrics  *metrics.Metrics
	cfg      Config
	upgrader websocket.Upgrader
}

func NewBridge(db *gorm.DB, agents AgentResolver, turns TurnHandler, m *metrics.Metrics, cfg Config) *Bridge {
	return &Bridge{
		db:      db,
		agents:  agents,
		turns:   turns,
		metrics: m,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 厂商服务端连接，不校验来源
			},
		},
	}
}

// Authorize 返回 0 表示通过，否则为应返回的 HTTP 状态码
func (b *Bridge) Authorize(r *http.Request) int {
	if b.cfg.Secret == "" {
		if b.cfg.Production {
			return http.StatusInternalServerError
		}
		return 0
	}
	token := r.URL.Query().Get(AuthQueryParam)
	if token == "" {
		token = r.Header.Get(AuthHeader)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(b.cfg.Secret)) != 1 {
		return http.StatusUnauthorized
	}
	return 0
}

// HandleWebSocket GET /ws/retell/llm/:callId
func (b *Bridge) HandleWebSocket(c *gin.Context) {
	callID := c.Param("callId")
	if status := b.Authorize(c.Request); status != 0 {
		if status == http.StatusInternalServerError {
			logger.Error("voice websocket secret not configured", zap.String("callId", callID))
			response.AbortWithStatus(c, status, "voice bridge not configured")
			return
		}
		logger.Warn("voice websocket rejected", zap.String("callId", callID), zap.String("remote", c.ClientIP()))
		response.AbortWithStatus(c, status, "unauthorized")
		return
	}

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("voice websocket upgrade failed", zap.String("callId", callID), zap.Error(err))
		return
	}
	b.Serve(c.Request.Context(), conn, callID)
}

// Serve 处理一个已升级的连接直到关闭
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn, pathCallID string) {
	defer conn.Close()
	b.metrics.VoiceSessionOpened()
	defer b.metrics.VoiceSessionClosed()

	c := &connection{
		bridge:  b,
		writer:  NewFrameWriter(conn, b.metrics),
		session: &Session{PathCallID: pathCallID},
		ctx:     ctx,
	}

	if err := c.writer.SendConfig(); err != nil {
		logger.Warn("send config frame failed", zap.String("callId", pathCallID), zap.Error(err))
		return
	}
	logger.Info("voice session opened", zap.String("callId", pathCallID))

	conn.SetReadLimit(readLimit)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("voice session read ended", zap.String("callId", pathCallID), zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("ignoring malformed voice frame", zap.String("callId", pathCallID), zap.Error(err))
			continue
		}
		b.metrics.ObserveVoiceFrame("in", frame.InteractionType)
		c.handle(frame)
	}
	logger.Info("voice session closed",
		zap.String("callId", pathCallID),
		zap.Bool("bound", c.session.Bound()))
}

// connection 单个连接；帧按到达顺序逐个处理完再读下一帧
type connection struct {
	bridge  *Bridge
	writer  *FrameWriter
	session *Session
	ctx     context.Context
}

func (c *connection) handle(frame InboundFrame) {
	switch frame.InteractionType {
	case InteractionPingPong:
		if err := c.writer.SendPong(frame.Timestamp); err != nil {
			logger.Debug("send pong failed", zap.Error(err))
		}
	case InteractionCallDetails:
		c.bindCall(frame.Call)
	case InteractionUpdateOnly:
	case InteractionResponseRequired, InteractionReminderRequired:
		c.dispatchTurn(frame)
	default:
		logger.Debug("ignoring voice frame", zap.String("interactionType", frame.InteractionType))
	}
}

// bindCall 查找 agent 并创建或复用通话对应的对话
func (c *connection) bindCall(call *CallInfo) {
	b := c.bridge
	if call == nil {
		logger.Warn("call_details without call payload", zap.String("callId", c.session.PathCallID))
		return
	}
	callID := call.CallID
	if callID == "" {
		callID = c.session.PathCallID
	}

	agent, err := b.agents.ByProviderAgentID(c.ctx, call.AgentID)
	if err == nil && !agent.Active {
		err = models.ErrAgentNotFound
	}
	if err != nil {
		logger.Warn("voice call left unbound",
			zap.String("callId", callID),
			zap.String("providerAgentId", call.AgentID),
			zap.Error(err))
		return
	}

	// 断线重连时复用已有对话
	if conv, err := models.GetConversationByCallID(b.db, callID); err == nil {
		c.session.bind(agent, conv)
		logger.Info("voice session rebound", zap.String("callId", callID), zap.String("conversationId", conv.ID))
		return
	}

	visitor := call.FromNumber
	if visitor == "" {
		visitor = callID
	}
	conv := &models.Conversation{
		AgentID:    agent.ID,
		Channel:    models.ChannelVoice,
		VisitorID:  visitor,
		CallID:     &callID,
		CallStatus: models.CallStatusInProgress,
		FromNumber: call.FromNumber,
		ToNumber:   call.ToNumber,
	}
	if err := models.CreateConversation(b.db, conv); err != nil {
		// 并发的 call started 回调可能已建好
		existing, gerr := models.GetConversationByCallID(b.db, callID)
		if gerr != nil {
			logger.Error("create voice conversation failed", zap.String("callId", callID), zap.Error(err))
			return
		}
		conv = existing
	} else if err := models.RecordAnalyticsEvent(b.db, agent.ID, conv.ID, models.EventCallStarted, models.JSONMap{
		"callId":     callID,
		"fromNumber": call.FromNumber,
		"toNumber":   call.ToNumber,
	}); err != nil {
		logger.Warn("record call_started failed", zap.String("callId", callID), zap.Error(err))
	}

	c.session.bind(agent, conv)
	logger.Info("voice session bound",
		zap.String("callId", callID),
		zap.String("agentId", agent.ID),
		zap.String("conversationId", conv.ID))
}

// rehydrate 未收到 call_details 时按路径中的 call id 恢复会话
func (c *connection) rehydrate() bool {
	b := c.bridge
	conv, err := models.GetConversationByCallID(b.db, c.session.PathCallID)
	if err != nil || conv.Channel != models.ChannelVoice {
		return false
	}
	agent, err := b.agents.ByID(c.ctx, conv.AgentID)
	if err != nil {
		logger.Warn("rehydrate agent lookup failed", zap.String("callId", c.session.PathCallID), zap.Error(err))
		return false
	}
	c.session.bind(agent, conv)
	logger.Info("voice session rehydrated",
		zap.String("callId", c.session.PathCallID),
		zap.String("conversationId", conv.ID))
	return true
}

func (c *connection) dispatchTurn(frame InboundFrame) {
	if !c.session.Bound() && !c.rehydrate() {
		logger.Warn("response requested before call_details",
			zap.String("callId", c.session.PathCallID),
			zap.Int64("responseId", frame.ResponseID))
		if err := c.writer.SendComplete(frame.ResponseID, UnboundApology); err != nil {
			logger.Debug("send apology failed", zap.Error(err))
		}
		return
	}

	sess := c.session.snapshot()
	reminder := frame.InteractionType == InteractionReminderRequired
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("voice turn panicked", zap.String("callId", sess.CallID), zap.Any("panic", rec))
			_ = c.writer.SendComplete(frame.ResponseID, sess.Agent.Fallback())
		}
	}()
	c.respond(sess, frame, reminder)
}

// respond 增量帧逐个下发，最后一帧 content_complete=true
func (c *connection) respond(sess Session, frame InboundFrame, reminder bool) {
	id := frame.ResponseID
	history, userMessage := TranscriptToHistory(frame.Transcript)

	if userMessage == "" && !reminder {
		// 来电者还没开口，先问候
		greeting := sess.Agent.Greeting
		if greeting == "" {
			greeting = sess.Agent.Fallback()
		}
		if _, err := models.CreateMessage(c.bridge.db, sess.Conversation.ID, models.RoleAssistant, greeting, models.JSONMap{"greeting": true}); err != nil {
			logger.Warn("persist greeting failed", zap.String("conversationId", sess.Conversation.ID), zap.Error(err))
		}
		_ = c.writer.SendComplete(id, greeting)
		return
	}
	if userMessage == "" {
		userMessage = reminderNudge
	}

	hooks := engine.StreamHooks{
		OnDelta: func(delta string) error {
			return c.writer.SendDelta(id, delta)
		},
		OnToolPhase: func() {
			_ = c.writer.SendDelta(id, HoldMessage+" ")
		},
	}
	reply, err := c.bridge.turns.HandleStreamTurn(c.ctx, engine.TurnRequest{
		Agent:        sess.Agent,
		Conversation: sess.Conversation,
		UserMessage:  userMessage,
		History:      history,
		Reminder:     reminder,
	}, hooks)
	if err != nil && !errors.Is(err, engine.ErrUpstream) {
		logger.Error("voice turn failed", zap.String("callId", sess.CallID), zap.Error(err))
	}
	final := ""
	if reply == nil {
		final = sess.Agent.Fallback()
	}
	if err := c.writer.SendComplete(id, final); err != nil {
		logger.Debug("send complete failed", zap.String("callId", sess.CallID), zap.Error(err))
	}
}
