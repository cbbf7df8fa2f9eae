package handlers

import (
	"context"

	"github.com/code-100-precent/LingDesk/internal/engine"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/providers"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/pkg/config"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/middleware"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// TurnService 聊天与短信入口使用的对话服务
type TurnService interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.Reply, error)
	HandleStreamTurn(ctx context.Context, req engine.TurnRequest, hooks engine.StreamHooks) (*engine.Reply, error)
}

// AgentStore agent 查询，生产环境为带缓存的 models.AgentLookup
type AgentStore interface {
	ByID(ctx context.Context, id string) (*models.Agent, error)
	ByProviderAgentID(ctx context.Context, providerAgentID string) (*models.Agent, error)
	ByPhoneNumber(ctx context.Context, number string) (*models.Agent, error)
	Invalidate(ctx context.Context, agent *models.Agent)
}

// PostCall 通话后处理入口
type PostCall interface {
	Trigger(conversationID, source string)
	Process(ctx context.Context, conversationID string) error
}

// VoiceBridge 语音 WebSocket 入口
type VoiceBridge interface {
	HandleWebSocket(c *gin.Context)
}

// Options 构造参数，Bridge/Router/PostCall 为空时对应路由不注册
type Options struct {
	DB       *gorm.DB
	Service  TurnService
	Agents   AgentStore
	Router   *providers.Router
	PostCall PostCall
	Bridge   VoiceBridge
	Tools    tools.Executor
	Metrics  *metrics.Metrics
	Config   *config.Config
}

type Handlers struct {
	db       *gorm.DB
	service  TurnService
	agents   AgentStore
	router   *providers.Router
	postCall PostCall
	bridge   VoiceBridge
	tools    tools.Executor
	metrics  *metrics.Metrics
	cfg      *config.Config
}

func NewHandlers(opts Options) *Handlers {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.GlobalConfig
	}
	if cfg == nil {
		cfg = &config.Config{APIPrefix: "/api", ChatMaxMessageLength: DefaultMaxMessageLength}
	}
	return &Handlers{
		db:       opts.DB,
		service:  opts.Service,
		agents:   opts.Agents,
		router:   opts.Router,
		postCall: opts.PostCall,
		bridge:   opts.Bridge,
		tools:    opts.Tools,
		metrics:  opts.Metrics,
		cfg:      cfg,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	h.registerSystemRoutes(engine)

	r := engine.Group(h.apiPrefix())
	h.registerChatRoutes(r)
	h.registerProvisioningRoutes(r)

	h.registerWebhookRoutes(engine.Group("/webhooks"))
	if h.bridge != nil {
		engine.GET("/ws/retell/llm/:callId", h.bridge.HandleWebSocket)
	}
	h.registerInternalRoutes(engine.Group("/internal"))
}

func (h *Handlers) apiPrefix() string {
	if h.cfg.APIPrefix == "" {
		return "/api"
	}
	return h.cfg.APIPrefix
}

// registerSystemRoutes 健康检查与指标
func (h *Handlers) registerSystemRoutes(engine *gin.Engine) {
	engine.GET("/health", h.HealthCheck)
	if h.metrics != nil {
		prefix := h.cfg.MonitorPrefix
		if prefix == "" {
			prefix = "/metrics"
		}
		engine.GET(prefix, gin.WrapH(h.metrics.Handler()))
	}
}

// registerChatRoutes 网页聊天组件
func (h *Handlers) registerChatRoutes(r *gin.RouterGroup) {
	chat := r.Group("chat")
	{
		chat.POST("", h.Chat)
		chat.POST(":conversationId/close", h.CloseChat)
	}
}

// registerWebhookRoutes 短信与语音厂商回调，各自按签名鉴权
func (h *Handlers) registerWebhookRoutes(r *gin.RouterGroup) {
	r.POST("sms", h.SMSWebhook)
	if h.router != nil {
		r.POST("retell", h.CallWebhook(models.VoiceProviderRetell))
		r.POST("bolna", h.CallWebhook(models.VoiceProviderBolna))
	}
}

// registerProvisioningRoutes 号码与厂商 agent 配置，仅供管理端内部调用
func (h *Handlers) registerProvisioningRoutes(r *gin.RouterGroup) {
	if h.router == nil {
		return
	}
	agents := r.Group("agents/:id", middleware.InternalAuth(h.cfg.InternalAPISecret))
	{
		agents.POST("phone-number", h.ProvisionPhoneNumber)
		agents.DELETE("phone-number", h.ReleasePhoneNumber)
		agents.PUT("voice-config", h.UpdateVoiceConfig)
	}
}

// registerInternalRoutes 服务间调用
func (h *Handlers) registerInternalRoutes(r *gin.RouterGroup) {
	r.Use(middleware.InternalAuth(h.cfg.InternalAPISecret))
	r.POST("tools/execute", h.ExecuteTool)
	r.POST("post-call", h.TriggerPostCall)
	r.POST("conversations/:conversationId/archive", h.ArchiveConversation)
}
