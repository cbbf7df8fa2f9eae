package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/code-100-precent/LingDesk/cmd/bootstrap"
	"github.com/code-100-precent/LingDesk/internal/engine"
	handlers "github.com/code-100-precent/LingDesk/internal/handler"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/internal/postcall"
	"github.com/code-100-precent/LingDesk/internal/providers"
	"github.com/code-100-precent/LingDesk/internal/task"
	"github.com/code-100-precent/LingDesk/internal/tools"
	"github.com/code-100-precent/LingDesk/internal/voice"
	"github.com/code-100-precent/LingDesk/internal/webhooks"
	"github.com/code-100-precent/LingDesk/pkg/cache"
	"github.com/code-100-precent/LingDesk/pkg/config"
	"github.com/code-100-precent/LingDesk/pkg/events"
	"github.com/code-100-precent/LingDesk/pkg/knowledge"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/code-100-precent/LingDesk/pkg/middleware"
	"github.com/code-100-precent/LingDesk/pkg/notification"
	"github.com/code-100-precent/LingDesk/pkg/pubsub"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// deskApp 进程内所有长生命周期组件
type deskApp struct {
	db        *gorm.DB
	metrics   *metrics.Metrics
	publisher pubsub.Publisher
	scheduler *task.Scheduler
	handlers  *handlers.Handlers
	closers   []func() error
}

func newDeskApp(ctx context.Context, db *gorm.DB, cfg *config.Config) (*deskApp, error) {
	app := &deskApp{db: db, metrics: metrics.Default()}
	m := app.metrics

	// 1. 大模型与检索
	model := llm.NewOpenAIModel(cfg.LLMApiKey, cfg.LLMBaseURL, cfg.LLMModel)
	model.OnUsage(func(name string, usage llm.Usage, _ time.Duration, err error) {
		if err == nil {
			m.ObserveTokens(name, usage.PromptTokens, usage.CompletionTokens)
		}
	})
	var retriever knowledge.Retriever = knowledge.NoopRetriever{}
	if cfg.QdrantURL != "" {
		store, err := knowledge.NewQdrantStore(knowledge.QdrantConfig{
			URL:    cfg.QdrantURL,
			APIKey: cfg.QdrantApiKey,
			UseTLS: cfg.QdrantUseTLS,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		embedder := llm.NewOpenAIEmbedder(cfg.LLMApiKey, cfg.LLMBaseURL, cfg.EmbeddingModel)
		retriever = knowledge.NewVectorRetriever(embedder, store, cfg.QdrantFAQCollection, cfg.QdrantDocCollection)
	} else {
		logger.Warn("QDRANT_URL not set, answering without retrieved knowledge")
	}

	// 2. 集成事件：webhook 与消息队列
	app.publisher = pubsub.NoopPublisher{}
	if cfg.AMQPURL != "" {
		publisher, err := pubsub.New(ctx, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("rabbitmq unavailable, integration events go to webhooks only", zap.Error(err))
		} else {
			app.publisher = publisher
		}
	}
	app.closers = append(app.closers, app.publisher.Close)
	dispatcher := webhooks.NewDispatcher(db, app.publisher, m)

	// 3. 工具
	registry := tools.NewRegistry(m)
	if cfg.CalendarBaseURL != "" {
		calendar := tools.NewHTTPCalendar(cfg.CalendarBaseURL, cfg.CalendarApiKey)
		registry.Register(tools.NewCheckAvailabilityTool(calendar, dispatcher))
		registry.Register(tools.NewBookAppointmentTool(calendar, dispatcher, db))
	}
	var executor tools.Executor = registry
	if cfg.ToolsRemoteURL != "" {
		executor = tools.NewRemoteExecutor(registry, cfg.ToolsRemoteURL, cfg.InternalAPISecret)
	}

	// 4. 通知
	var (
		mailer notification.Mailer
		sms    notification.SMSSender
	)
	if cfg.Mail.Host != "" {
		mailer = notification.NewMailNotification(cfg.Mail)
	}
	if cfg.SMS.AccountSID != "" {
		sms = notification.NewTwilioSMS(cfg.SMS)
	}

	// 5. 对话服务与后处理
	bus := events.GetEventBus()
	eng := engine.New(engine.Options{
		DB:            db,
		Model:         model,
		Retriever:     retriever,
		Tools:         executor,
		Metrics:       m,
		StreamTimeout: cfg.LLMStreamTimeout,
	})
	service := engine.NewService(db, eng, engine.NewEscalationNotifier(mailer, sms, dispatcher, bus), m)

	processor := postcall.New(postcall.Options{
		DB:         db,
		Model:      model,
		ModelName:  cfg.LLMModel,
		Mailer:     mailer,
		SMS:        sms,
		Dispatcher: dispatcher,
		Bus:        bus,
		Metrics:    m,
	})
	processor.Listen()

	app.scheduler = task.NewScheduler(dispatcher, processor)
	if err := app.scheduler.Start(task.DefaultSchedule); err != nil {
		return nil, err
	}

	// 6. 语音
	lookup := models.NewAgentLookup(db, cache.GetGlobalCache(), models.DefaultAgentCacheTTL)
	serverURL := strings.TrimRight(cfg.ServerUrl, "/")
	router := providers.NewRouter(
		providers.NewRetellProvider(providers.RetellConfig{
			APIKey:          cfg.RetellApiKey,
			BaseURL:         cfg.RetellBaseURL,
			WebhookSecret:   cfg.RetellWebhookSecret,
			WebhookURL:      serverURL + "/webhooks/retell",
			LLMWebsocketURL: cfg.RetellLLMWebsocketURL,
		}),
		providers.NewBolnaProvider(providers.BolnaConfig{
			APIKey:        cfg.BolnaApiKey,
			BaseURL:       cfg.BolnaBaseURL,
			WebhookSecret: cfg.BolnaWebhookSecret,
			WebhookURL:    serverURL + "/webhooks/bolna",
		}),
	)
	bridge := voice.NewBridge(db, lookup, service, m, voice.Config{
		Secret:     cfg.RetellWSSecret,
		Production: cfg.IsProduction(),
	})

	app.handlers = handlers.NewHandlers(handlers.Options{
		DB:       db,
		Service:  service,
		Agents:   lookup,
		Router:   router,
		PostCall: processor,
		Bridge:   bridge,
		Tools:    registry,
		Metrics:  m,
		Config:   cfg,
	})
	return app, nil
}

func (app *deskApp) RegisterRoutes(r *gin.Engine) {
	app.handlers.Register(r)
}

func (app *deskApp) Close() {
	app.scheduler.Stop()
	// 等待已发布的后处理事件跑完
	events.GetEventBus().Wait()
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			logger.Warn("close component failed", zap.Error(err))
		}
	}
}

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	initSQL := flag.String("init-sql", "", "path to database init .sql script (optional)")
	migrate := flag.Bool("migrate", true, "auto migrate tables on startup")
	flag.Parse()

	// 2. Set Environment Variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 3. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig

	// 4. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("checked config",
		zap.String("addr", cfg.Addr),
		zap.String("db-driver", cfg.DBDriver),
		zap.String("mode", cfg.Mode))
	if cfg.IsProduction() {
		for name, v := range map[string]string{
			"RETELL_WS_SECRET":      cfg.RetellWSSecret,
			"RETELL_WEBHOOK_SECRET": cfg.RetellWebhookSecret,
			"INTERNAL_API_SECRET":   cfg.InternalAPISecret,
		} {
			if v == "" {
				logger.Warn("secret not configured, related endpoints will reject requests", zap.String("env", name))
			}
		}
	}

	// 5. Load Data Source
	db, err := bootstrap.SetupDatabase(os.Stdout, &bootstrap.Options{
		InitSQLPath: *initSQL,
		AutoMigrate: *migrate,
		SeedNonProd: !cfg.IsProduction(),
	})
	if err != nil {
		logger.Error("database setup failed", zap.Error(err))
		return
	}

	// 6. Load Global Cache
	if err := cache.InitGlobalCache(cfg.Cache); err != nil {
		logger.Error("failed to initialize cache", zap.Error(err))
		logger.Info("falling back to default local cache")
	}
	defer cache.CloseGlobalCache()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 7. New App
	app, err := newDeskApp(ctx, db, cfg)
	if err != nil {
		logger.Error("app wiring failed", zap.Error(err))
		return
	}
	defer app.Close()

	// 8. Initialize Gin Routing
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(app.metrics.GinMiddleware())
	r.Use(middleware.CorsMiddleware())
	r.Use(middleware.LoggerMiddleware(zap.L()))

	apiPrefix := cfg.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api"
	}
	middleware.SetRateLimiterConfig(middleware.RateLimiterConfig{
		Rate:        cfg.RateLimit,
		Identifier:  "ip",
		AddHeaders:  true,
		DenyStatus:  http.StatusTooManyRequests,
		DenyMessage: "Requests too frequent, please try again later",
		PerRouteRates: map[string]string{
			apiPrefix + "/chat": cfg.ChatRateLimit, // 公开聊天组件，单 IP 更严格
		},
		SkipPaths: []string{
			"/health",
			cfg.MonitorPrefix,
			"/ws/",
			"/webhooks/",
			"/internal/",
		},
	})
	r.Use(middleware.RateLimiterMiddleware())

	// 9. Register Routes
	app.RegisterRoutes(r)

	// 10. Start HTTP Server
	addr := cfg.Addr
	if addr == "" {
		addr = ":7072"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
		// SSE 与 WebSocket 是长连接，不设置 WriteTimeout
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server run failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
