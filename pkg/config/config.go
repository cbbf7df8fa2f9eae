package config

import (
	"log"
	"os"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/cache"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/notification"
	"github.com/code-100-precent/LingDesk/pkg/utils"
)

// Config 系统配置
type Config struct {
	ServerName string `env:"SERVER_NAME"`
	ServerUrl  string `env:"SERVER_URL"`
	DBDriver   string `env:"DB_DRIVER"`
	DSN        string `env:"DSN"`
	Log        logger.LogConfig
	Mail       notification.MailConfig
	SMS        notification.TwilioConfig
	Addr       string `env:"ADDR"`
	Mode       string `env:"MODE"`
	APIPrefix  string `env:"API_PREFIX"`

	MonitorPrefix string `env:"MONITOR_PREFIX"`
	RateLimit     string `env:"RATE_LIMIT"`      // 全局限流，如 1000-M
	ChatRateLimit string `env:"CHAT_RATE_LIMIT"` // 聊天接口单 IP 限流

	// 大模型配置
	LLMApiKey        string        `env:"LLM_API_KEY"`
	LLMBaseURL       string        `env:"LLM_BASE_URL"`
	LLMModel         string        `env:"LLM_MODEL"`
	EmbeddingModel   string        `env:"EMBEDDING_MODEL"`
	LLMStreamTimeout time.Duration `env:"LLM_STREAM_TIMEOUT"`

	// 检索配置
	QdrantURL           string `env:"QDRANT_URL"` // host:port，为空时关闭检索
	QdrantApiKey        string `env:"QDRANT_API_KEY"`
	QdrantUseTLS        bool   `env:"QDRANT_USE_TLS"`
	QdrantFAQCollection string `env:"QDRANT_FAQ_COLLECTION"`
	QdrantDocCollection string `env:"QDRANT_DOC_COLLECTION"`

	// 语音厂商配置
	RetellApiKey          string `env:"RETELL_API_KEY"`
	RetellBaseURL         string `env:"RETELL_BASE_URL"`
	RetellWSSecret        string `env:"RETELL_WS_SECRET"`
	RetellWebhookSecret   string `env:"RETELL_WEBHOOK_SECRET"`
	RetellLLMWebsocketURL string `env:"RETELL_LLM_WEBSOCKET_URL"`
	BolnaApiKey           string `env:"BOLNA_API_KEY"`
	BolnaBaseURL          string `env:"BOLNA_BASE_URL"`
	BolnaWebhookSecret    string `env:"BOLNA_WEBHOOK_SECRET"`

	// 日历
	CalendarBaseURL string `env:"CALENDAR_BASE_URL"`
	CalendarApiKey  string `env:"CALENDAR_API_KEY"`

	// 内部调用
	InternalAPISecret string `env:"INTERNAL_API_SECRET"`
	ToolsRemoteURL    string `env:"TOOLS_REMOTE_URL"`

	// 消息队列
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE"`

	ChatMaxMessageLength int `env:"CHAT_MAX_MESSAGE_LENGTH"`

	// 缓存配置
	Cache cache.Config
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件（如果不存在也不报错，使用默认值）
	env := os.Getenv("APP_ENV")
	err := utils.LoadEnv(env)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		ServerName: getStringOrDefault("SERVER_NAME", "LingDesk"),
		ServerUrl:  getStringOrDefault("SERVER_URL", "http://localhost:7072"),
		DBDriver:   getStringOrDefault("DB_DRIVER", "sqlite"),
		DSN:        getStringOrDefault("DSN", "./lingdesk.db"),
		Addr:       getStringOrDefault("ADDR", ":7072"),
		Mode:       getStringOrDefault("MODE", "development"),
		APIPrefix:  getStringOrDefault("API_PREFIX", "/api"),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/app.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Mail: notification.MailConfig{
			Host:     getStringOrDefault("MAIL_HOST", ""),
			Username: getStringOrDefault("MAIL_USERNAME", ""),
			Password: getStringOrDefault("MAIL_PASSWORD", ""),
			Port:     int64(getIntOrDefault("MAIL_PORT", 587)),
			From:     getStringOrDefault("MAIL_FROM", ""),
		},
		SMS: notification.TwilioConfig{
			AccountSID: getStringOrDefault("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getStringOrDefault("TWILIO_AUTH_TOKEN", ""),
			From:       getStringOrDefault("TWILIO_FROM_NUMBER", ""),
			BaseURL:    getStringOrDefault("TWILIO_BASE_URL", "https://api.twilio.com"),
		},
		MonitorPrefix:    getStringOrDefault("MONITOR_PREFIX", "/metrics"),
		RateLimit:        getStringOrDefault("RATE_LIMIT", "1000-M"),
		ChatRateLimit:    getStringOrDefault("CHAT_RATE_LIMIT", "60-M"),
		LLMApiKey:        getStringOrDefault("LLM_API_KEY", ""),
		LLMBaseURL:       getStringOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:         getStringOrDefault("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingModel:   getStringOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMStreamTimeout: getDurationOrDefault("LLM_STREAM_TIMEOUT", 30*time.Second),
		// 检索
		QdrantURL:           getStringOrDefault("QDRANT_URL", ""),
		QdrantApiKey:        getStringOrDefault("QDRANT_API_KEY", ""),
		QdrantUseTLS:        getBoolOrDefault("QDRANT_USE_TLS", false),
		QdrantFAQCollection: getStringOrDefault("QDRANT_FAQ_COLLECTION", "faqs"),
		QdrantDocCollection: getStringOrDefault("QDRANT_DOC_COLLECTION", "documents"),
		// 语音厂商
		RetellApiKey:          getStringOrDefault("RETELL_API_KEY", ""),
		RetellBaseURL:         getStringOrDefault("RETELL_BASE_URL", "https://api.retellai.com"),
		RetellWSSecret:        getStringOrDefault("RETELL_WS_SECRET", ""),
		RetellWebhookSecret:   getStringOrDefault("RETELL_WEBHOOK_SECRET", ""),
		RetellLLMWebsocketURL: getStringOrDefault("RETELL_LLM_WEBSOCKET_URL", "wss://localhost:7072/ws/retell/llm"),
		BolnaApiKey:           getStringOrDefault("BOLNA_API_KEY", ""),
		BolnaBaseURL:          getStringOrDefault("BOLNA_BASE_URL", "https://api.bolna.dev"),
		BolnaWebhookSecret:    getStringOrDefault("BOLNA_WEBHOOK_SECRET", ""),
		// 日历
		CalendarBaseURL: getStringOrDefault("CALENDAR_BASE_URL", ""),
		CalendarApiKey:  getStringOrDefault("CALENDAR_API_KEY", ""),
		// 内部调用
		InternalAPISecret: getStringOrDefault("INTERNAL_API_SECRET", ""),
		ToolsRemoteURL:    getStringOrDefault("TOOLS_REMOTE_URL", ""),
		// 消息队列
		AMQPURL:      getStringOrDefault("AMQP_URL", ""),
		AMQPExchange: getStringOrDefault("AMQP_EXCHANGE", "lingdesk.events"),

		ChatMaxMessageLength: getIntOrDefault("CHAT_MAX_MESSAGE_LENGTH", 5000),
		// 缓存配置
		Cache: loadCacheConfig(),
	}
	return nil
}

// IsProduction 生产环境下鉴权密钥为必填
func (c *Config) IsProduction() bool {
	return c != nil && c.Mode == "production"
}

// getStringOrDefault 获取环境变量值，如果为空则返回默认值
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault 获取布尔环境变量值，如果为空则返回默认值
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault 获取整数环境变量值，如果为空则返回默认值
func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(utils.GetEnv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// loadCacheConfig 加载缓存配置，设置所有默认值
func loadCacheConfig() cache.Config {
	return cache.Config{
		Type: getStringOrDefault("CACHE_TYPE", "local"),
		Redis: cache.RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     utils.GetEnv("REDIS_PASSWORD"),
			DB:           int(utils.GetIntEnv("REDIS_DB")),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  getDurationOrDefault("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationOrDefault("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationOrDefault("REDIS_WRITE_TIMEOUT", 3*time.Second),
			IdleTimeout:  getDurationOrDefault("REDIS_IDLE_TIMEOUT", 5*time.Minute),
		},
		Local: cache.LocalConfig{
			MaxSize:           getIntOrDefault("LOCAL_CACHE_MAX_SIZE", 1000),
			DefaultExpiration: getDurationOrDefault("LOCAL_CACHE_DEFAULT_EXPIRATION", 5*time.Minute),
			CleanupInterval:   getDurationOrDefault("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
	}
}
