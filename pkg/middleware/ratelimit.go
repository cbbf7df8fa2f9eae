package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// RateLimiterConfig 限流配置
type RateLimiterConfig struct {
	Rate          string            // 默认速率，如 1000-M
	Identifier    string            // ip 或 header:<name>
	AddHeaders    bool              // 返回 X-RateLimit-* 头
	DenyStatus    int               // 触发限流时的状态码
	DenyMessage   string            // 触发限流时的提示
	PerRouteRates map[string]string // 路径前缀 -> 速率
	SkipPaths     []string          // 不限流的路径前缀
}

type routeLimiter struct {
	prefix  string
	limiter *limiter.Limiter
}

type rateLimiter struct {
	config   RateLimiterConfig
	fallback *limiter.Limiter
	routes   []routeLimiter
}

var (
	limiterMu     sync.RWMutex
	globalLimiter *rateLimiter
)

// SetRateLimiterConfig 设置全局限流配置，非法速率回退为 1000-M
func SetRateLimiterConfig(config RateLimiterConfig) {
	rl := newRateLimiter(config)
	limiterMu.Lock()
	globalLimiter = rl
	limiterMu.Unlock()
}

func newRateLimiter(config RateLimiterConfig) *rateLimiter {
	if config.DenyStatus == 0 {
		config.DenyStatus = http.StatusTooManyRequests
	}
	if config.DenyMessage == "" {
		config.DenyMessage = "Too many requests"
	}
	store := memory.NewStore()
	rl := &rateLimiter{config: config, fallback: buildLimiter(store, config.Rate)}
	for prefix, rate := range config.PerRouteRates {
		rl.routes = append(rl.routes, routeLimiter{prefix: prefix, limiter: buildLimiter(store, rate)})
	}
	return rl
}

func buildLimiter(store limiter.Store, formatted string) *limiter.Limiter {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		logger.Warn("Invalid rate limit, using default", zap.String("rate", formatted), zap.Error(err))
		rate, _ = limiter.NewRateFromFormatted("1000-M")
	}
	return limiter.New(store, rate)
}

func (rl *rateLimiter) pick(path string) (*limiter.Limiter, string) {
	best := ""
	var chosen *limiter.Limiter
	for _, r := range rl.routes {
		if strings.HasPrefix(path, r.prefix) && len(r.prefix) > len(best) {
			best, chosen = r.prefix, r.limiter
		}
	}
	if chosen == nil {
		return rl.fallback, "default"
	}
	return chosen, best
}

func (rl *rateLimiter) identify(c *gin.Context) string {
	if name, ok := strings.CutPrefix(rl.config.Identifier, "header:"); ok {
		if v := c.GetHeader(name); v != "" {
			return v
		}
	}
	return c.ClientIP()
}

// RateLimiterMiddleware 使用 SetRateLimiterConfig 设置的全局配置
func RateLimiterMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterMu.RLock()
		rl := globalLimiter
		limiterMu.RUnlock()
		if rl == nil {
			c.Next()
			return
		}
		rl.handle(c)
	}
}

func (rl *rateLimiter) handle(c *gin.Context) {
	path := c.Request.URL.Path
	for _, skip := range rl.config.SkipPaths {
		if strings.HasPrefix(path, skip) {
			c.Next()
			return
		}
	}

	lim, bucket := rl.pick(path)
	ctx, err := lim.Get(c.Request.Context(), bucket+":"+rl.identify(c))
	if err != nil {
		// 限流存储异常时放行
		logger.Warn("Rate limiter store error", zap.Error(err))
		c.Next()
		return
	}
	if rl.config.AddHeaders {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(ctx.Reset, 10))
	}
	if ctx.Reached {
		c.AbortWithStatusJSON(rl.config.DenyStatus, gin.H{"code": rl.config.DenyStatus, "msg": rl.config.DenyMessage})
		return
	}
	c.Next()
}
