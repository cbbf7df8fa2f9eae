package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var quietPrefixes = []string{"/metrics", "/health", "/favicon.ico"}

// LoggerMiddleware 请求日志中间件，健康检查与指标拉取不记录
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		for _, p := range quietPrefixes {
			if strings.HasPrefix(path, p) {
				return
			}
		}
		// websocket 升级后的长连接由语音桥自行记录
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request", fields...)
			return
		}
		logger.Info("Request", fields...)
	}
}
