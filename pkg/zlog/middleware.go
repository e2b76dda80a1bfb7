package zlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GinLogger 每个请求注入带 request_id 的 logger，并在结束时打一条 access 日志
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		l := zap.L().With(
			zap.String("request_id", c.GetHeader("X-Request-Id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
		c.Next()

		// websocket 升级后的请求会一直挂着，时长没有参考意义
		if c.IsWebsocket() {
			l.Debug("upgraded", zap.String("remote", c.ClientIP()))
			return
		}
		l.Info("access",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()),
			zap.Int("bytes_out", c.Writer.Size()),
		)
	}
}
