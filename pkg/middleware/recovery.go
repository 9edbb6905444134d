package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"goim-realtime/pkg/logger"
)

// Recovery 错误恢复中间件
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error(c.Request.Context(), "Panic recovered",
					logger.F("panic", err),
					logger.F("method", c.Request.Method),
					logger.F("path", c.Request.URL.Path))

				// 连接已被劫持（WebSocket）时不能再写响应
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    http.StatusInternalServerError,
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
