package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/logger"
)

// 认证后写入gin上下文的键
const (
	CtxUserID      = "userID"
	CtxDisplayName = "displayName"
)

// AuthMiddleware 认证中间件
type AuthMiddleware struct {
	logger    kratoslog.Logger
	validator auth.SessionValidator
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(logger kratoslog.Logger, validator auth.SessionValidator) *AuthMiddleware {
	return &AuthMiddleware{logger: logger, validator: validator}
}

// GinAuth 校验 Authorization: Bearer <token>
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing authorization token"})
			return
		}

		identity, err := am.validator.ValidateSession(c.Request.Context(), token)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid token"})
			return
		}

		c.Set(CtxUserID, identity.UserID)
		c.Set(CtxDisplayName, identity.DisplayName)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), identity.UserID))
		c.Next()
	}
}

// ExtractBearer 从Authorization头中提取token
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
