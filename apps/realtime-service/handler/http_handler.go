package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"goim-realtime/apps/realtime-service/service"
	"goim-realtime/pkg/httpx"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/middleware"
	"goim-realtime/pkg/presence"
)

// HTTPHandler HTTP协议处理器
type HTTPHandler struct {
	svc  *service.Service
	auth *middleware.AuthMiddleware
	log  logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, auth *middleware.AuthMiddleware, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, auth: auth, log: log}
}

// RegisterRoutes 注册HTTP路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/realtime", h.auth.GinAuth())
	{
		api.GET("/presence/:user_id", h.GetPresence) // 用户在线连接
		api.GET("/stats", h.GetStats)                // 本进程连接统计
	}
}

// presenceResponse 在线状态
type presenceResponse struct {
	UserID      string           `json:"userId"`
	Online      bool             `json:"online"`
	Connections []presence.Entry `json:"connections"`
}

// GetPresence 查询用户在线连接
func (h *HTTPHandler) GetPresence(c *gin.Context) {
	userID := c.Param("user_id")
	entries, err := h.svc.Presence(c.Request.Context(), userID)
	if err != nil {
		h.log.Warn(c.Request.Context(), "Presence lookup failed", logger.F("user_id", userID), logger.F("error", err))
		if errors.Is(err, presence.ErrUnavailable) {
			httpx.Fail(c, http.StatusServiceUnavailable, "presence directory unavailable")
			return
		}
		httpx.Fail(c, http.StatusInternalServerError, "presence lookup failed")
		return
	}
	httpx.OK(c, presenceResponse{UserID: userID, Online: len(entries) > 0, Connections: entries})
}

// GetStats 本进程连接统计
func (h *HTTPHandler) GetStats(c *gin.Context) {
	httpx.OK(c, gin.H{
		"processId":   h.svc.Registry().ProcessID(),
		"connections": h.svc.Registry().Count(),
	})
}
