package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goim-realtime/apps/realtime-service/service"
	"goim-realtime/pkg/logger"
)

// WSHandler WebSocket接入处理器
type WSHandler struct {
	svc      *service.Service
	log      logger.Logger
	cfg      service.SocketConfig
	upgrader websocket.Upgrader
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(svc *service.Service, cfg service.SocketConfig, log logger.Logger) *WSHandler {
	return &WSHandler{
		svc: svc,
		log: log,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/realtime")
	{
		api.GET("/ws", h.HandleConnection) // WebSocket长连接，token通过查询参数传入
	}
}

// HandleConnection 升级连接并驱动会话直到断开
func (h *WSHandler) HandleConnection(c *gin.Context) {
	token := c.Query("token")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "WebSocket upgrade failed", logger.F("error", err))
		return
	}

	connID := uuid.NewString()
	ctx := logger.WithConnectionID(context.WithoutCancel(c.Request.Context()), connID)

	conn := service.NewSocketConn(connID, ws, h.cfg, h.log)
	conn.Start()

	sess := h.svc.NewSession(conn)
	if err := sess.Authenticate(ctx, token); err != nil {
		// 错误信封已入队，等待写协程发出关闭帧
		conn.Wait()
		return
	}
	defer sess.Close(ctx)

	conn.ReadLoop(ctx, func(raw []byte) {
		sess.HandleFrame(ctx, raw)
	})
}
