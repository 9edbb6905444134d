package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// HealthCheck 依赖健康检查
type HealthCheck func(ctx context.Context) error

// NewGinEngine 创建Gin引擎
func NewGinEngine(middlewares ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middlewares...)
	return r
}

// HTTPServer Gin HTTP服务器包装器
type HTTPServer struct {
	engine *gin.Engine
	server *http.Server
	logger kratoslog.Logger

	mu       sync.Mutex
	checks   map[string]HealthCheck
	listener net.Listener
}

// NewHTTPServer 创建HTTP服务器，timeout同时作为读写超时的下限
func NewHTTPServer(addr string, timeout time.Duration, logger kratoslog.Logger, middlewares ...gin.HandlerFunc) *HTTPServer {
	engine := NewGinEngine(middlewares...)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &HTTPServer{
		engine: engine,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: timeout,
		},
		logger: logger,
		checks: make(map[string]HealthCheck),
	}
	engine.GET("/health", s.health)
	return s
}

// Engine 获取Gin引擎
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

// AddHealthCheck 注册依赖检查，/health 汇总所有检查结果
func (s *HTTPServer) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *HTTPServer) health(c *gin.Context) {
	s.mu.Lock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	details := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			details[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		details[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": details, "time": time.Now().Unix()})
}

// Start 监听端口并在后台服务
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server starting", "addr", lis.Addr().String())
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Log(kratoslog.LevelError, "msg", "HTTP server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器，被劫持的WebSocket连接不受Shutdown影响，需要调用方自行关闭
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	return s.server.Shutdown(ctx)
}
