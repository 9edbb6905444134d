package server

import (
	"context"
	"net"
	"sync"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer gRPC服务器，内置标准健康检查服务
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger kratoslog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCServer 创建gRPC服务器
func NewGRPCServer(addr string, logger kratoslog.Logger, interceptors ...grpc.UnaryServerInterceptor) *GRPCServer {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{server: srv, health: hs, addr: addr, logger: logger}
}

// Server 获取底层gRPC服务器
func (s *GRPCServer) Server() *grpc.Server {
	return s.server
}

// SetServing 设置服务健康状态，service为空表示整体状态
func (s *GRPCServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Start 监听端口并在后台服务
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server starting", "addr", lis.Addr().String())
	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Log(kratoslog.LevelError, "msg", "gRPC server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop 标记为不可用并优雅停止
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
	return nil
}
