package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"goim-realtime/apps/realtime-service/dao"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/presence"
)

// Options 会话处理参数
type Options struct {
	// MembershipRetries 成员校验的总尝试次数，用于吸收会话刚创建时的读写延迟
	MembershipRetries    int
	MembershipRetryDelay time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{MembershipRetries: 3, MembershipRetryDelay: 100 * time.Millisecond}
}

// Deps 服务依赖
type Deps struct {
	Registry      *Registry
	Broadcaster   *Broadcaster
	Conversations dao.ConversationStore
	Messages      dao.MessageStore
	Publisher     MessagePublisher
	Validator     auth.SessionValidator
	Tracer        trace.Tracer
	Logger        logger.Logger
}

// Service 实时投递服务
type Service struct {
	opts          Options
	registry      *Registry
	broadcaster   *Broadcaster
	conversations dao.ConversationStore
	messages      dao.MessageStore
	publisher     MessagePublisher
	validator     auth.SessionValidator
	tracer        trace.Tracer
	log           logger.Logger
}

// NewService 创建服务
func NewService(deps Deps, opts Options) *Service {
	if opts.MembershipRetries < 1 {
		opts.MembershipRetries = 1
	}
	if deps.Publisher == nil {
		deps.Publisher = NopPublisher{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("realtime-service")
	}
	return &Service{
		opts:          opts,
		registry:      deps.Registry,
		broadcaster:   deps.Broadcaster,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		publisher:     deps.Publisher,
		validator:     deps.Validator,
		tracer:        deps.Tracer,
		log:           deps.Logger,
	}
}

// Registry 连接注册表
func (s *Service) Registry() *Registry {
	return s.registry
}

// Presence 查询用户在线连接
func (s *Service) Presence(ctx context.Context, userID string) ([]presence.Entry, error) {
	return s.registry.ConnectionsFor(ctx, userID)
}

// NewSession 为新连接创建会话
func (s *Service) NewSession(conn Conn) *Session {
	return &Session{svc: s, conn: conn}
}

// retry 按固定间隔重试，fn返回done=true时停止
func (s *Service) retry(ctx context.Context, fn func() (done bool, err error)) error {
	var err error
	for attempt := 1; attempt <= s.opts.MembershipRetries; attempt++ {
		var done bool
		done, err = fn()
		if done {
			return err
		}
		if attempt == s.opts.MembershipRetries {
			break
		}
		t := time.NewTimer(s.opts.MembershipRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
