package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// Hook 生命周期钩子
type Hook struct {
	Name     string
	OnStart  func(context.Context) error
	OnStop   func(context.Context) error
	Priority int // 数字越小越先启动、越后停止
	// 0-99:    基础设施层（数据库、Redis、Kafka连接）
	// 100-199: 在线目录与跨进程转发
	// 200+:    服务器层（HTTP、gRPC、WebSocket）
}

// Manager 生命周期管理器
type Manager struct {
	logger      kratoslog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	hooks   []Hook
	started []Hook

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewManager 创建生命周期管理器
func NewManager(logger kratoslog.Logger, stopTimeout time.Duration) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		stopTimeout: stopTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// AddHook 添加钩子
func (m *Manager) AddHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, hook)
	sort.SliceStable(m.hooks, func(i, j int) bool { return m.hooks[i].Priority < m.hooks[j].Priority })
}

// Start 按优先级启动钩子，失败时回滚已启动的钩子
func (m *Manager) Start() error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		if hook.OnStart != nil {
			m.logger.Log(kratoslog.LevelInfo, "msg", "Starting hook", "name", hook.Name)
			if err := hook.OnStart(m.ctx); err != nil {
				m.logger.Log(kratoslog.LevelError, "msg", "Hook start failed", "name", hook.Name, "error", err)
				_ = m.Stop()
				return err
			}
		}
		m.mu.Lock()
		m.started = append(m.started, hook)
		m.mu.Unlock()
	}

	m.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks started", "count", len(hooks))
	return nil
}

// Stop 反向停止已启动的钩子，只执行一次
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := append([]Hook(nil), m.started...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		defer cancel()

		for i := len(started) - 1; i >= 0; i-- {
			hook := started[i]
			if hook.OnStop == nil {
				continue
			}
			if err := hook.OnStop(ctx); err != nil {
				m.logger.Log(kratoslog.LevelError, "msg", "Hook stop failed", "name", hook.Name, "error", err)
				if m.stopErr == nil {
					m.stopErr = err
				}
				continue
			}
			m.logger.Log(kratoslog.LevelInfo, "msg", "Hook stopped", "name", hook.Name)
		}

		m.cancel()
		close(m.done)
	})
	return m.stopErr
}

// Wait 阻塞直到收到退出信号或Stop被调用
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Log(kratoslog.LevelInfo, "msg", "Received signal", "signal", sig.String())
		_ = m.Stop()
	case <-m.done:
	}
}

// Context 生命周期上下文，Stop后取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done 完成通道
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
