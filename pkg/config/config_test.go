package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults 测试默认配置
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("realtime-service", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "realtime-service" {
		t.Errorf("app.name = %q", cfg.App.Name)
	}
	if cfg.Presence.Mode != "memory" {
		t.Errorf("presence.mode = %q", cfg.Presence.Mode)
	}
	if cfg.Session.MembershipRetries != 3 || cfg.Session.MembershipRetryDelay != 100*time.Millisecond {
		t.Errorf("membership retry defaults = %d/%v", cfg.Session.MembershipRetries, cfg.Session.MembershipRetryDelay)
	}
}

// TestLoadFileAndEnv 测试配置文件与环境变量覆盖
func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "realtime.yaml")
	content := []byte(`
presence:
  mode: redis
  heartbeat_window: 45s
session:
  membership_retries: 5
`)
	if err := os.WriteFile(file, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REALTIME_REDIS_ADDR", "redis:6380")

	cfg, err := Load("realtime-service", file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Presence.Mode != "redis" {
		t.Errorf("presence.mode = %q", cfg.Presence.Mode)
	}
	if cfg.Presence.HeartbeatWindow != 45*time.Second {
		t.Errorf("heartbeat_window = %v", cfg.Presence.HeartbeatWindow)
	}
	if cfg.Session.MembershipRetries != 5 {
		t.Errorf("membership_retries = %d", cfg.Session.MembershipRetries)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
}

// TestValidate 测试非法配置
func TestValidate(t *testing.T) {
	t.Setenv("REALTIME_PRESENCE_MODE", "etcd")
	if _, err := Load("realtime-service", ""); err == nil {
		t.Fatal("expected error for unknown presence mode")
	}
}
