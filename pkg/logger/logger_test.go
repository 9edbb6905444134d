package logger

import (
	"context"
	"errors"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestContextFields 测试上下文字段注入
func TestContextFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewFromZap(zap.New(core))

	ctx := WithUserID(context.Background(), "u-1")
	ctx = WithConnectionID(ctx, "c-1")
	l.Info(ctx, "registered", F("conversation_id", "conv-1"), F("error", errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != "u-1" || fields["connection_id"] != "c-1" {
		t.Fatalf("missing context fields: %v", fields)
	}
	if fields["conversation_id"] != "conv-1" {
		t.Fatalf("missing custom field: %v", fields)
	}
	if fields["error"] != "boom" {
		t.Fatalf("error field not rendered: %v", fields["error"])
	}
}

// TestKratosAdapter 测试Kratos适配器级别映射
func TestKratosAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	kl := NewKratosLogger(NewFromZap(zap.New(core)))

	_ = kl.Log(kratoslog.LevelWarn, "msg", "hook failed", "name", "servers")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected warn level, got %v", entries[0].Level)
	}
	if entries[0].Message != "hook failed" {
		t.Fatalf("unexpected message %q", entries[0].Message)
	}
	if entries[0].ContextMap()["name"] != "servers" {
		t.Fatalf("missing name field")
	}
}
