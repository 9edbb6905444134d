package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateSession(t *testing.T) {
	v := NewJWTValidator("test-secret", time.Hour)
	token, err := v.GenerateToken("42", "Alice")
	if err != nil {
		t.Fatal(err)
	}

	id, err := v.ValidateSession(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if id.UserID != "42" || id.DisplayName != "Alice" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestValidateSessionRejects(t *testing.T) {
	v := NewJWTValidator("test-secret", time.Hour)
	other := NewJWTValidator("other-secret", time.Hour)
	foreign, _ := other.GenerateToken("42", "Alice")

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "42",
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      expired,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.ValidateSession(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

// TestValidateSessionClaimFallback 测试数字用户ID与username回退
func TestValidateSessionClaimFallback(t *testing.T) {
	v := NewJWTValidator("test-secret", time.Hour)
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  float64(1001),
		"username": "bob",
		"exp":      time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))

	id, err := v.ValidateSession(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "1001" || id.DisplayName != "bob" {
		t.Fatalf("unexpected identity %+v", id)
	}

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))
	if _, err := v.ValidateSession(context.Background(), noSubject); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
