package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken token缺失、签名错误或已过期
	ErrInvalidToken = errors.New("invalid session token")
	// ErrMissingSubject token中没有用户ID
	ErrMissingSubject = errors.New("session token has no user id")
)

// Identity 会话令牌对应的用户身份
type Identity struct {
	UserID      string
	DisplayName string
}

// SessionValidator 校验会话令牌
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*Identity, error)
}

// JWTValidator 基于HMAC签名JWT的会话校验器
type JWTValidator struct {
	secret []byte
	expire time.Duration
}

// NewJWTValidator 创建JWT校验器，expire为GenerateToken签发的有效期
func NewJWTValidator(secret string, expire time.Duration) *JWTValidator {
	if expire <= 0 {
		expire = time.Hour
	}
	return &JWTValidator{secret: []byte(secret), expire: expire}
}

// ValidateSession 解析token并返回用户身份
func (v *JWTValidator) ValidateSession(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims, err := v.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claimString(claims, "user_id")
	if userID == "" {
		userID = claimString(claims, "sub")
	}
	if userID == "" {
		return nil, ErrMissingSubject
	}

	name := claimString(claims, "display_name")
	if name == "" {
		name = claimString(claims, "username")
	}
	if name == "" {
		name = userID
	}
	return &Identity{UserID: userID, DisplayName: name}, nil
}

// GenerateToken 签发会话token，测试客户端和集成测试使用
func (v *JWTValidator) GenerateToken(userID, displayName string) (string, error) {
	claims := jwt.MapClaims{
		"user_id":      userID,
		"display_name": displayName,
		"iat":          time.Now().Unix(),
		"exp":          time.Now().Add(v.expire).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func (v *JWTValidator) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 校验签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid claims")
}

// claimString 兼容数字类型的用户ID
func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
