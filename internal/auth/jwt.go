package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 连接身份：WS/HTTP 仅通过 JWT 确认 userId，注册/登录流程不在本服务内。

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// SignJWT 为指定用户签发令牌（测试与边缘接入网关使用）。
func SignJWT(secret, userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT 校验令牌并返回声明；签名算法固定 HS256。
func ParseJWT(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
