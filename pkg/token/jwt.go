// Package token 提供了用于签发和验证 WebSocket 连接票据（JWT）的功能。
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ticketSubject = "chat-websocket"

// TicketManager 负责签发和验证短期有效的连接票据。
// 本地页面先通过 REST 接口拿到票据，再用它建立 WebSocket 连接。
type TicketManager struct {
	secretKey []byte        // secretKey 用于签名和验证票据
	ttl       time.Duration // ttl 是票据的有效期
	now       func() time.Time
}

// TicketClaims 是票据中携带的声明。
type TicketClaims struct {
	jwt.RegisteredClaims
}

// NewTicketManager 创建一个新的 TicketManager。secret 为空时使用随机密钥（进程重启后旧票据失效）。
func NewTicketManager(secret string, ttl time.Duration) *TicketManager {
	if secret == "" {
		secret = GenerateRandomString(32)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TicketManager{secretKey: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue 签发一张新票据。
func (m *TicketManager) Issue() (string, error) {
	now := m.now()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ticketSubject,
			ID:        GenerateRandomString(8),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify 验证票据，签名不匹配、已过期或用途不对时返回错误。
func (m *TicketManager) Verify(ticket string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	}, jwt.WithSubject(ticketSubject), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TicketClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid ticket")
}

// GenerateRandomString generates a random hex string of a given length.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less random string on error
		return fmt.Sprintf("fallback%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
