package auth

import (
	"time"

	"github.com/google/uuid"

	"tempmail/relay/internal/auth/jwt"
	"tempmail/relay/internal/config"
)

// SessionTokens 会话 Cookie 中令牌的签发与校验
type SessionTokens struct {
	manager *jwt.Manager
}

// NewSessionTokens 创建会话令牌管理器
func NewSessionTokens(cfg *config.SessionConfig) *SessionTokens {
	return &SessionTokens{manager: jwt.NewManager(cfg.Secret, cfg.Issuer, cfg.CookieTTL)}
}

// SessionToken 新签发的会话令牌
type SessionToken struct {
	SessionKey string
	Token      string
	ExpiresAt  time.Time
}

// New 生成新的会话密钥并签发令牌
func (s *SessionTokens) New() (*SessionToken, error) {
	return s.Renew(uuid.NewString())
}

// Renew 为已有会话密钥重新签发令牌
func (s *SessionTokens) Renew(sessionKey string) (*SessionToken, error) {
	token, expires, err := s.manager.Issue(sessionKey)
	if err != nil {
		return nil, err
	}
	return &SessionToken{SessionKey: sessionKey, Token: token, ExpiresAt: expires}, nil
}

// SessionKey 校验令牌并取出会话密钥
func (s *SessionTokens) SessionKey(token string) (string, error) {
	claims, err := s.manager.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.SessionKey, nil
}

// TTL 会话有效期
func (s *SessionTokens) TTL() time.Duration {
	return s.manager.Expiry()
}
