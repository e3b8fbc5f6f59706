package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAdminDisabled 未配置管理令牌
	ErrAdminDisabled = errors.New("admin access disabled")
	// ErrInvalidCredentials 凭证无效
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenTooShort 管理令牌太短
	ErrTokenTooShort = errors.New("admin token must be at least 16 characters")
)

// MinAdminTokenLength 管理令牌最小长度
const MinAdminTokenLength = 16

// AdminGate 用 bcrypt 哈希校验 X-Admin-Token
type AdminGate struct {
	hash []byte
}

// NewAdminGate 创建管理员校验，hash 为空时禁用管理接口
func NewAdminGate(hash string) *AdminGate {
	return &AdminGate{hash: []byte(strings.TrimSpace(hash))}
}

// Enabled 是否配置了管理令牌
func (g *AdminGate) Enabled() bool {
	return len(g.hash) > 0
}

// Verify 校验调用方提供的令牌
func (g *AdminGate) Verify(token string) error {
	if !g.Enabled() {
		return ErrAdminDisabled
	}
	if token == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(g.hash, []byte(token)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashToken 生成管理令牌的 bcrypt 哈希
func HashToken(token string) (string, error) {
	if len(token) < MinAdminTokenLength {
		return "", ErrTokenTooShort
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
