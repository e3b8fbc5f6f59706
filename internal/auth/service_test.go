package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminGate(t *testing.T) {
	const token = "correct-horse-battery-staple"
	hash, err := HashToken(token)
	require.NoError(t, err)

	gate := NewAdminGate(hash)
	assert.True(t, gate.Enabled())

	t.Run("正确的令牌", func(t *testing.T) {
		assert.NoError(t, gate.Verify(token))
	})

	t.Run("错误的令牌", func(t *testing.T) {
		assert.ErrorIs(t, gate.Verify("wrong-token-value"), ErrInvalidCredentials)
		assert.ErrorIs(t, gate.Verify(""), ErrInvalidCredentials)
	})

	t.Run("未配置时禁用", func(t *testing.T) {
		disabled := NewAdminGate("  ")
		assert.False(t, disabled.Enabled())
		assert.ErrorIs(t, disabled.Verify(token), ErrAdminDisabled)
	})
}

func TestHashToken_TooShort(t *testing.T) {
	_, err := HashToken("short")
	assert.ErrorIs(t, err, ErrTokenTooShort)
}
