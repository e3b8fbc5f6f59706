package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func TestAccountState(t *testing.T) {
	now := baseTime

	t.Run("新建账号处于可用状态", func(t *testing.T) {
		a := &Account{IsAvailable: true}
		assert.Equal(t, StateAvailable, a.State(now))
	})

	t.Run("会话未过期为占用状态", func(t *testing.T) {
		a := &Account{IsAvailable: false, SessionExpiresAt: tp(now.Add(time.Minute))}
		assert.Equal(t, StateClaimed, a.State(now))
	})

	t.Run("冷却未结束为冷却状态", func(t *testing.T) {
		a := &Account{IsAvailable: true, CooldownUntil: tp(now.Add(time.Minute))}
		assert.Equal(t, StateCooldown, a.State(now))
	})

	t.Run("冷却结束回到可用状态", func(t *testing.T) {
		a := &Account{IsAvailable: true, CooldownUntil: tp(now.Add(-time.Second))}
		assert.Equal(t, StateAvailable, a.State(now))
	})

	t.Run("任意字段组合只落在一个状态", func(t *testing.T) {
		times := []*time.Time{nil, tp(now.Add(-time.Hour)), tp(now), tp(now.Add(time.Hour))}
		for _, available := range []bool{true, false} {
			for _, session := range times {
				for _, cooldown := range times {
					a := &Account{IsAvailable: available, SessionExpiresAt: session, CooldownUntil: cooldown}
					state := a.State(now)
					matches := 0
					for _, s := range []AccountState{StateAvailable, StateClaimed, StateCooldown} {
						if s == state {
							matches++
						}
					}
					assert.Equal(t, 1, matches)
				}
			}
		}
	})
}

func TestAccountTransitions(t *testing.T) {
	now := baseTime

	t.Run("占用设置会话过期时间并清除冷却", func(t *testing.T) {
		a := &Account{IsAvailable: true, CooldownUntil: tp(now.Add(time.Hour))}
		a.Claim("session-1", now, time.Hour)

		assert.False(t, a.IsAvailable)
		require.NotNil(t, a.SessionExpiresAt)
		assert.Equal(t, now.Add(time.Hour), *a.SessionExpiresAt)
		assert.Nil(t, a.CooldownUntil)
		assert.Equal(t, "session-1", a.LastSessionKey)
		require.NotNil(t, a.LastUsedAt)
		assert.Equal(t, now, *a.LastUsedAt)
		assert.Equal(t, StateClaimed, a.State(now))
	})

	t.Run("过期转入冷却", func(t *testing.T) {
		a := &Account{}
		a.Claim("session-1", now, time.Hour)
		later := now.Add(61 * time.Minute)
		a.Expire(later, 2*time.Hour)

		assert.True(t, a.IsAvailable)
		require.NotNil(t, a.CooldownUntil)
		assert.Equal(t, later.Add(2*time.Hour), *a.CooldownUntil)
		assert.Nil(t, a.SessionExpiresAt)
		assert.Equal(t, StateCooldown, a.State(later))
		assert.Equal(t, StateAvailable, a.State(later.Add(2*time.Hour+time.Second)))
	})
}

func TestAccountCanClaim(t *testing.T) {
	now := baseTime
	cooldown := 2 * time.Hour

	claimed := func() *Account {
		a := &Account{Address: "a@example.com"}
		a.Claim("owner", now.Add(-10*time.Minute), time.Hour)
		return a
	}
	cooling := func() *Account {
		a := claimed()
		a.Expire(now.Add(-time.Minute), cooldown)
		return a
	}

	t.Run("空闲地址任何人可占用", func(t *testing.T) {
		a := &Account{IsAvailable: true}
		reason, err := a.CanClaim(Identity{SessionKey: "x"}, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimFree, reason)
	})

	t.Run("持有者再次占用", func(t *testing.T) {
		reason, err := claimed().CanClaim(Identity{SessionKey: "owner"}, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimOwner, reason)
	})

	t.Run("他人占用中返回使用中", func(t *testing.T) {
		_, err := claimed().CanClaim(Identity{SessionKey: "other"}, now, cooldown)
		assert.ErrorIs(t, err, ErrInUse)
	})

	t.Run("指纹不能抢占他人未过期的占用", func(t *testing.T) {
		id := Identity{
			SessionKey:        "other",
			Fingerprint:       "fp",
			KnownFingerprints: map[string]string{"a@example.com": "fp"},
		}
		_, err := claimed().CanClaim(id, now, cooldown)
		assert.ErrorIs(t, err, ErrInUse)
	})

	t.Run("冷却中陌生身份返回剩余时间", func(t *testing.T) {
		_, err := cooling().CanClaim(Identity{SessionKey: "other"}, now, cooldown)
		assert.ErrorIs(t, err, ErrInCooldown)
		wait, ok := CooldownWait(err)
		require.True(t, ok)
		assert.Equal(t, cooldown-time.Minute, wait)
	})

	t.Run("冷却中指纹匹配允许提前占用", func(t *testing.T) {
		id := Identity{
			SessionKey:        "other",
			Fingerprint:       "fp",
			KnownFingerprints: map[string]string{"a@example.com": "fp"},
		}
		reason, err := cooling().CanClaim(id, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimTrustFingerprint, reason)
		assert.True(t, reason.IsTrustBypass())
	})

	t.Run("冷却中会话密钥匹配允许提前占用", func(t *testing.T) {
		reason, err := cooling().CanClaim(Identity{SessionKey: "owner"}, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimTrustSession, reason)
	})

	t.Run("指纹不匹配不放行", func(t *testing.T) {
		id := Identity{
			SessionKey:        "other",
			Fingerprint:       "fp-2",
			KnownFingerprints: map[string]string{"a@example.com": "fp"},
		}
		_, err := cooling().CanClaim(id, now, cooldown)
		assert.ErrorIs(t, err, ErrInCooldown)
	})

	t.Run("过期未清扫的占用由原浏览器回收", func(t *testing.T) {
		a := &Account{Address: "a@example.com"}
		a.Claim("owner", now.Add(-2*time.Hour), time.Hour)

		id := Identity{
			SessionKey:        "new-session",
			Fingerprint:       "fp",
			KnownFingerprints: map[string]string{"a@example.com": "fp"},
		}
		reason, err := a.CanClaim(id, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimLapsedFingerprint, reason)
	})

	t.Run("过期未清扫的占用对陌生人视同冷却", func(t *testing.T) {
		a := &Account{Address: "a@example.com"}
		a.Claim("owner", now.Add(-2*time.Hour), time.Hour)

		_, err := a.CanClaim(Identity{SessionKey: "other"}, now, cooldown)
		wait, ok := CooldownWait(err)
		require.True(t, ok)
		assert.Equal(t, time.Hour, wait)
	})

	t.Run("过期已久的占用可直接占用", func(t *testing.T) {
		a := &Account{Address: "a@example.com"}
		a.Claim("owner", now.Add(-5*time.Hour), time.Hour)

		reason, err := a.CanClaim(Identity{SessionKey: "other"}, now, cooldown)
		require.NoError(t, err)
		assert.Equal(t, ClaimFree, reason)
	})
}

func TestSessionRemaining(t *testing.T) {
	a := &Account{}
	assert.Zero(t, a.SessionRemaining(baseTime))

	a.Claim("s", baseTime, time.Hour)
	assert.Equal(t, 30*time.Minute, a.SessionRemaining(baseTime.Add(30*time.Minute)))
	assert.Zero(t, a.SessionRemaining(baseTime.Add(2*time.Hour)))
}
