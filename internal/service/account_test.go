package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/storage"
)

func TestAccountService_FreshAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alloc, err := f.accounts.Allocate(ctx, identity("s1"), "")
	require.NoError(t, err)

	t.Run("新地址处于占用状态", func(t *testing.T) {
		assert.True(t, alloc.IsNew)
		assert.Equal(t, "name1@example.com", alloc.Account.Address)
		assert.Equal(t, domain.StateClaimed, alloc.Account.State(f.clock.Now()))
		assert.Equal(t, time.Hour, alloc.ExpiresIn)
		assert.Equal(t, 1, f.gw.createCalls)
	})

	t.Run("同一会话重复分配返回同一地址", func(t *testing.T) {
		f.clock.Advance(10 * time.Minute)
		again, err := f.accounts.Allocate(ctx, identity("s1"), "")
		require.NoError(t, err)
		assert.False(t, again.IsNew)
		assert.Equal(t, alloc.Account.Address, again.Account.Address)
		assert.Equal(t, 50*time.Minute, again.ExpiresIn)
		assert.Equal(t, 1, f.gw.createCalls)
	})

	t.Run("会话记录当前地址与起点", func(t *testing.T) {
		session, err := f.store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, alloc.Account.Address, session.CurrentAddress)
		require.NotNil(t, session.SessionStart)
		assert.Equal(t, alloc.Account.CreatedAt, *session.SessionStart)
	})

	t.Run("另一个会话得到不同的地址", func(t *testing.T) {
		other, err := f.accounts.Allocate(ctx, identity("s2"), "")
		require.NoError(t, err)
		assert.NotEqual(t, alloc.Account.Address, other.Account.Address)
	})
}

func TestAccountService_CollisionExhausted(t *testing.T) {
	ctx := context.Background()
	names := &fixedNames{local: "dup"}
	f := newFixture(t, WithNameGenerator(names))

	require.NoError(t, f.store.CreateAccount(ctx, &domain.Account{
		ID: "a1", RemoteID: "r1", Address: "dup@example.com", IsAvailable: true,
	}))

	_, err := f.accounts.Allocate(ctx, identity("s1"), "")
	assert.ErrorIs(t, err, domain.ErrExhausted)
	assert.Equal(t, testAccountConfig.CreateAttempts, names.calls)
	assert.Equal(t, 0, f.gw.createCalls)
}

func TestAccountService_RemoteAlreadyUsedCountsAsCollision(t *testing.T) {
	ctx := context.Background()
	names := &fixedNames{local: "taken"}
	f := newFixture(t, WithNameGenerator(names))
	f.gw.accounts["taken@example.com"] = &provider.RemoteAccount{ID: "x", Address: "taken@example.com"}

	_, err := f.accounts.Allocate(ctx, identity("s1"), "")
	assert.ErrorIs(t, err, domain.ErrExhausted)
	// 同一批的重复候选只尝试一次
	assert.Equal(t, 1, f.gw.createCalls)
}

func TestAccountService_RemoteCreateFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.createErr = &provider.APIError{Kind: provider.ErrFatal, Status: 400}

	_, err := f.accounts.Allocate(ctx, identity("s1"), "")
	assert.ErrorIs(t, err, domain.ErrRemoteCreateFailed)
	assert.Equal(t, 1, f.gw.createCalls)
}

func TestAccountService_FailedAllocationKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.accounts.Current(ctx, identity("s1"))
	require.NoError(t, err)
	current := first.Account.Address

	f.gw.createErr = &provider.APIError{Kind: provider.ErrFatal, Status: 400}

	t.Run("显式地址创建失败", func(t *testing.T) {
		_, err := f.accounts.Allocate(ctx, identity("s1"), "wanted@example.com")
		assert.ErrorIs(t, err, domain.ErrRemoteCreateFailed)
	})

	t.Run("重置创建失败", func(t *testing.T) {
		_, err := f.accounts.Reset(ctx, identity("s1"))
		assert.ErrorIs(t, err, domain.ErrRemoteCreateFailed)
	})

	f.gw.createErr = nil

	t.Run("当前地址仍然有效", func(t *testing.T) {
		again, err := f.accounts.Current(ctx, identity("s1"))
		require.NoError(t, err)
		assert.False(t, again.IsNew)
		assert.Equal(t, current, again.Account.Address)

		stored, err := f.store.GetAccountByAddress(ctx, current)
		require.NoError(t, err)
		assert.Equal(t, domain.StateClaimed, stored.State(f.clock.Now()))
	})

	t.Run("成功切换后才释放旧地址", func(t *testing.T) {
		next, err := f.accounts.Allocate(ctx, identity("s1"), "wanted@example.com")
		require.NoError(t, err)
		assert.Equal(t, "wanted@example.com", next.Account.Address)

		old, err := f.store.GetAccountByAddress(ctx, current)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCooldown, old.State(f.clock.Now()))
	})
}

func TestAccountService_ExplicitAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := fingerprinted("owner", "0123456789abcdef0123456789abcdef", "maya@example.com")
	first, err := f.accounts.Allocate(ctx, owner, "Maya@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "maya@example.com", first.Account.Address)
	assert.True(t, first.IsNew)

	t.Run("他人占用中返回 InUse", func(t *testing.T) {
		_, err := f.accounts.Allocate(ctx, identity("intruder"), "maya@example.com")
		assert.ErrorIs(t, err, domain.ErrInUse)
	})

	t.Run("指纹匹配也不能抢占未过期的占用", func(t *testing.T) {
		id := fingerprinted("other-session", owner.Fingerprint, "maya@example.com")
		_, err := f.accounts.Allocate(ctx, id, "maya@example.com")
		assert.ErrorIs(t, err, domain.ErrInUse)
	})

	t.Run("持有者再次请求保持原占用", func(t *testing.T) {
		again, err := f.accounts.Allocate(ctx, owner, "maya@example.com")
		require.NoError(t, err)
		assert.False(t, again.IsNew)
		assert.Equal(t, first.Account.ID, again.Account.ID)
	})

	t.Run("变音符号被折叠", func(t *testing.T) {
		alloc, err := f.accounts.Allocate(ctx, identity("s3"), "joão@example.com")
		require.NoError(t, err)
		assert.Equal(t, "joao@example.com", alloc.Account.Address)
	})
}

func TestAccountService_ExplicitAddressErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("格式错误", func(t *testing.T) {
		_, err := f.accounts.Allocate(ctx, identity("s1"), ".bad@example.com")
		assert.True(t, domain.IsValidation(err))
		assert.Equal(t, 0, f.gw.createCalls)
	})

	t.Run("不支持的域名", func(t *testing.T) {
		_, err := f.accounts.Allocate(ctx, identity("s1"), "user@unknown.org")
		assert.ErrorIs(t, err, domain.ErrDomainUnsupported)
	})

	t.Run("服务商已存在时找回远端账号", func(t *testing.T) {
		f.gw.accounts["legacy@example.com"] = &provider.RemoteAccount{ID: "remote-legacy", Address: "legacy@example.com"}
		alloc, err := f.accounts.Allocate(ctx, identity("s1"), "legacy@example.com")
		require.NoError(t, err)
		assert.Equal(t, "remote-legacy", alloc.Account.RemoteID)
	})
}

func TestAccountService_CooldownAndTrust(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const fp = "0123456789abcdef0123456789abcdef"
	owner := fingerprinted("owner", fp, "lara@example.com")
	_, err := f.accounts.Allocate(ctx, owner, "lara@example.com")
	require.NoError(t, err)

	// 会话过期并被清扫
	f.clock.Advance(time.Hour + time.Minute)
	n, err := f.accounts.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acc, err := f.store.GetAccountByAddress(ctx, "lara@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCooldown, acc.State(f.clock.Now()))

	t.Run("陌生身份需要等待冷却", func(t *testing.T) {
		_, err := f.accounts.Allocate(ctx, identity("stranger"), "lara@example.com")
		require.ErrorIs(t, err, domain.ErrInCooldown)
		wait, ok := domain.CooldownWait(err)
		require.True(t, ok)
		assert.Equal(t, 2*time.Hour, wait)
	})

	t.Run("指纹匹配可以提前回来", func(t *testing.T) {
		id := fingerprinted("new-session", fp, "lara@example.com")
		alloc, err := f.accounts.Allocate(ctx, id, "lara@example.com")
		require.NoError(t, err)
		assert.True(t, alloc.IsNew)
		assert.Equal(t, domain.StateClaimed, alloc.Account.State(f.clock.Now()))
		assert.Nil(t, alloc.Account.CooldownUntil)
	})
}

func TestAccountService_LapsedClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.accounts.Allocate(ctx, identity("owner"), "otto@example.com")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	acc, err := f.store.GetAccountByAddress(ctx, "otto@example.com")
	require.NoError(t, err)
	// 清扫之前处于过期未清理状态
	assert.True(t, acc.IsLapsed(f.clock.Now()))
	reason, err := acc.CanClaim(identity("owner"), f.clock.Now(), testAccountConfig.Cooldown)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimLapsedOwner, reason)

	_, err = acc.CanClaim(identity("stranger"), f.clock.Now(), testAccountConfig.Cooldown)
	assert.ErrorIs(t, err, domain.ErrInCooldown)
}

func TestAccountService_ReleaseAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.accounts.Allocate(ctx, identity("s1"), "")
	require.NoError(t, err)

	second, err := f.accounts.Reset(ctx, identity("s1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.Address, second.Account.Address)

	t.Run("重置时释放旧地址", func(t *testing.T) {
		old, err := f.store.GetAccountByAddress(ctx, first.Account.Address)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCooldown, old.State(f.clock.Now()))
	})

	t.Run("历史按新到旧排列", func(t *testing.T) {
		history, err := f.accounts.History(ctx, identity("s1"))
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.Account.Address, history[0].Address)
		assert.True(t, history[0].IsCurrent)
		assert.Equal(t, first.Account.Address, history[1].Address)
		assert.True(t, history[1].InCooldown)
		// 原会话可以提前回到冷却中的地址
		assert.True(t, history[1].CanReuse)
	})

	t.Run("主动释放当前地址", func(t *testing.T) {
		require.NoError(t, f.accounts.Release(ctx, identity("s1")))
		acc, err := f.store.GetAccountByAddress(ctx, second.Account.Address)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCooldown, acc.State(f.clock.Now()))

		err = f.accounts.Release(ctx, identity("s1"))
		assert.ErrorIs(t, err, domain.ErrNoCurrentAccount)
	})

	t.Run("同一会话可以切回旧地址", func(t *testing.T) {
		alloc, err := f.accounts.Allocate(ctx, identity("s1"), first.Account.Address)
		require.NoError(t, err)
		assert.Equal(t, first.Account.Address, alloc.Account.Address)
		assert.Equal(t, domain.StateClaimed, alloc.Account.State(f.clock.Now()))
	})
}

func TestAccountService_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.accounts.Allocate(ctx, identity("s1"), "sara@example.com")
	require.NoError(t, err)
	require.NoError(t, f.accounts.Release(ctx, identity("s1")))
	f.clock.Advance(3 * time.Hour)

	stale, err := f.store.GetAccountByAddress(ctx, "sara@example.com")
	require.NoError(t, err)

	_, err = f.accounts.Allocate(ctx, identity("winner"), "sara@example.com")
	require.NoError(t, err)

	// 拿着旧版本写入会失败
	stale.Claim("loser", f.clock.Now(), time.Hour)
	err = f.store.UpdateAccount(ctx, stale)
	assert.True(t, errors.Is(err, storage.ErrStaleAccount))

	_, err = f.accounts.Allocate(ctx, identity("loser"), "sara@example.com")
	assert.ErrorIs(t, err, domain.ErrInUse)
}

func TestAccountService_Resolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.accounts.Resolve(ctx, identity("nobody"))
	assert.ErrorIs(t, err, domain.ErrNoCurrentAccount)

	alloc, err := f.accounts.Current(ctx, identity("s1"))
	require.NoError(t, err)

	acc, session, err := f.accounts.Resolve(ctx, identity("s1"))
	require.NoError(t, err)
	assert.Equal(t, alloc.Account.ID, acc.ID)
	assert.Equal(t, alloc.Account.Address, session.CurrentAddress)

	f.clock.Advance(2 * time.Hour)
	_, _, err = f.accounts.Resolve(ctx, identity("s1"))
	assert.ErrorIs(t, err, domain.ErrNoCurrentAccount)
}
