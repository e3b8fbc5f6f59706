package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

func newAccount(address string) *domain.Account {
	return &domain.Account{
		RemoteID:    "remote-" + address,
		Address:     address,
		Password:    "secret",
		DomainID:    "d1",
		IsAvailable: true,
	}
}

func TestMemoryStore_AccountCAS(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	acc := newAccount("a@x.test")
	require.NoError(t, store.CreateAccount(ctx, acc))
	assert.Equal(t, storage.ErrAddressTaken, store.CreateAccount(ctx, newAccount("a@x.test")))

	first, err := store.GetAccountByAddress(ctx, "a@x.test")
	require.NoError(t, err)
	second, err := store.GetAccountByAddress(ctx, "a@x.test")
	require.NoError(t, err)

	now := time.Now()
	first.Claim("s1", now, time.Hour)
	require.NoError(t, store.UpdateAccount(ctx, first))

	second.Claim("s2", now, time.Hour)
	assert.ErrorIs(t, store.UpdateAccount(ctx, second), storage.ErrStaleAccount)

	got, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.LastSessionKey)
	assert.Equal(t, first.Version, got.Version)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateAccount(ctx, newAccount("a@x.test")))

	got, err := store.GetAccountByAddress(ctx, "a@x.test")
	require.NoError(t, err)
	got.IsAvailable = false

	again, err := store.GetAccountByAddress(ctx, "a@x.test")
	require.NoError(t, err)
	assert.True(t, again.IsAvailable)
}

func TestMemoryStore_ExpiredClaimsAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	acc := newAccount("old@x.test")
	require.NoError(t, store.CreateAccount(ctx, acc))
	acc.Claim("s1", now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, store.UpdateAccount(ctx, acc))

	live := newAccount("live@x.test")
	require.NoError(t, store.CreateAccount(ctx, live))
	live.Claim("s2", now, time.Hour)
	require.NoError(t, store.UpdateAccount(ctx, live))

	expired, err := store.ListExpiredClaims(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old@x.test", expired[0].Address)

	_, err = store.UpsertMessage(ctx, &domain.Message{RemoteID: "m1", AccountID: acc.ID, ReceivedAt: now})
	require.NoError(t, err)
	require.NoError(t, store.DeleteAccount(ctx, acc.ID))

	_, err = store.GetMessage(ctx, acc.ID, "m1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	taken, err := store.AddressesTaken(ctx, []string{"old@x.test", "live@x.test"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"live@x.test": true}, taken)
}

func TestMemoryStore_Messages(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	acc := newAccount("a@x.test")
	require.NoError(t, store.CreateAccount(ctx, acc))

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		created, err := store.UpsertMessage(ctx, &domain.Message{
			RemoteID:   id,
			AccountID:  acc.ID,
			Subject:    id,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, created)
	}

	t.Run("更新不改变已读", func(t *testing.T) {
		require.NoError(t, store.MarkMessageRead(ctx, acc.ID, "m1"))
		created, err := store.UpsertMessage(ctx, &domain.Message{RemoteID: "m1", AccountID: acc.ID, Subject: "new", ReceivedAt: base})
		require.NoError(t, err)
		assert.False(t, created)
		m, err := store.GetMessage(ctx, acc.ID, "m1")
		require.NoError(t, err)
		assert.True(t, m.IsRead)
		assert.Equal(t, "new", m.Subject)
	})

	t.Run("区间查询新的在前", func(t *testing.T) {
		list, err := store.ListMessagesInRange(ctx, acc.ID, base.Add(time.Minute), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "m3", list[0].RemoteID)
		assert.Equal(t, "m2", list[1].RemoteID)
	})

	t.Run("按远端ID批量查询", func(t *testing.T) {
		found, err := store.GetMessagesByRemoteIDs(ctx, acc.ID, []string{"m1", "missing"})
		require.NoError(t, err)
		assert.Len(t, found, 1)
		assert.Contains(t, found, "m1")
	})
}

func TestMemoryStore_UpsertDomains(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.UpsertDomains(ctx, []domain.Domain{
		{RemoteID: "r1", Name: "A.test", IsActive: true},
		{RemoteID: "r2", Name: "b.test", IsActive: true},
	}))
	require.NoError(t, store.UpsertDomains(ctx, []domain.Domain{
		{RemoteID: "r1", Name: "a.test", IsActive: true},
	}))

	active, err := store.ListActiveDomains(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a.test", active[0].Name)

	all, err := store.ListDomains(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.GetDomainByName(ctx, "missing.test")
	assert.ErrorIs(t, err, storage.ErrDomainNotFound)
}

func TestKV_Counters(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kv.SetClock(func() time.Time { return now })

	t.Run("滑动窗口", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, kv.WindowAdd(ctx, "w", now.Add(time.Duration(i)*100*time.Millisecond), time.Minute))
		}
		n, oldest, err := kv.WindowCount(ctx, "w", now.Add(150*time.Millisecond))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Equal(t, now.Add(200*time.Millisecond), oldest)
	})

	t.Run("时间值过期", func(t *testing.T) {
		require.NoError(t, kv.SetTime(ctx, "t", now, time.Second))
		_, ok, err := kv.GetTime(ctx, "t")
		require.NoError(t, err)
		assert.True(t, ok)

		now = now.Add(2 * time.Second)
		_, ok, err = kv.GetTime(ctx, "t")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("计数器", func(t *testing.T) {
		n, err := kv.Incr(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = kv.Incr(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		require.NoError(t, kv.Delete(ctx, "c"))
		n, err = kv.Incr(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestKV_Sessions(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()

	_, err := kv.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	s := domain.NewSession("k1")
	s.Use("a@x.test", "fp", time.Now(), 5)
	require.NoError(t, kv.SaveSession(ctx, s, time.Hour))

	got, err := kv.GetSession(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.test", got.CurrentAddress)
	assert.Equal(t, "fp", got.Fingerprints["a@x.test"])
}
