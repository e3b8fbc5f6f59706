package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage/memory"
)

func seedAdminStore(t *testing.T) (*memory.Store, time.Time) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertDomains(ctx, []domain.Domain{
		{ID: "d1", RemoteID: "r-d1", Name: "alpha.com", IsActive: true},
		{ID: "d2", RemoteID: "r-d2", Name: "beta.com", IsActive: true},
	}))

	accounts := []struct {
		id, domainID string
		available    bool
	}{
		{"a1", "d1", false},
		{"a2", "d1", true},
		{"a3", "d2", false},
	}
	for _, a := range accounts {
		used := now.Add(-time.Hour)
		require.NoError(t, store.CreateAccount(ctx, &domain.Account{
			ID:          a.id,
			RemoteID:    "remote-" + a.id,
			Address:     a.id + "@example.com",
			DomainID:    a.domainID,
			IsAvailable: a.available,
			LastUsedAt:  &used,
			CreatedAt:   now.Add(-2 * time.Hour),
		}))
	}

	messages := []domain.Message{
		{RemoteID: "m1", AccountID: "a1", FromAddress: "news@shop.com", HasAttachments: true,
			Attachments: []domain.Attachment{{ContentType: "image/png"}, {ContentType: "application/pdf"}}},
		{RemoteID: "m2", AccountID: "a1", FromAddress: "deals@shop.com"},
		{RemoteID: "m3", AccountID: "a3", FromAddress: "hello@mail.net", HasAttachments: true,
			Attachments: []domain.Attachment{{ContentType: "IMAGE/PNG"}}},
		{RemoteID: "m4", AccountID: "a3", FromAddress: "broken@"},
	}
	for i := range messages {
		messages[i].ReceivedAt = now.Add(-30 * time.Minute)
		_, err := store.UpsertMessage(ctx, &messages[i])
		require.NoError(t, err)
	}
	return store, now
}

func TestAdminService_Statistics(t *testing.T) {
	ctx := context.Background()
	store, now := seedAdminStore(t)
	svc := NewAdminService(store, nil)

	stats, err := svc.Statistics(ctx, now.Add(-24*time.Hour), now, "")
	require.NoError(t, err)

	t.Run("账号计数", func(t *testing.T) {
		assert.Equal(t, int64(3), stats.TotalAccounts)
		assert.Equal(t, int64(1), stats.AvailableAccounts)
		assert.Equal(t, int64(2), stats.AccountsInUse)
		assert.Equal(t, 2, stats.DomainsUsed)
		assert.Equal(t, 2, stats.ActiveDomainsUsed)
		assert.Equal(t, []domain.CountEntry{{Name: "alpha.com", Count: 2}, {Name: "beta.com", Count: 1}}, stats.AccountsByDomain)
	})

	t.Run("邮件与附件", func(t *testing.T) {
		assert.Equal(t, int64(4), stats.TotalMessages)
		assert.Equal(t, int64(2), stats.MessagesWithAttach)
		assert.Equal(t, 3, stats.TotalAttachments)
		assert.Equal(t, []domain.CountEntry{{Name: "png", Count: 2}, {Name: "pdf", Count: 1}}, stats.AttachmentTypes)
	})

	t.Run("发件域名排行忽略非法地址", func(t *testing.T) {
		assert.Equal(t, 2, stats.SenderDomainsTotal)
		assert.Equal(t, []domain.CountEntry{{Name: "shop.com", Count: 2}, {Name: "mail.net", Count: 1}}, stats.SenderDomains)
	})

	t.Run("区间外没有数据", func(t *testing.T) {
		empty, err := svc.Statistics(ctx, now.Add(time.Hour), now.Add(2*time.Hour), FilterTop10)
		require.NoError(t, err)
		assert.Zero(t, empty.TotalAccounts)
		assert.Zero(t, empty.TotalMessages)
		assert.Empty(t, empty.SenderDomains)
	})
}

func TestAdminService_SenderLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateAccount(ctx, &domain.Account{ID: "a1", RemoteID: "r1", Address: "a1@example.com"}))
	for i := 0; i < 15; i++ {
		_, err := store.UpsertMessage(ctx, &domain.Message{
			RemoteID:    fmt.Sprintf("m%d", i),
			AccountID:   "a1",
			FromAddress: fmt.Sprintf("x@site%02d.com", i),
			ReceivedAt:  now,
		})
		require.NoError(t, err)
	}

	svc := NewAdminService(store, nil)
	stats, err := svc.Statistics(ctx, now.Add(-time.Hour), now.Add(time.Hour), "TOP10")
	require.NoError(t, err)
	assert.Len(t, stats.SenderDomains, 10)
	assert.Equal(t, 15, stats.SenderDomainsTotal)
}

func TestAdminService_ListAccounts(t *testing.T) {
	ctx := context.Background()
	store, _ := seedAdminStore(t)
	svc := NewAdminService(store, nil)

	list, total, err := svc.ListAccounts(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 2)

	list, _, err = svc.ListAccounts(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNormalizeFilter(t *testing.T) {
	assert.Equal(t, FilterTop50, NormalizeFilter(" Top50 "))
	assert.Equal(t, FilterAll, NormalizeFilter("top1000"))
	assert.Equal(t, FilterAll, NormalizeFilter(""))
}

func TestSenderDomain(t *testing.T) {
	cases := map[string]string{
		"user@Example.COM":   "example.com",
		"user@localhost":     "",
		"user@-bad.com":      "",
		"no-at-sign":         "",
		"user@sub.mail.io":   "sub.mail.io",
		"user@under_score.x": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, senderDomain(in), in)
	}
}
