package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

// 发件域名排行的筛选方式
const (
	FilterAll   = "all"
	FilterTop10 = "top10"
	FilterTop50 = "top50"
)

const (
	maxAttachmentTypeLen = 20
	topAttachmentTypes   = 10
)

var senderLimits = map[string]int{
	FilterTop10: 10,
	FilterTop50: 50,
	FilterAll:   100,
}

// AdminStore 管理后台需要的存储能力
type AdminStore interface {
	storage.StatisticsRepository
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	ListAccounts(ctx context.Context, offset, limit int) ([]domain.Account, int64, error)
}

// AdminService 管理后台统计
type AdminService struct {
	store  AdminStore
	logger *zap.Logger
	now    func() time.Time
}

// NewAdminService 创建管理服务
func NewAdminService(store AdminStore, logger *zap.Logger) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeFilter 非法的筛选值按 all 处理
func NormalizeFilter(filter string) string {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if _, ok := senderLimits[filter]; !ok {
		return FilterAll
	}
	return filter
}

// Statistics 汇总 [from, to] 区间内的账号与邮件数据
func (s *AdminService) Statistics(ctx context.Context, from, to time.Time, filter string) (*domain.Statistics, error) {
	stats := &domain.Statistics{From: from, To: to}

	var (
		byDomain map[string]int64
		messages []domain.Message
		domains  []domain.Domain
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.CountAccountsCreated(gctx, from, to)
		if err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		stats.TotalAccounts = n
		return nil
	})
	g.Go(func() error {
		n, err := s.store.CountAvailableAccountsUsed(gctx, from, to)
		if err != nil {
			return fmt.Errorf("count available accounts: %w", err)
		}
		stats.AvailableAccounts = n
		return nil
	})
	g.Go(func() error {
		m, err := s.store.CountAccountsByDomain(gctx, from, to)
		if err != nil {
			return fmt.Errorf("count accounts by domain: %w", err)
		}
		byDomain = m
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListMessagesReceived(gctx, from, to)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		messages = list
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListDomains(gctx)
		if err != nil {
			return fmt.Errorf("list domains: %w", err)
		}
		domains = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.AccountsInUse = stats.TotalAccounts - stats.AvailableAccounts
	s.aggregateDomains(stats, byDomain, domains)
	s.aggregateMessages(stats, messages, NormalizeFilter(filter))
	return stats, nil
}

func (s *AdminService) aggregateDomains(stats *domain.Statistics, byDomain map[string]int64, domains []domain.Domain) {
	names := make(map[string]domain.Domain, len(domains))
	for _, d := range domains {
		names[d.ID] = d
	}

	entries := make([]domain.CountEntry, 0, len(byDomain))
	for id, n := range byDomain {
		if n <= 0 {
			continue
		}
		stats.DomainsUsed++
		d, ok := names[id]
		if !ok {
			continue
		}
		if !d.IsActive {
			continue
		}
		stats.ActiveDomainsUsed++
		entries = append(entries, domain.CountEntry{Name: d.Name, Count: int(n)})
	}
	stats.AccountsByDomain = sortEntries(entries, 0)
}

func (s *AdminService) aggregateMessages(stats *domain.Statistics, messages []domain.Message, filter string) {
	types := make(map[string]int)
	senders := make(map[string]int)

	for i := range messages {
		m := &messages[i]
		stats.TotalMessages++
		if m.HasAttachments {
			stats.MessagesWithAttach++
		}
		if d := senderDomain(m.FromAddress); d != "" {
			senders[d]++
		}
		if !m.HasAttachments {
			continue
		}
		stats.TotalAttachments += len(m.Attachments)
		for _, a := range m.Attachments {
			if t := attachmentType(a.ContentType); t != "" {
				types[t]++
			}
		}
	}

	stats.AttachmentTypes = sortEntries(toEntries(types), topAttachmentTypes)
	stats.SenderDomainsTotal = len(senders)
	stats.SenderDomains = sortEntries(toEntries(senders), senderLimits[filter])
}

// ListAccounts 分页列出账号及其当前状态
func (s *AdminService) ListAccounts(ctx context.Context, page, size int) ([]domain.AccountSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 50
	}

	accounts, total, err := s.store.ListAccounts(ctx, (page-1)*size, size)
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}

	now := s.now()
	out := make([]domain.AccountSummary, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		out = append(out, domain.AccountSummary{
			Address:          a.Address,
			State:            a.State(now),
			LastUsedAt:       a.LastUsedAt,
			SessionExpiresAt: a.SessionExpiresAt,
			CooldownUntil:    a.CooldownUntil,
			LastSyncedAt:     a.LastSyncedAt,
			CreatedAt:        a.CreatedAt,
		})
	}
	return out, total, nil
}

// senderDomain 提取发件人域名，格式不合法时返回空
func senderDomain(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return ""
	}
	d := strings.ToLower(strings.TrimSpace(address[i+1:]))
	d = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, d)
	if d == "" || len(d) > domain.MaxDomainLength {
		return ""
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return ""
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return ""
		}
		for _, r := range label {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' {
				return ""
			}
		}
	}
	return d
}

// attachmentType 取 MIME 子类型，例如 image/png -> png
func attachmentType(contentType string) string {
	t := contentType
	if i := strings.LastIndex(t, "/"); i >= 0 {
		t = t[i+1:]
	}
	if len(t) > maxAttachmentTypeLen {
		t = t[:maxAttachmentTypeLen]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func toEntries(counts map[string]int) []domain.CountEntry {
	entries := make([]domain.CountEntry, 0, len(counts))
	for name, n := range counts {
		entries = append(entries, domain.CountEntry{Name: name, Count: n})
	}
	return entries
}

// sortEntries 按数量降序，数量相同按名称；limit 为 0 时不截断
func sortEntries(entries []domain.CountEntry, limit int) []domain.CountEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
