package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/pool"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/ratelimit"
	"tempmail/relay/internal/storage"
)

// ErrAccountGone 服务商已不存在该账号，本地副本已删除
var ErrAccountGone = errors.New("account no longer exists at provider")

// Notifier 新邮件通知
type Notifier interface {
	NotifyNewMessages(address string, messages []domain.MessageSummary)
}

// SyncResult 一次同步的结果
type SyncResult struct {
	Skipped    bool
	SkipReason string // throttled / budget
	Listed     int
	Fetched    int
	Created    int
}

// SyncService 把服务商收件箱镜像到本地。
type SyncService struct {
	accounts storage.AccountRepository
	messages storage.MessageRepository
	gateway  provider.Gateway
	budget   *ratelimit.Budget
	throttle *ratelimit.Throttle
	workers  *pool.WorkerPool
	notifier Notifier
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncService 创建同步服务，workers 与 notifier 可以为 nil。
func NewSyncService(
	accounts storage.AccountRepository,
	messages storage.MessageRepository,
	gateway provider.Gateway,
	budget *ratelimit.Budget,
	throttle *ratelimit.Throttle,
	workers *pool.WorkerPool,
	logger *zap.Logger,
) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		accounts: accounts,
		messages: messages,
		gateway:  gateway,
		budget:   budget,
		throttle: throttle,
		workers:  workers,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier 设置新邮件通知（避免与 WebSocket Hub 循环依赖）
func (s *SyncService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics 设置监控指标
func (s *SyncService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// SyncInbox 同步账号收件箱，被节流或预算拦下时直接返回 nil
func (s *SyncService) SyncInbox(ctx context.Context, account *domain.Account) error {
	_, err := s.Run(ctx, account)
	return err
}

// Run 执行一次同步并返回结果
func (s *SyncService) Run(ctx context.Context, account *domain.Account) (*SyncResult, error) {
	if !s.throttle.Allow(ctx, account.Address) {
		s.metrics.RecordSync("throttled", 0)
		return &SyncResult{Skipped: true, SkipReason: "throttled"}, nil
	}
	if ok, wait := s.budget.Allow(ctx); !ok {
		s.metrics.RecordSync("budget", 0)
		s.metrics.RecordRateLimitBlock("provider_budget")
		s.logger.Debug("sync skipped by budget", zap.String("address", account.Address), zap.Duration("wait", wait))
		return &SyncResult{Skipped: true, SkipReason: "budget"}, nil
	}

	start := time.Now()
	result, err := s.pass(ctx, account)
	if err != nil {
		err = s.handleError(ctx, account, err)
		if errors.Is(err, ErrAccountGone) {
			s.metrics.RecordSync("orphaned", time.Since(start))
		} else {
			s.metrics.RecordSync("error", time.Since(start))
		}
		return result, err
	}

	now := s.now()
	if err := s.accounts.TouchSynced(ctx, account.ID, now); err != nil {
		s.logger.Warn("touch synced failed", zap.String("address", account.Address), zap.Error(err))
	}
	s.throttle.RecordSync(ctx, account.Address)
	s.budget.RecordSuccess(ctx)

	s.metrics.RecordSync("ok", time.Since(start))
	s.metrics.RecordMessagesSynced(result.Created)
	return result, nil
}

func (s *SyncService) pass(ctx context.Context, account *domain.Account) (*SyncResult, error) {
	result := &SyncResult{}

	mailbox, err := s.gateway.ResolveInbox(ctx, account.RemoteID)
	if errors.Is(err, provider.ErrNoInbox) {
		// 账号还没有 INBOX，按空收件箱处理
		s.logger.Debug("account has no inbox yet", zap.String("address", account.Address))
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("resolve inbox: %w", err)
	}
	headers, err := provider.ListAllMessages(ctx, s.gateway, account.RemoteID, mailbox.ID)
	if err != nil {
		return result, fmt.Errorf("list messages: %w", err)
	}
	result.Listed = len(headers)
	if len(headers) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(headers))
	for _, h := range headers {
		ids = append(ids, h.ID)
	}
	local, err := s.messages.GetMessagesByRemoteIDs(ctx, account.ID, ids)
	if err != nil {
		return result, fmt.Errorf("load local messages: %w", err)
	}

	var created []domain.MessageSummary
	for _, h := range headers {
		existing, ok := local[h.ID]
		if ok && !existing.NeedsDetail(h.HasAttachments) {
			continue
		}

		detail, err := s.gateway.GetMessage(ctx, account.RemoteID, mailbox.ID, h.ID)
		if err != nil {
			// 单封邮件已被删除不影响整个账号
			if errors.Is(err, provider.ErrNotFound) {
				s.logger.Debug("message vanished during sync", zap.String("message", h.ID))
				continue
			}
			return result, fmt.Errorf("get message %s: %w", h.ID, err)
		}
		result.Fetched++

		msg := s.toMessage(account.ID, detail)
		isNew, err := s.messages.UpsertMessage(ctx, msg)
		if err != nil {
			return result, fmt.Errorf("upsert message %s: %w", h.ID, err)
		}
		if isNew {
			result.Created++
			created = append(created, msg.Summary())
		}
	}

	if len(created) > 0 && s.notifier != nil {
		s.notifier.NotifyNewMessages(account.Address, created)
	}
	return result, nil
}

// SyncMessage 只同步单封邮件的详情，按预算放行
func (s *SyncService) SyncMessage(ctx context.Context, account *domain.Account, remoteID string) (*domain.Message, error) {
	if ok, _ := s.budget.Allow(ctx); !ok {
		s.metrics.RecordRateLimitBlock("provider_budget")
		return nil, domain.ErrServiceUnavailable
	}

	mailbox, err := s.gateway.ResolveInbox(ctx, account.RemoteID)
	if err != nil {
		return nil, s.handleError(ctx, account, fmt.Errorf("resolve inbox: %w", err))
	}
	detail, err := s.gateway.GetMessage(ctx, account.RemoteID, mailbox.ID, remoteID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, s.handleError(ctx, account, fmt.Errorf("get message: %w", err))
	}

	msg := s.toMessage(account.ID, detail)
	if _, err := s.messages.UpsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}
	s.budget.RecordSuccess(ctx)
	return msg, nil
}

// RefreshAsync 在后台同步，不阻塞调用方，错误只记录日志
func (s *SyncService) RefreshAsync(account *domain.Account) {
	if account == nil {
		return
	}
	acc := *account
	task := func(ctx context.Context) {
		if err := s.SyncInbox(ctx, &acc); err != nil {
			if errors.Is(err, ErrAccountGone) {
				s.logger.Info("background sync removed orphaned account", zap.String("address", acc.Address))
				return
			}
			s.logger.Warn("background sync failed", zap.String("address", acc.Address), zap.Error(err))
		}
	}

	if s.workers == nil {
		go task(context.Background())
		return
	}
	if err := s.workers.TrySubmit("sync:"+acc.Address, task); err != nil {
		s.metrics.RecordBackgroundDrop()
		s.logger.Warn("background sync dropped", zap.String("address", acc.Address), zap.Error(err))
	}
}

// handleError 按服务商错误分类处理：限流进入退避，账号不存在则删除本地副本
func (s *SyncService) handleError(ctx context.Context, account *domain.Account, err error) error {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		retryAfter, _ := provider.RetryAfter(err)
		backoff := s.budget.RecordRateLimited(ctx, retryAfter)
		s.metrics.RecordProviderBackoff(backoff)
		s.metrics.RecordError("rate_limited", "sync")
		return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)

	case errors.Is(err, provider.ErrNotFound):
		if delErr := s.accounts.DeleteAccount(ctx, account.ID); delErr != nil && !errors.Is(delErr, storage.ErrAccountNotFound) {
			s.logger.Error("delete orphaned account failed", zap.String("address", account.Address), zap.Error(delErr))
			return err
		}
		s.metrics.RecordAccountOrphaned()
		s.logger.Warn("orphaned account removed", zap.String("address", account.Address))
		return ErrAccountGone

	case errors.Is(err, provider.ErrTransient):
		s.metrics.RecordError("transient", "sync")
		return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)

	default:
		s.metrics.RecordError("fatal", "sync")
		return err
	}
}

func (s *SyncService) toMessage(accountID string, d *provider.MessageDetail) *domain.Message {
	received := d.CreatedAt
	if received.IsZero() {
		received = s.now()
	}
	return &domain.Message{
		RemoteID:       d.ID,
		AccountID:      accountID,
		FromAddress:    d.FromAddress,
		FromName:       d.FromName,
		To:             d.To,
		Cc:             d.Cc,
		Bcc:            d.Bcc,
		Subject:        d.Subject,
		Text:           d.Text,
		HTML:           d.HTML,
		Attachments:    d.Attachments,
		HasAttachments: d.HasAttachments || len(d.Attachments) > 0,
		IsRead:         d.IsRead,
		IsFlagged:      d.IsFlagged,
		ReceivedAt:     received.UTC(),
	}
}
