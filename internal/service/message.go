package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/ratelimit"
	"tempmail/relay/internal/security"
	"tempmail/relay/internal/storage"
)

// AttachmentContent 附件内容与下载方式
type AttachmentContent struct {
	Attachment  domain.Attachment
	Filename    string
	ContentType string
	Inline      bool
	Data        []byte
}

// MessageService 封装邮件读取相关业务操作。
type MessageService struct {
	messages        storage.MessageRepository
	gateway         provider.Gateway
	syncer          *SyncService
	budget          *ratelimit.Budget
	filter          *security.ContentFilter
	attachments     *security.AttachmentSecurity
	sessionDuration time.Duration
	metrics         *monitoring.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

// NewMessageService 创建邮件服务。
func NewMessageService(
	messages storage.MessageRepository,
	gateway provider.Gateway,
	syncer *SyncService,
	budget *ratelimit.Budget,
	sessionDuration time.Duration,
	logger *zap.Logger,
) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		messages:        messages,
		gateway:         gateway,
		syncer:          syncer,
		budget:          budget,
		filter:          security.NewContentFilter(),
		attachments:     security.NewAttachmentSecurity(),
		sessionDuration: sessionDuration,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics 设置监控指标
func (s *MessageService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// Window 计算会话可见的邮件时间范围
//
// 起点为会话首次使用该地址的时间，终点取起点加会话时长与占用到期时间中较晚者。
func (s *MessageService) Window(account *domain.Account, session *domain.Session) (time.Time, time.Time) {
	var start time.Time
	switch {
	case session != nil && session.SessionStart != nil && session.CurrentAddress == account.Address:
		start = *session.SessionStart
	case account.LastUsedAt != nil:
		start = *account.LastUsedAt
	default:
		start = s.now().Add(-s.sessionDuration)
	}

	end := start.Add(s.sessionDuration)
	if account.SessionExpiresAt != nil && account.SessionExpiresAt.After(end) {
		end = *account.SessionExpiresAt
	}
	return start, end
}

// List 返回会话时间范围内的邮件摘要，新的在前
func (s *MessageService) List(ctx context.Context, account *domain.Account, session *domain.Session) ([]domain.MessageSummary, error) {
	from, to := s.Window(account, session)
	messages, err := s.messages.ListMessagesInRange(ctx, account.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	summaries := make([]domain.MessageSummary, 0, len(messages))
	for i := range messages {
		summaries = append(summaries, messages[i].Summary())
	}
	return summaries, nil
}

// Get 返回邮件详情并标记已读
//
// 服务商表示有附件但本地没有附件元数据时，先单独同步这封邮件。
// urlFor 生成内联图片的下载地址。
func (s *MessageService) Get(ctx context.Context, account *domain.Account, remoteID string, urlFor func(domain.Attachment) string) (*domain.Message, error) {
	msg, err := s.messages.GetMessage(ctx, account.ID, remoteID)
	if err != nil {
		return nil, err
	}

	if msg.NeedsDetail(msg.HasAttachments) && s.syncer != nil {
		synced, err := s.syncer.SyncMessage(ctx, account, remoteID)
		if err != nil {
			s.logger.Warn("message mini-sync failed", zap.String("message", remoteID), zap.Error(err))
		} else {
			synced.IsRead = synced.IsRead || msg.IsRead
			msg = synced
		}
	}

	if !msg.IsRead {
		if err := s.messages.MarkMessageRead(ctx, account.ID, remoteID); err != nil {
			s.logger.Warn("mark message read failed", zap.String("message", remoteID), zap.Error(err))
		} else {
			msg.IsRead = true
			s.metrics.RecordMessageRead()
		}
	}

	s.enrichContentIDs(ctx, account, msg)

	if urlFor != nil {
		msg.HTML = s.filter.RewriteInlineReferences(msg.HTML, msg.Attachments, urlFor)
	}
	msg.HTML = s.filter.SanitizeHTML(msg.HTML)
	return msg, nil
}

// enrichContentIDs 正文引用了 cid 但附件缺少 Content-ID 时，解析原始邮件补全并保存
func (s *MessageService) enrichContentIDs(ctx context.Context, account *domain.Account, msg *domain.Message) {
	if !s.missingContentIDs(msg) {
		return
	}

	raw, err := s.fetchSource(ctx, account, msg.RemoteID)
	if err != nil {
		s.logger.Debug("raw source unavailable for content-id lookup", zap.String("message", msg.RemoteID), zap.Error(err))
		return
	}
	parts, err := parseMIMEParts(raw)
	if err != nil && len(parts) == 0 {
		s.logger.Debug("parse raw source failed", zap.String("message", msg.RemoteID), zap.Error(err))
		return
	}
	if !fillContentIDs(msg.Attachments, parts) {
		return
	}

	stored := *msg
	if _, err := s.messages.UpsertMessage(ctx, &stored); err != nil {
		s.logger.Warn("save enriched attachments failed", zap.String("message", msg.RemoteID), zap.Error(err))
	}
}

func (s *MessageService) missingContentIDs(msg *domain.Message) bool {
	refs := s.filter.InlineReferences(msg.HTML)
	if len(refs) == 0 || len(msg.Attachments) == 0 {
		return false
	}
	known := make(map[string]bool, len(msg.Attachments))
	hasEmpty := false
	for _, a := range msg.Attachments {
		if a.ContentID == "" {
			hasEmpty = true
			continue
		}
		known[domain.NormalizeContentID(a.ContentID)] = true
	}
	if !hasEmpty {
		return false
	}
	for _, ref := range refs {
		if !known[ref] {
			return true
		}
	}
	return false
}

// Source 返回原始 RFC 822 邮件
func (s *MessageService) Source(ctx context.Context, account *domain.Account, remoteID string) ([]byte, error) {
	if _, err := s.messages.GetMessage(ctx, account.ID, remoteID); err != nil {
		return nil, err
	}
	return s.fetchSource(ctx, account, remoteID)
}

// Attachment 返回附件内容
func (s *MessageService) Attachment(ctx context.Context, account *domain.Account, remoteID, attachmentID string) (*AttachmentContent, error) {
	msg, err := s.messages.GetMessage(ctx, account.ID, remoteID)
	if err != nil {
		return nil, err
	}
	att, ok := msg.FindAttachment(attachmentID)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}

	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	mailbox, err := s.gateway.ResolveInbox(ctx, account.RemoteID)
	if err != nil {
		return nil, s.providerError(err)
	}
	data, err := s.gateway.GetAttachment(ctx, account.RemoteID, mailbox.ID, remoteID, attachmentID)
	if err != nil {
		return nil, s.providerError(err)
	}

	contentType, inline := s.attachments.Disposition(*att)
	return &AttachmentContent{
		Attachment:  *att,
		Filename:    s.attachments.SafeFilename(att.Filename),
		ContentType: contentType,
		Inline:      inline,
		Data:        data,
	}, nil
}

func (s *MessageService) fetchSource(ctx context.Context, account *domain.Account, remoteID string) ([]byte, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	mailbox, err := s.gateway.ResolveInbox(ctx, account.RemoteID)
	if err != nil {
		return nil, s.providerError(err)
	}
	raw, err := s.gateway.GetRawSource(ctx, account.RemoteID, mailbox.ID, remoteID)
	if err != nil {
		return nil, s.providerError(err)
	}
	return raw, nil
}

func (s *MessageService) admit(ctx context.Context) error {
	if s.budget == nil {
		return nil
	}
	if ok, _ := s.budget.Allow(ctx); !ok {
		s.metrics.RecordRateLimitBlock("provider_budget")
		return domain.ErrServiceUnavailable
	}
	return nil
}

func (s *MessageService) providerError(err error) error {
	switch {
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, provider.ErrNoInbox):
		return storage.ErrMessageNotFound
	case errors.Is(err, provider.ErrRateLimited):
		if s.budget != nil {
			retryAfter, _ := provider.RetryAfter(err)
			s.budget.RecordRateLimited(context.Background(), retryAfter)
		}
		return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	case errors.Is(err, provider.ErrTransient):
		return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	default:
		return err
	}
}
