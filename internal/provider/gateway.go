// Package provider 封装对外部邮箱服务商（SMTP.dev 兼容 API）的调用。
//
// 服务商返回的列表有时是数组、有时是带 member 字段的对象，这种差异只在本包内处理，
// 对外统一为类型化的结果。
package provider

import (
	"context"
	"time"

	"tempmail/relay/internal/domain"
)

// Gateway 服务商操作契约
type Gateway interface {
	ListActiveDomains(ctx context.Context) ([]RemoteDomain, error)
	CreateAccount(ctx context.Context, address, password string) (*RemoteAccount, error)
	FindAccount(ctx context.Context, address string) (*RemoteAccount, error)
	ResolveInbox(ctx context.Context, accountID string) (*Mailbox, error)
	ListMessages(ctx context.Context, accountID, mailboxID string, page int) (*MessagePage, error)
	GetMessage(ctx context.Context, accountID, mailboxID, messageID string) (*MessageDetail, error)
	GetAttachment(ctx context.Context, accountID, mailboxID, messageID, attachmentID string) ([]byte, error)
	GetRawSource(ctx context.Context, accountID, mailboxID, messageID string) ([]byte, error)
}

// RemoteDomain 服务商域名
type RemoteDomain struct {
	ID       string
	Domain   string
	IsActive bool
}

// RemoteAccount 服务商账号
type RemoteAccount struct {
	ID      string
	Address string
}

// Mailbox 服务商邮箱目录
type Mailbox struct {
	ID   string
	Path string
}

// MessageHeader 列表接口返回的邮件摘要
type MessageHeader struct {
	ID             string
	MailboxID      string
	HasAttachments bool
}

// MessagePage 一页邮件摘要
type MessagePage struct {
	Messages   []MessageHeader
	TotalItems int
	Paginated  bool // 响应为数组时没有分页信息
}

// MessageDetail 邮件详情
type MessageDetail struct {
	ID             string
	MailboxID      string
	FromAddress    string
	FromName       string
	To             []string
	Cc             []string
	Bcc            []string
	Subject        string
	Text           string
	HTML           string
	Attachments    []domain.Attachment
	HasAttachments bool
	IsRead         bool
	IsFlagged      bool
	CreatedAt      time.Time // 无法解析时为零值
}

// ListAllMessages 翻页直到服务商表示没有更多数据
func ListAllMessages(ctx context.Context, g Gateway, accountID, mailboxID string) ([]MessageHeader, error) {
	var all []MessageHeader
	for page := 1; ; page++ {
		p, err := g.ListMessages(ctx, accountID, mailboxID, page)
		if err != nil {
			return nil, err
		}
		if len(p.Messages) == 0 {
			break
		}
		all = append(all, p.Messages...)
		if !p.Paginated || len(all) >= p.TotalItems {
			break
		}
	}
	return all, nil
}
