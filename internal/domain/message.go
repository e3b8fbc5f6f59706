package domain

import "time"

// Message 表示从服务商镜像到本地的一封来信。
type Message struct {
	ID             string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RemoteID       string       `json:"remoteId" gorm:"type:varchar(255);uniqueIndex;not null"`
	AccountID      string       `json:"accountId" gorm:"type:varchar(36);index:idx_messages_account_received,priority:1;not null"`
	FromAddress    string       `json:"fromAddress" gorm:"type:varchar(255)"`
	FromName       string       `json:"fromName" gorm:"type:varchar(255)"`
	To             []string     `json:"to" gorm:"serializer:json;type:json"`
	Cc             []string     `json:"cc" gorm:"serializer:json;type:json"`
	Bcc            []string     `json:"bcc" gorm:"serializer:json;type:json"`
	Subject        string       `json:"subject" gorm:"type:varchar(500)"`
	Text           string       `json:"text,omitempty" gorm:"type:text"`
	HTML           string       `json:"html,omitempty" gorm:"type:text"`
	Attachments    []Attachment `json:"attachments" gorm:"serializer:json;type:json"`
	HasAttachments bool         `json:"hasAttachments" gorm:"default:false"`
	IsRead         bool         `json:"isRead" gorm:"default:false;index"`
	IsFlagged      bool         `json:"isFlagged" gorm:"default:false"`
	ReceivedAt     time.Time    `json:"receivedAt" gorm:"index:idx_messages_account_received,priority:2"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// NeedsDetail 判断本地副本是否需要重新拉取详情
//
// 服务商标记有附件，但本地附件列表为空时，说明上次只拿到了摘要。
func (m *Message) NeedsDetail(remoteHasAttachments bool) bool {
	if m == nil {
		return true
	}
	return remoteHasAttachments && len(m.Attachments) == 0
}

// FindAttachment 按服务商附件 ID 查找附件元数据
func (m *Message) FindAttachment(remoteID string) (*Attachment, bool) {
	for i := range m.Attachments {
		if m.Attachments[i].RemoteID == remoteID {
			return &m.Attachments[i], true
		}
	}
	return nil, false
}

// MessageSummary 邮件列表项（不含正文）
type MessageSummary struct {
	ID             string    `json:"id"`
	FromAddress    string    `json:"fromAddress"`
	FromName       string    `json:"fromName"`
	Subject        string    `json:"subject"`
	HasAttachments bool      `json:"hasAttachments"`
	IsRead         bool      `json:"isRead"`
	IsFlagged      bool      `json:"isFlagged"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Summary 生成列表视图
func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ID:             m.RemoteID,
		FromAddress:    m.FromAddress,
		FromName:       m.FromName,
		Subject:        m.Subject,
		HasAttachments: m.HasAttachments,
		IsRead:         m.IsRead,
		IsFlagged:      m.IsFlagged,
		ReceivedAt:     m.ReceivedAt,
	}
}
