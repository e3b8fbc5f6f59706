package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tempmail/relay/internal/domain"
)

// envelope 兼容 `[...]` 与 `{"member": [...], "totalItems": n}` 两种列表
type envelope[T any] struct {
	Items      []T
	TotalItems int
	Paginated  bool
}

func decodeList[T any](data []byte) (envelope[T], error) {
	var out envelope[T]
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return out, nil
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out.Items); err != nil {
			return out, fmt.Errorf("%w: decode list: %v", ErrFatal, err)
		}
		out.TotalItems = len(out.Items)
		return out, nil
	}
	var obj struct {
		Member     []T  `json:"member"`
		TotalItems *int `json:"totalItems"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return out, fmt.Errorf("%w: decode member list: %v", ErrFatal, err)
	}
	out.Items = obj.Member
	out.Paginated = true
	if obj.TotalItems != nil {
		out.TotalItems = *obj.TotalItems
	} else {
		out.TotalItems = len(obj.Member)
	}
	return out, nil
}

// flexString 接受字符串或字符串数组（取第一个）
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*f = flexString(list[0])
		} else {
			*f = ""
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexString(s)
	return nil
}

// wireAddress 接受 "a@b" 或 {"address": "a@b", "name": "..."}
type wireAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (a *wireAddress) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Address)
	}
	type plain wireAddress
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = wireAddress(p)
	return nil
}

func addresses(list []wireAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

type wireDomain struct {
	ID       string `json:"id"`
	Domain   string `json:"domain"`
	IsActive bool   `json:"isActive"`
}

type wireAccount struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type wireMailbox struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Cid         string `json:"cid"`
	ContentID   string `json:"contentId"`
}

type wireBody struct {
	Text flexString `json:"text"`
	HTML flexString `json:"html"`
}

type wireMessage struct {
	ID             string           `json:"id"`
	MailboxID      string           `json:"mailboxId"`
	From           wireAddress      `json:"from"`
	To             []wireAddress    `json:"to"`
	Cc             []wireAddress    `json:"cc"`
	Bcc            []wireAddress    `json:"bcc"`
	Subject        string           `json:"subject"`
	Text           flexString       `json:"text"`
	HTML           flexString       `json:"html"`
	Body           json.RawMessage  `json:"body"`
	HasAttachments bool             `json:"hasAttachments"`
	Attachments    []wireAttachment `json:"attachments"`
	IsRead         bool             `json:"isRead"`
	IsFlagged      bool             `json:"isFlagged"`
	CreatedAt      string           `json:"createdAt"`
}

func (m wireMessage) header() MessageHeader {
	return MessageHeader{ID: m.ID, MailboxID: m.MailboxID, HasAttachments: m.HasAttachments}
}

func (m wireMessage) detail() *MessageDetail {
	d := &MessageDetail{
		ID:             m.ID,
		MailboxID:      m.MailboxID,
		FromAddress:    m.From.Address,
		FromName:       m.From.Name,
		To:             addresses(m.To),
		Cc:             addresses(m.Cc),
		Bcc:            addresses(m.Bcc),
		Subject:        m.Subject,
		Text:           string(m.Text),
		HTML:           string(m.HTML),
		HasAttachments: m.HasAttachments,
		IsRead:         m.IsRead,
		IsFlagged:      m.IsFlagged,
	}

	// 正文可能放在 body 对象里
	if len(m.Body) > 0 && (d.Text == "" || d.HTML == "") {
		var body wireBody
		if err := json.Unmarshal(m.Body, &body); err == nil {
			if d.Text == "" {
				d.Text = string(body.Text)
			}
			if d.HTML == "" {
				d.HTML = string(body.HTML)
			}
		}
	}

	for _, a := range m.Attachments {
		cid := a.Cid
		if cid == "" {
			cid = a.ContentID
		}
		d.Attachments = append(d.Attachments, domain.Attachment{
			RemoteID:    a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			ContentID:   domain.NormalizeContentID(cid),
		})
	}

	if t, ok := ParseTimestamp(m.CreatedAt); ok {
		d.CreatedAt = t
	}
	return d
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp 解析服务商的创建时间；无时区的按 UTC 处理
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// decodeSource 原始邮件可能是 JSON 对象（source/data/raw/body 字段）、JSON 字符串或直接的文本
func decodeSource(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return data
		}
		for _, key := range []string{"source", "data", "raw", "body"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return []byte(s)
			}
		}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}
