package service

import (
	"bytes"
	"errors"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"tempmail/relay/internal/domain"
)

// mimePart 原始邮件中的一个附件或内联部分
type mimePart struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int64
}

// parseMIMEParts 解析原始邮件，返回带文件名或 Content-ID 的部分
func parseMIMEParts(raw []byte) ([]mimePart, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	var parts []mimePart
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parts, err
		}

		p := mimePart{ContentID: domain.NormalizeContentID(part.Header.Get("Content-Id"))}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			p.ContentType, _, _ = h.ContentType()
			if _, params, err := h.ContentDisposition(); err == nil {
				p.Filename = params["filename"]
			}
			if p.ContentID == "" || strings.HasPrefix(p.ContentType, "text/") {
				continue
			}
		case *mail.AttachmentHeader:
			p.Filename, _ = h.Filename()
			p.ContentType, _, _ = h.ContentType()
		}

		n, _ := io.Copy(io.Discard, part.Body)
		p.Size = n
		parts = append(parts, p)
	}
	return parts, nil
}

// fillContentIDs 为缺少 Content-ID 的附件补全，按文件名匹配，其次按同类型的出现顺序
func fillContentIDs(attachments []domain.Attachment, parts []mimePart) bool {
	changed := false
	used := make(map[string]bool)
	for _, a := range attachments {
		if a.ContentID != "" {
			used[a.ContentID] = true
		}
	}

	for i := range attachments {
		if attachments[i].ContentID != "" {
			continue
		}
		for _, p := range parts {
			if p.ContentID == "" || used[p.ContentID] {
				continue
			}
			if p.Filename != "" && strings.EqualFold(p.Filename, attachments[i].Filename) {
				attachments[i].ContentID = p.ContentID
				used[p.ContentID] = true
				changed = true
				break
			}
		}
	}

	for i := range attachments {
		if attachments[i].ContentID != "" {
			continue
		}
		for _, p := range parts {
			if p.ContentID == "" || used[p.ContentID] {
				continue
			}
			if strings.EqualFold(p.ContentType, attachments[i].ContentType) {
				attachments[i].ContentID = p.ContentID
				used[p.ContentID] = true
				changed = true
				break
			}
		}
	}
	return changed
}
