package domain

import "strings"

// Attachment 表示邮件附件的元数据，内容按需从服务商拉取。
type Attachment struct {
	RemoteID    string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ContentID   string `json:"cid,omitempty"` // 内联引用标识，已去除尖括号
}

// NormalizeContentID 去除 Content-ID 两侧的尖括号与空白
func NormalizeContentID(cid string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(cid), "<>"))
}

// IsImage 是否图片类型
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}
