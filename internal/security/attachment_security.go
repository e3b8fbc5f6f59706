package security

import (
	"mime"
	"path/filepath"
	"strings"

	"tempmail/relay/internal/domain"
)

// AttachmentSecurity 附件下载策略
type AttachmentSecurity struct {
	// 允许浏览器内联显示的类型
	inlineMimeTypes map[string]bool

	// 危险文件扩展名，强制按二进制下载
	dangerousExtensions map[string]bool
}

// NewAttachmentSecurity 创建附件安全检查器
func NewAttachmentSecurity() *AttachmentSecurity {
	return &AttachmentSecurity{
		inlineMimeTypes: map[string]bool{
			"text/plain":      true,
			"application/pdf": true,
			"image/jpeg":      true,
			"image/png":       true,
			"image/gif":       true,
			"image/webp":      true,
			"audio/mpeg":      true,
			"audio/ogg":       true,
			"video/mp4":       true,
			"video/webm":      true,
		},
		dangerousExtensions: map[string]bool{
			".exe":  true,
			".bat":  true,
			".cmd":  true,
			".scr":  true,
			".pif":  true,
			".com":  true,
			".vbs":  true,
			".js":   true,
			".jar":  true,
			".php":  true,
			".asp":  true,
			".jsp":  true,
			".html": true,
			".htm":  true,
			".svg":  true,
		},
	}
}

// Disposition 决定下载时使用的 Content-Type 以及能否内联显示
func (as *AttachmentSecurity) Disposition(att domain.Attachment) (contentType string, inline bool) {
	contentType = normalizeMimeType(att.ContentType)
	if contentType == "" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(att.Filename))); byExt != "" {
			contentType = normalizeMimeType(byExt)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if as.dangerousExtensions[strings.ToLower(filepath.Ext(att.Filename))] {
		return "application/octet-stream", false
	}
	if !as.inlineMimeTypes[contentType] {
		return contentType, false
	}
	return contentType, true
}

// SafeFilename 去掉路径与控制字符
func (as *AttachmentSecurity) SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}

func normalizeMimeType(value string) string {
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}
