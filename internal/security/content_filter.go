package security

import (
	"regexp"
	"strings"

	"tempmail/relay/internal/domain"
)

// ContentFilter 邮件正文过滤器
type ContentFilter struct {
	// 整段删除的危险元素
	blockPatterns []*regexp.Regexp

	// 事件处理属性
	handlerPattern *regexp.Regexp

	// javascript: 等可执行 URL
	urlPattern *regexp.Regexp

	// 内联附件引用 src="cid:xxx" / src="attachment:xxx"
	inlinePattern *regexp.Regexp
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		blockPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`),
			regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe\s*>`),
			regexp.MustCompile(`(?is)<object[^>]*>.*?</object\s*>`),
			regexp.MustCompile(`(?i)<script[^>]*>`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
			regexp.MustCompile(`(?i)<meta[^>]*http-equiv[^>]*>`),
		},
		handlerPattern: regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`),
		urlPattern:     regexp.MustCompile(`(?i)(href|src|action)\s*=\s*(["']?)\s*(javascript|vbscript|data:text/html)[^"'\s>]*(["']?)`),
		inlinePattern:  regexp.MustCompile(`(?i)src\s*=\s*["']?(cid|attachment):([^\s"'<>]+)["']?`),
	}
}

// SanitizeHTML 删除脚本、事件处理属性与可执行 URL
func (cf *ContentFilter) SanitizeHTML(html string) string {
	if html == "" {
		return html
	}
	for _, pattern := range cf.blockPatterns {
		html = pattern.ReplaceAllString(html, "")
	}
	html = cf.handlerPattern.ReplaceAllString(html, "")
	html = cf.urlPattern.ReplaceAllString(html, `$1=$2#$4`)
	return html
}

// RewriteInlineReferences 把 cid: 与 attachment: 图片引用替换为附件下载地址
//
// cid 按附件的 Content-ID 匹配，attachment 按服务商附件 ID 匹配，找不到的引用保持原样。
func (cf *ContentFilter) RewriteInlineReferences(html string, attachments []domain.Attachment, urlFor func(domain.Attachment) string) string {
	if html == "" || len(attachments) == 0 {
		return html
	}

	byCID := make(map[string]domain.Attachment, len(attachments))
	byID := make(map[string]domain.Attachment, len(attachments))
	for _, att := range attachments {
		if cid := domain.NormalizeContentID(att.ContentID); cid != "" {
			byCID[cid] = att
		}
		if att.RemoteID != "" {
			byID[att.RemoteID] = att
		}
	}

	return cf.inlinePattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := cf.inlinePattern.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		var (
			att domain.Attachment
			ok  bool
		)
		if strings.EqualFold(parts[1], "cid") {
			att, ok = byCID[domain.NormalizeContentID(parts[2])]
		} else {
			att, ok = byID[parts[2]]
		}
		if !ok {
			return match
		}
		return `src="` + urlFor(att) + `"`
	})
}

// InlineReferences 返回正文中引用的 Content-ID
func (cf *ContentFilter) InlineReferences(html string) []string {
	var cids []string
	for _, m := range cf.inlinePattern.FindAllStringSubmatch(html, -1) {
		if strings.EqualFold(m[1], "cid") {
			cids = append(cids, domain.NormalizeContentID(m[2]))
		}
	}
	return cids
}
