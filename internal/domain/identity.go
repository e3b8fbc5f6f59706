package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// FingerprintLength 指纹十六进制长度
const FingerprintLength = 32

var (
	fingerprintRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)
	ipCharsRegex     = regexp.MustCompile(`[^0-9.:]`)
)

// Identity 描述一次请求的调用方身份。
//
// SessionKey 是强身份；Fingerprint 只是启发式的浏览器识别，
// 只在显式请求地址时用来越过冷却期。
type Identity struct {
	SessionKey        string
	Fingerprint       string
	KnownFingerprints map[string]string // 地址 -> 该浏览器之前为此地址记录的指纹
	CurrentAddress    string
	ClientIP          string
}

// RecognizesFingerprint 当前浏览器是否曾为该地址留下相同指纹
func (i Identity) RecognizesFingerprint(address string) bool {
	if i.Fingerprint == "" || len(i.KnownFingerprints) == 0 {
		return false
	}
	saved := i.KnownFingerprints[address]
	return saved != "" && saved == i.Fingerprint
}

// FingerprintHeaders 参与指纹计算的请求信息
type FingerprintHeaders struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ForwardedFor   string
	RemoteAddr     string
}

// ComputeFingerprint 根据请求头计算稳定的浏览器指纹
func ComputeFingerprint(h FingerprintHeaders) string {
	raw := strings.Join([]string{
		truncate(h.UserAgent, 500),
		truncate(h.AcceptLanguage, 100),
		truncate(h.AcceptEncoding, 100),
		ClientIP(h.ForwardedFor, h.RemoteAddr),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// ValidFingerprint 校验客户端回传的指纹格式
func ValidFingerprint(fp string) bool {
	return fingerprintRegex.MatchString(fp)
}

// ClientIP 取 X-Forwarded-For 的第一个地址，否则使用连接地址，只保留 IP 字符
func ClientIP(forwardedFor, remoteAddr string) string {
	ip := remoteAddr
	if forwardedFor != "" {
		ip = strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	ip = ipCharsRegex.ReplaceAllString(ip, "")
	return truncate(ip, 45)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
