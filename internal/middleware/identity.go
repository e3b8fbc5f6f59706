package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/auth"
	"tempmail/relay/internal/domain"
)

// Cookie 名称
const (
	SessionCookie      = "tm_session"
	FingerprintCookie  = "browser_fp"
	KnownFPsCookie     = "email_fps"
	identityContextKey = "identity"
)

const (
	fingerprintCookieTTL = 365 * 24 * time.Hour
	knownFPsCookieTTL    = 7 * 24 * time.Hour
	maxKnownFPsCookie    = 4096
	maxKnownFPs          = 20
)

// SessionIdentity 解析会话 Cookie 与浏览器指纹，缺失时签发新的
type SessionIdentity struct {
	tokens *auth.SessionTokens
	secure bool
	log    *zap.Logger
}

// NewSessionIdentity 创建会话身份中间件
func NewSessionIdentity(tokens *auth.SessionTokens, secure bool, logger *zap.Logger) *SessionIdentity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionIdentity{tokens: tokens, secure: secure, log: logger}
}

// Handler 把 domain.Identity 放入请求上下文
func (s *SessionIdentity) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.Identity{
			ClientIP: requestIP(c.Request),
		}

		id.SessionKey = s.sessionKey(c)
		if id.SessionKey == "" {
			// 签发失败时仍然放行，由下游按无会话处理
			c.Next()
			return
		}

		id.Fingerprint = s.fingerprint(c)
		id.KnownFingerprints = readKnownFingerprints(c)

		c.Set(identityContextKey, id)
		c.Next()
	}
}

func (s *SessionIdentity) sessionKey(c *gin.Context) string {
	if token, err := c.Cookie(SessionCookie); err == nil && token != "" {
		key, err := s.tokens.SessionKey(token)
		if err == nil {
			return key
		}
		s.log.Debug("discarding invalid session cookie", zap.Error(err), zap.String("ip", c.ClientIP()))
	}

	issued, err := s.tokens.New()
	if err != nil {
		s.log.Error("failed to issue session token", zap.Error(err))
		return ""
	}
	s.setCookie(c, SessionCookie, issued.Token, s.tokens.TTL())
	return issued.SessionKey
}

func (s *SessionIdentity) fingerprint(c *gin.Context) string {
	if fp, err := c.Cookie(FingerprintCookie); err == nil && domain.ValidFingerprint(fp) {
		return fp
	}
	r := c.Request
	fp := domain.ComputeFingerprint(domain.FingerprintHeaders{
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		ForwardedFor:   r.Header.Get("X-Forwarded-For"),
		RemoteAddr:     hostOnly(r.RemoteAddr),
	})
	s.setCookie(c, FingerprintCookie, fp, fingerprintCookieTTL)
	return fp
}

// RememberFingerprint 记录当前浏览器为该地址使用的指纹
func (s *SessionIdentity) RememberFingerprint(c *gin.Context, address string) {
	id, ok := IdentityFrom(c)
	if !ok || id.Fingerprint == "" || address == "" {
		return
	}

	known := make(map[string]string, len(id.KnownFingerprints)+1)
	for addr, fp := range id.KnownFingerprints {
		if len(known) >= maxKnownFPs-1 {
			break
		}
		known[addr] = fp
	}
	if known[address] == id.Fingerprint && len(known) == len(id.KnownFingerprints) {
		return
	}
	known[address] = id.Fingerprint

	raw, err := json.Marshal(known)
	if err != nil {
		return
	}
	s.setCookie(c, KnownFPsCookie, base64.StdEncoding.EncodeToString(raw), knownFPsCookieTTL)

	id.KnownFingerprints = known
	c.Set(identityContextKey, id)
}

func (s *SessionIdentity) setCookie(c *gin.Context, name, value string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(ttl.Seconds()), "/", "", s.secure, true)
}

// IdentityFrom 取出身份中间件解析的调用方身份
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok && id.SessionKey != ""
}

// SessionKeyFrom 取出会话密钥，没有会话时为空
func SessionKeyFrom(c *gin.Context) string {
	id, _ := IdentityFrom(c)
	return id.SessionKey
}

func readKnownFingerprints(c *gin.Context) map[string]string {
	value, err := c.Cookie(KnownFPsCookie)
	if err != nil || value == "" || len(value) > maxKnownFPsCookie {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	var known map[string]string
	if err := json.Unmarshal(raw, &known); err != nil {
		return nil
	}
	for addr, fp := range known {
		if !domain.ValidFingerprint(fp) {
			delete(known, addr)
		}
	}
	return known
}

func requestIP(r *http.Request) string {
	return domain.ClientIP(r.Header.Get("X-Forwarded-For"), hostOnly(r.RemoteAddr))
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
