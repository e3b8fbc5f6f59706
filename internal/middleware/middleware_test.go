package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/relay/internal/auth"
	"tempmail/relay/internal/config"
	"tempmail/relay/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newIdentity() *SessionIdentity {
	tokens := auth.NewSessionTokens(&config.SessionConfig{
		Secret:    "middleware-test-secret-0123456789abcdef",
		Issuer:    "tempmail",
		CookieTTL: 7 * 24 * time.Hour,
	})
	return NewSessionIdentity(tokens, false, nil)
}

func identityRouter(s *SessionIdentity, seen *domain.Identity) *gin.Engine {
	r := gin.New()
	r.Use(s.Handler())
	r.GET("/whoami", func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		*seen = id
		c.Status(http.StatusOK)
	})
	r.POST("/remember", func(c *gin.Context) {
		s.RememberFingerprint(c, "anna@example.com")
		c.Status(http.StatusOK)
	})
	return r
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSessionIdentity(t *testing.T) {
	s := newIdentity()
	var seen domain.Identity
	r := identityRouter(s, &seen)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	session := cookieByName(rec.Result().Cookies(), SessionCookie)
	fp := cookieByName(rec.Result().Cookies(), FingerprintCookie)
	require.NotNil(t, session)
	require.NotNil(t, fp)
	assert.True(t, session.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, session.SameSite)
	assert.NotEmpty(t, seen.SessionKey)
	assert.Equal(t, "10.0.0.1", seen.ClientIP)
	assert.True(t, domain.ValidFingerprint(seen.Fingerprint))
	first := seen

	t.Run("携带 Cookie 时沿用会话", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.AddCookie(session)
		req.AddCookie(fp)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, first.SessionKey, seen.SessionKey)
		assert.Equal(t, first.Fingerprint, seen.Fingerprint)
		assert.Nil(t, cookieByName(rec.Result().Cookies(), SessionCookie))
	})

	t.Run("无效 Cookie 重新签发", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "garbage"})
		req.AddCookie(&http.Cookie{Name: FingerprintCookie, Value: "not-hex"})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.NotEqual(t, first.SessionKey, seen.SessionKey)
		assert.NotNil(t, cookieByName(rec.Result().Cookies(), SessionCookie))
		assert.True(t, domain.ValidFingerprint(seen.Fingerprint))
	})

	t.Run("记录地址指纹", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/remember", nil)
		req.AddCookie(session)
		req.AddCookie(fp)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		known := cookieByName(rec.Result().Cookies(), KnownFPsCookie)
		require.NotNil(t, known)

		req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.AddCookie(session)
		req.AddCookie(fp)
		req.AddCookie(known)
		r.ServeHTTP(httptest.NewRecorder(), req)
		assert.True(t, seen.RecognizesFingerprint("anna@example.com"))
	})
}

func TestReadKnownFingerprints(t *testing.T) {
	valid := "0123456789abcdef0123456789abcdef"
	raw, _ := json.Marshal(map[string]string{"a@x.com": valid, "b@x.com": "bogus"})

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.AddCookie(&http.Cookie{Name: KnownFPsCookie, Value: base64.StdEncoding.EncodeToString(raw)})

	known := readKnownFingerprints(c)
	assert.Equal(t, map[string]string{"a@x.com": valid}, known)

	t.Run("损坏的 Cookie 被忽略", func(t *testing.T) {
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.AddCookie(&http.Cookie{Name: KnownFPsCookie, Value: "%%%"})
		assert.Nil(t, readKnownFingerprints(c))
	})
}

func TestAdminAuth(t *testing.T) {
	const token = "admin-token-for-tests-only"
	hash, err := auth.HashToken(token)
	require.NoError(t, err)

	build := func(gate *auth.AdminGate) *gin.Engine {
		r := gin.New()
		r.GET("/admin", NewAdminAuth(gate, nil).RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}
	call := func(r *gin.Engine, header string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set(AdminTokenHeader, header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	r := build(auth.NewAdminGate(hash))
	assert.Equal(t, http.StatusOK, call(r, token))
	assert.Equal(t, http.StatusUnauthorized, call(r, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, call(r, ""))

	t.Run("未配置时返回 404", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, call(build(auth.NewAdminGate("")), token))
	})
}

func TestAllocationLimiter(t *testing.T) {
	l := NewAllocationLimiter(2, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"), "其他 IP 不受影响")

	t.Run("令牌随时间恢复", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		assert.True(t, l.Allow("1.1.1.1"))
	})

	t.Run("清理空闲 IP", func(t *testing.T) {
		now = now.Add(time.Hour)
		assert.Equal(t, 2, l.Cleanup())
	})

	t.Run("不限制", func(t *testing.T) {
		unlimited := NewAllocationLimiter(0, nil)
		for i := 0; i < 100; i++ {
			require.True(t, unlimited.Allow("3.3.3.3"))
		}
	})
}
