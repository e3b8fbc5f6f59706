package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeFingerprint(t *testing.T) {
	h := FingerprintHeaders{
		UserAgent:      "Mozilla/5.0",
		AcceptLanguage: "zh-CN,zh;q=0.9",
		AcceptEncoding: "gzip, deflate",
		RemoteAddr:     "10.0.0.1",
	}

	t.Run("相同请求头得到相同指纹", func(t *testing.T) {
		fp := ComputeFingerprint(h)
		assert.Len(t, fp, FingerprintLength)
		assert.True(t, ValidFingerprint(fp))
		assert.Equal(t, fp, ComputeFingerprint(h))
	})

	t.Run("不同IP得到不同指纹", func(t *testing.T) {
		other := h
		other.RemoteAddr = "10.0.0.2"
		assert.NotEqual(t, ComputeFingerprint(h), ComputeFingerprint(other))
	})

	t.Run("超长UA按500字符截断", func(t *testing.T) {
		a, b := h, h
		a.UserAgent = strings.Repeat("x", 500) + "tail-a"
		b.UserAgent = strings.Repeat("x", 500) + "tail-b"
		assert.Equal(t, ComputeFingerprint(a), ComputeFingerprint(b))
	})
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "1.2.3.4", ClientIP("1.2.3.4, 5.6.7.8", "9.9.9.9"))
	assert.Equal(t, "9.9.9.9", ClientIP("", "9.9.9.9"))
	assert.Equal(t, "1.2.3.4", ClientIP("1.2.3.4<script>", ""))
	assert.Len(t, ClientIP(strings.Repeat("1", 60), ""), 45)
}

func TestValidFingerprint(t *testing.T) {
	assert.True(t, ValidFingerprint(strings.Repeat("a", 32)))
	assert.False(t, ValidFingerprint(strings.Repeat("a", 31)))
	assert.False(t, ValidFingerprint(strings.Repeat("g", 32)))
}

func TestSessionUse(t *testing.T) {
	s := NewSession("k")
	now := baseTime

	for i := 0; i < 7; i++ {
		s.Use(string(rune('a'+i))+"@example.com", "fp", now, 5)
	}
	assert.Len(t, s.History, 5)
	assert.Equal(t, "g@example.com", s.History[0])

	t.Run("重复使用地址不重置起点", func(t *testing.T) {
		s.Use("c@example.com", "", now.Add(time.Hour), 5)
		assert.Equal(t, now, *s.SessionStart)
		assert.Equal(t, "c@example.com", s.History[0])
		assert.Len(t, s.History, 5)
	})

	t.Run("重新开始重置起点", func(t *testing.T) {
		s.Restart("c@example.com", "", now.Add(2*time.Hour), 5)
		assert.Equal(t, now.Add(2*time.Hour), *s.SessionStart)
	})
}
