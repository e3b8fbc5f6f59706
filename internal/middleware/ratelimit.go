package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tempmail/relay/internal/monitoring"
)

const limiterIdleTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AllocationLimiter 按客户端 IP 限制新地址的申请频率
type AllocationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	limit    rate.Limit
	burst    int
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewAllocationLimiter perMinute <= 0 时不限制
func NewAllocationLimiter(perMinute int, metrics *monitoring.Metrics) *AllocationLimiter {
	l := &AllocationLimiter{
		limiters: make(map[string]*ipLimiter),
		metrics:  metrics,
		now:      time.Now,
	}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
		l.burst = perMinute
	} else {
		l.limit = rate.Inf
	}
	return l
}

// Allow 记录一次申请，超出频率时返回 false
func (l *AllocationLimiter) Allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}

	now := l.now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		l.metrics.RecordRateLimitBlock("allocation")
	}
	return allowed
}

// Cleanup 清理长时间未出现的 IP
func (l *AllocationLimiter) Cleanup() int {
	cutoff := l.now().Add(-limiterIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}
