// Package ratelimit 控制对服务商的请求量：全局滑动窗口预算与按地址的同步节流。
//
// 状态保存在 storage.CounterStore 中，多实例共享同一个 Redis 时预算也是全局的。
package ratelimit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/storage"
)

const (
	windowKey     = "budget:requests"
	backoffKey    = "budget:backoff_until"
	errorCountKey = "budget:error_count"

	minWait = 100 * time.Millisecond
)

// BudgetConfig 请求预算参数
type BudgetConfig struct {
	MaxRequests    int           // 窗口内最多请求数
	Window         time.Duration // 窗口长度
	BackoffCeiling time.Duration // 限流退避上限
	ErrorDecay     time.Duration // 限流计数在无新错误后的保留时间
}

// Budget 全局请求预算
type Budget struct {
	store  storage.CounterStore
	cfg    BudgetConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewBudget 创建请求预算
func NewBudget(store storage.CounterStore, cfg BudgetConfig, logger *zap.Logger) *Budget {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1600
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 8 * time.Second
	}
	if cfg.ErrorDecay <= 0 {
		cfg.ErrorDecay = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Budget{store: store, cfg: cfg, now: time.Now, logger: logger}
}

// WithClock 替换时钟，供测试使用
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.now = now
	return b
}

// Allow 判断现在能否发起请求，不能时返回建议等待时长
//
// 计数存储不可用时放行，由服务商的 429 兜底。
func (b *Budget) Allow(ctx context.Context) (bool, time.Duration) {
	now := b.now()

	until, ok, err := b.store.GetTime(ctx, backoffKey)
	if err != nil {
		b.logger.Warn("budget backoff lookup failed", zap.Error(err))
	} else if ok {
		if wait := until.Sub(now); wait > 0 {
			b.logger.Debug("provider backoff active", zap.Duration("wait", wait))
			return false, wait
		}
		_ = b.store.Delete(ctx, backoffKey)
	}

	count, oldest, err := b.store.WindowCount(ctx, windowKey, now.Add(-b.cfg.Window))
	if err != nil {
		b.logger.Warn("budget window lookup failed", zap.Error(err))
		return true, 0
	}
	if count >= int64(b.cfg.MaxRequests) {
		wait := b.cfg.Window - now.Sub(oldest)
		if wait < minWait {
			wait = minWait
		}
		b.logger.Warn("local request budget exhausted",
			zap.Int64("requests", count),
			zap.Int("max", b.cfg.MaxRequests))
		return false, wait
	}
	return true, 0
}

// RecordRequest 记录一次发出的请求
func (b *Budget) RecordRequest(ctx context.Context) {
	if err := b.store.WindowAdd(ctx, windowKey, b.now(), b.cfg.Window*5); err != nil {
		b.logger.Warn("budget record failed", zap.Error(err))
	}
}

// RecordSuccess 一次成功的同步后清零限流计数
func (b *Budget) RecordSuccess(ctx context.Context) {
	if err := b.store.Delete(ctx, errorCountKey); err != nil {
		b.logger.Warn("budget reset failed", zap.Error(err))
	}
}

// RecordRateLimited 收到 429 后进入退避，返回退避时长
//
// 有 Retry-After 时取 min(retryAfter, 上限)，否则取 min(2^n 秒, 上限)，n 为连续限流次数。
func (b *Budget) RecordRateLimited(ctx context.Context, retryAfter time.Duration) time.Duration {
	n, err := b.store.Incr(ctx, errorCountKey, b.cfg.ErrorDecay)
	if err != nil {
		b.logger.Warn("budget error count failed", zap.Error(err))
		n = 1
	}

	backoff := b.BackoffFor(n, retryAfter)
	until := b.now().Add(backoff)
	if err := b.store.SetTime(ctx, backoffKey, until, backoff+10*time.Second); err != nil {
		b.logger.Warn("budget backoff write failed", zap.Error(err))
	}

	b.logger.Error("provider rate limited, backing off",
		zap.Duration("backoff", backoff),
		zap.Int64("error_count", n),
		zap.Time("retry_at", until))
	return backoff
}

// BackoffFor 第 n 次连续限流的退避时长
func (b *Budget) BackoffFor(n int64, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return minDuration(retryAfter, b.cfg.BackoffCeiling)
	}
	if n < 1 {
		n = 1
	}
	// 避免左移溢出
	if n >= 32 {
		return b.cfg.BackoffCeiling
	}
	exp := time.Duration(math.Pow(2, float64(n))) * time.Second
	return minDuration(exp, b.cfg.BackoffCeiling)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
