package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/storage"
)

const throttlePrefix = "sync:"

// Throttle 同一地址两次同步之间的最小间隔
type Throttle struct {
	store    storage.CounterStore
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewThrottle 创建同步节流器
func NewThrottle(store storage.CounterStore, interval time.Duration, logger *zap.Logger) *Throttle {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{store: store, interval: interval, now: time.Now, logger: logger}
}

// WithClock 替换时钟，供测试使用
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// Allow 距离上次同步是否已超过最小间隔
func (t *Throttle) Allow(ctx context.Context, key string) bool {
	last, ok, err := t.store.GetTime(ctx, throttlePrefix+key)
	if err != nil {
		t.logger.Warn("throttle lookup failed", zap.String("key", key), zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	since := t.now().Sub(last)
	if since < t.interval {
		t.logger.Debug("sync throttled",
			zap.String("key", key),
			zap.Duration("since_last", since))
		return false
	}
	return true
}

// RecordSync 记录一次完成的同步
func (t *Throttle) RecordSync(ctx context.Context, key string) {
	if err := t.store.SetTime(ctx, throttlePrefix+key, t.now(), t.interval+5*time.Second); err != nil {
		t.logger.Warn("throttle record failed", zap.String("key", key), zap.Error(err))
	}
}
