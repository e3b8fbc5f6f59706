package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

// KV 会话与计数的内存实现，单实例部署时与 SQL 存储组合使用。
type KV struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
	windows  map[string][]time.Time
	times    map[string]timeEntry
	counters map[string]counterEntry
	now      func() time.Time
}

type sessionEntry struct {
	session   *domain.Session
	expiresAt time.Time
}

type timeEntry struct {
	value     time.Time
	expiresAt time.Time
}

// counterEntry 计数条目
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

var _ storage.KeyValue = (*KV)(nil)

// NewKV 创建内存键值存储
func NewKV() *KV {
	return &KV{
		sessions: make(map[string]sessionEntry),
		windows:  make(map[string][]time.Time),
		times:    make(map[string]timeEntry),
		counters: make(map[string]counterEntry),
		now:      time.Now,
	}
}

// SetClock 替换时钟，供测试使用
func (kv *KV) SetClock(now func() time.Time) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.now = now
}

// Close 无需释放资源
func (kv *KV) Close() error {
	return nil
}

// Health 始终健康
func (kv *KV) Health(ctx context.Context) error {
	return nil
}

// GetSession 获取会话
func (kv *KV) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.sessions[key]
	if !ok || expired(entry.expiresAt, kv.now()) {
		delete(kv.sessions, key)
		return nil, storage.ErrSessionNotFound
	}
	return copySession(entry.session), nil
}

// SaveSession 保存会话
func (kv *KV) SaveSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.sessions[session.Key] = sessionEntry{session: copySession(session), expiresAt: deadline(kv.now(), ttl)}
	return nil
}

// WindowAdd 记录一次请求
func (kv *KV) WindowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	w := kv.windows[key]
	// 保持按时间有序
	i := sort.Search(len(w), func(i int) bool { return w[i].After(at) })
	w = append(w, time.Time{})
	copy(w[i+1:], w[i:])
	w[i] = at
	kv.windows[key] = w
	return nil
}

// WindowCount 丢弃过期记录并返回数量与最早时间
func (kv *KV) WindowCount(ctx context.Context, key string, since time.Time) (int64, time.Time, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	w := kv.windows[key]
	i := sort.Search(len(w), func(i int) bool { return !w[i].Before(since) })
	w = w[i:]
	if len(w) == 0 {
		delete(kv.windows, key)
		return 0, time.Time{}, nil
	}
	kv.windows[key] = w
	return int64(len(w)), w[0], nil
}

// SetTime 保存时间值
func (kv *KV) SetTime(ctx context.Context, key string, value time.Time, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.times[key] = timeEntry{value: value, expiresAt: deadline(kv.now(), ttl)}
	return nil
}

// GetTime 读取时间值
func (kv *KV) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.times[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if expired(entry.expiresAt, kv.now()) {
		delete(kv.times, key)
		return time.Time{}, false, nil
	}
	return entry.value, true, nil
}

// Incr 自增计数，ttl 在每次自增时刷新
func (kv *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	now := kv.now()
	entry := kv.counters[key]
	if expired(entry.expiresAt, now) {
		entry = counterEntry{}
	}
	entry.count++
	entry.expiresAt = deadline(now, ttl)
	kv.counters[key] = entry
	return entry.count, nil
}

// Delete 删除任意类型的键
func (kv *KV) Delete(ctx context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, k := range keys {
		delete(kv.sessions, k)
		delete(kv.windows, k)
		delete(kv.times, k)
		delete(kv.counters, k)
	}
	return nil
}

// deadline ttl <= 0 表示永不过期
func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func copySession(s *domain.Session) *domain.Session {
	cp := *s
	cp.SessionStart = copyTime(s.SessionStart)
	cp.History = append([]string(nil), s.History...)
	cp.FirstUsed = make(map[string]time.Time, len(s.FirstUsed))
	for k, v := range s.FirstUsed {
		cp.FirstUsed[k] = v
	}
	cp.Fingerprints = make(map[string]string, len(s.Fingerprints))
	for k, v := range s.Fingerprints {
		cp.Fingerprints[k] = v
	}
	return &cp
}

func newID() string {
	return uuid.New().String()
}
