package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

const (
	sessionPrefix = "tempmail:session:"
	counterPrefix = "tempmail:counter:"
)

var _ storage.KeyValue = (*Client)(nil)

// GetSession 读取 JSON 会话
func (c *Client) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	data, err := c.rdb.Get(ctx, sessionPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession 以 JSON 保存会话
func (c *Client) SaveSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sessionPrefix+session.Key, data, ttl).Err()
}

// WindowAdd 用有序集合记录一次请求，分值为纳秒时间戳
func (c *Client) WindowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	k := counterPrefix + key
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + strconv.FormatInt(time.Now().UnixNano()%1e6, 10)

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, goredis.Z{Score: float64(at.UnixNano()), Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// WindowCount 删除窗口外记录后计数
func (c *Client) WindowCount(ctx context.Context, key string, since time.Time) (int64, time.Time, error) {
	k := counterPrefix + key

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(since.UnixNano(), 10))
	card := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	n := card.Val()
	if n == 0 || len(oldest.Val()) == 0 {
		return n, time.Time{}, nil
	}
	return n, time.Unix(0, int64(oldest.Val()[0].Score)), nil
}

// SetTime 保存时间值（纳秒时间戳）
func (c *Client) SetTime(ctx context.Context, key string, value time.Time, ttl time.Duration) error {
	return c.rdb.Set(ctx, counterPrefix+key, value.UnixNano(), ttl).Err()
}

// GetTime 读取时间值
func (c *Client) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	n, err := c.rdb.Get(ctx, counterPrefix+key).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.Unix(0, n), true, nil
}

// Incr 自增计数并刷新过期时间
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := counterPrefix + key

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Delete 删除键
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = counterPrefix + k
	}
	return c.rdb.Del(ctx, full...).Err()
}
