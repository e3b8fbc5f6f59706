package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
)

const activeDomainsKey = "tempmail:domains:active"

// DomainCache 启用域名列表的 Redis 旁路缓存，多实例共享
type DomainCache struct {
	client *Client
}

// NewDomainCache 创建域名缓存
func NewDomainCache(client *Client) *DomainCache {
	return &DomainCache{client: client}
}

// GetActiveDomains 读取缓存，未命中时 ok 为 false
func (c *DomainCache) GetActiveDomains(ctx context.Context) ([]domain.Domain, bool) {
	data, err := c.client.rdb.Get(ctx, activeDomainsKey).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.client.log.Warn("domain cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var domains []domain.Domain
	if err := json.Unmarshal(data, &domains); err != nil {
		return nil, false
	}
	return domains, true
}

// SetActiveDomains 写入缓存
func (c *DomainCache) SetActiveDomains(ctx context.Context, domains []domain.Domain, ttl time.Duration) {
	data, err := json.Marshal(domains)
	if err != nil {
		return
	}
	if err := c.client.rdb.Set(ctx, activeDomainsKey, data, ttl).Err(); err != nil {
		c.client.log.Warn("domain cache write failed", zap.Error(err))
	}
}

// InvalidateActiveDomains 删除缓存
func (c *DomainCache) InvalidateActiveDomains(ctx context.Context) {
	_ = c.client.rdb.Del(ctx, activeDomainsKey).Err()
}
