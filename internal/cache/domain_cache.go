package cache

import (
	"context"
	"time"

	"tempmail/relay/internal/domain"
)

// DomainCache 启用域名列表的旁路缓存
type DomainCache interface {
	GetActiveDomains(ctx context.Context) ([]domain.Domain, bool)
	SetActiveDomains(ctx context.Context, domains []domain.Domain, ttl time.Duration)
	InvalidateActiveDomains(ctx context.Context)
}

const activeDomainsKey = "domains:active"

// LocalDomainCache 基于 LocalCache 的单实例实现
type LocalDomainCache struct {
	cache *LocalCache
}

var _ DomainCache = (*LocalDomainCache)(nil)

// NewLocalDomainCache 创建本地域名缓存
func NewLocalDomainCache(c *LocalCache) *LocalDomainCache {
	return &LocalDomainCache{cache: c}
}

// GetActiveDomains 读取缓存
func (c *LocalDomainCache) GetActiveDomains(ctx context.Context) ([]domain.Domain, bool) {
	v, ok := c.cache.Get(activeDomainsKey)
	if !ok {
		return nil, false
	}
	domains := v.([]domain.Domain)
	return append([]domain.Domain(nil), domains...), true
}

// SetActiveDomains 写入缓存
func (c *LocalDomainCache) SetActiveDomains(ctx context.Context, domains []domain.Domain, ttl time.Duration) {
	c.cache.Set(activeDomainsKey, append([]domain.Domain(nil), domains...), ttl)
}

// InvalidateActiveDomains 删除缓存
func (c *LocalDomainCache) InvalidateActiveDomains(ctx context.Context) {
	c.cache.Delete(activeDomainsKey)
}
