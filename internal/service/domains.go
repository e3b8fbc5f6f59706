package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/relay/internal/cache"
	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/storage"
)

// DomainService 维护服务商域名的本地副本。
type DomainService struct {
	repo     storage.DomainRepository
	gateway  provider.Gateway
	cache    cache.DomainCache
	cacheTTL time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	random *rand.Rand
}

// NewDomainService 创建域名服务，domainCache 可以为 nil。
func NewDomainService(repo storage.DomainRepository, gateway provider.Gateway, domainCache cache.DomainCache, cacheTTL time.Duration, logger *zap.Logger) *DomainService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &DomainService{
		repo:     repo,
		gateway:  gateway,
		cache:    domainCache,
		cacheTTL: cacheTTL,
		logger:   logger,
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Ensure 返回启用中的域名，本地为空时从服务商同步。
func (s *DomainService) Ensure(ctx context.Context) ([]domain.Domain, error) {
	if s.cache != nil {
		if domains, ok := s.cache.GetActiveDomains(ctx); ok && len(domains) > 0 {
			return domains, nil
		}
	}

	domains, err := s.repo.ListActiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	if len(domains) == 0 {
		domains, err = s.Sync(ctx)
		if err != nil {
			return nil, err
		}
	}
	if len(domains) == 0 {
		return nil, domain.ErrNoActiveDomain
	}

	if s.cache != nil {
		s.cache.SetActiveDomains(ctx, domains, s.cacheTTL)
	}
	return domains, nil
}

// Sync 从服务商拉取启用的域名并写入存储，返回最新的启用列表。
func (s *DomainService) Sync(ctx context.Context) ([]domain.Domain, error) {
	remote, err := s.gateway.ListActiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch provider domains: %w", err)
	}

	domains := make([]domain.Domain, 0, len(remote))
	for _, rd := range remote {
		name := domain.NormalizeDomainName(rd.Domain)
		if rd.ID == "" || name == "" {
			continue
		}
		domains = append(domains, domain.Domain{
			ID:       uuid.NewString(),
			RemoteID: rd.ID,
			Name:     name,
			IsActive: rd.IsActive,
		})
	}

	if err := s.repo.UpsertDomains(ctx, domains); err != nil {
		return nil, fmt.Errorf("upsert domains: %w", err)
	}
	if s.cache != nil {
		s.cache.InvalidateActiveDomains(ctx)
	}

	active, err := s.repo.ListActiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	s.logger.Info("domains synced", zap.Int("remote", len(remote)), zap.Int("active", len(active)))
	return active, nil
}

// Pick 随机挑选一个启用的域名
func (s *DomainService) Pick(ctx context.Context) (*domain.Domain, error) {
	domains, err := s.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	d := domains[s.random.Intn(len(domains))]
	s.mu.Unlock()
	return &d, nil
}

// Lookup 按名称查找启用的域名，不存在或已停用时返回 ErrDomainUnsupported。
func (s *DomainService) Lookup(ctx context.Context, name string) (*domain.Domain, error) {
	name = domain.NormalizeDomainName(name)
	domains, err := s.Ensure(ctx)
	if err != nil && !errors.Is(err, domain.ErrNoActiveDomain) {
		return nil, err
	}
	for i := range domains {
		if domains[i].Name == name {
			d := domains[i]
			return &d, nil
		}
	}
	return nil, domain.ErrDomainUnsupported
}

// List 返回启用的域名
func (s *DomainService) List(ctx context.Context) ([]domain.Domain, error) {
	domains, err := s.Ensure(ctx)
	if errors.Is(err, domain.ErrNoActiveDomain) {
		return []domain.Domain{}, nil
	}
	return domains, err
}
