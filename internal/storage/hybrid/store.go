package hybrid

import (
	"context"
	"errors"
	"fmt"

	"tempmail/relay/internal/storage"
)

// Store 混合存储：关系数据走 SQL，会话与计数走键值存储（Redis 或内存）
type Store struct {
	storage.Relational
	storage.KeyValue
}

var _ storage.Store = (*Store)(nil)

// NewStore 组合关系型存储与键值存储
func NewStore(rel storage.Relational, kv storage.KeyValue) *Store {
	return &Store{Relational: rel, KeyValue: kv}
}

// Close 关闭两侧连接
func (s *Store) Close() error {
	return errors.Join(s.Relational.Close(), s.KeyValue.Close())
}

// Health 两侧都可用才算健康
func (s *Store) Health(ctx context.Context) error {
	if err := s.Relational.Health(ctx); err != nil {
		return fmt.Errorf("relational store: %w", err)
	}
	if err := s.KeyValue.Health(ctx); err != nil {
		return fmt.Errorf("key-value store: %w", err)
	}
	return nil
}
