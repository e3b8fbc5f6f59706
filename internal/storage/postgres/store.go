package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

// Store 基于 GORM 的关系型存储，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

var _ storage.Relational = (*Store)(nil)

// Open 按配置的数据库类型创建存储实例
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg *config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle, lifetime := 25, 5, 5*time.Minute
	if cfg != nil {
		if cfg.MaxOpenConns > 0 {
			maxOpen = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			maxIdle = cfg.MaxIdleConns
		}
		if cfg.ConnMaxLifetime > 0 {
			lifetime = cfg.ConnMaxLifetime
		}
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	if cfg == nil || cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Migrate 自动迁移数据库表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Domain{},
		&domain.Account{},
		&domain.Message{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ========== Domain Repository ==========

// UpsertDomains 按远端 ID 写入域名，列表之外的域名标记为停用
func (s *Store) UpsertDomains(ctx context.Context, domains []domain.Domain) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		remoteIDs := make([]string, 0, len(domains))
		for _, d := range domains {
			d.Name = domain.NormalizeDomainName(d.Name)
			remoteIDs = append(remoteIDs, d.RemoteID)

			var existing domain.Domain
			err := tx.Where("remote_id = ? OR domain = ?", d.RemoteID, d.Name).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				d.ID = uuid.New().String()
				if err := tx.Create(&d).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&existing).Updates(map[string]interface{}{
					"remote_id": d.RemoteID,
					"domain":    d.Name,
					"is_active": d.IsActive,
				}).Error; err != nil {
					return err
				}
			}
		}

		deactivate := tx.Model(&domain.Domain{}).Where("is_active = ?", true)
		if len(remoteIDs) > 0 {
			deactivate = deactivate.Where("remote_id NOT IN ?", remoteIDs)
		}
		return deactivate.Update("is_active", false).Error
	})
}

// ListActiveDomains 返回启用的域名
func (s *Store) ListActiveDomains(ctx context.Context) ([]domain.Domain, error) {
	var domains []domain.Domain
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("domain ASC").Find(&domains).Error
	return domains, err
}

// ListDomains 返回全部域名
func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	var domains []domain.Domain
	err := s.db.WithContext(ctx).Order("domain ASC").Find(&domains).Error
	return domains, err
}

// GetDomainByName 按域名查找
func (s *Store) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	var d domain.Domain
	err := s.db.WithContext(ctx).Where("domain = ?", domain.NormalizeDomainName(name)).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ========== Account Repository ==========

// GetAccount 根据 ID 获取账号
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.findAccount(ctx, "id = ?", id)
}

// GetAccountByAddress 根据地址获取账号
func (s *Store) GetAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	return s.findAccount(ctx, "address = ?", address)
}

func (s *Store) findAccount(ctx context.Context, query string, arg interface{}) (*domain.Account, error) {
	var acc domain.Account
	err := s.db.WithContext(ctx).Where(query, arg).First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// AddressesTaken 批量检查地址是否已被使用
func (s *Store) AddressesTaken(ctx context.Context, addresses []string) (map[string]bool, error) {
	taken := make(map[string]bool)
	if len(addresses) == 0 {
		return taken, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("address IN ?", addresses).
		Pluck("address", &found).Error; err != nil {
		return nil, err
	}
	for _, a := range found {
		taken[a] = true
	}
	return taken, nil
}

// CreateAccount 新建账号，唯一约束冲突返回 ErrAddressTaken
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.Version = 1
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAddressTaken
		}
		return err
	}
	return nil
}

// UpdateAccount 按版本号比较并交换
func (s *Store) UpdateAccount(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"is_available":       account.IsAvailable,
			"last_used_at":       account.LastUsedAt,
			"session_expires_at": account.SessionExpiresAt,
			"cooldown_until":     account.CooldownUntil,
			"last_session_key":   account.LastSessionKey,
			"version":            account.Version + 1,
			"updated_at":         now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", account.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrAccountNotFound
		}
		return storage.ErrStaleAccount
	}
	account.Version++
	account.UpdatedAt = now
	return nil
}

// ListExpiredClaims 返回会话已过期但仍被占用的账号
func (s *Store) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	q := s.db.WithContext(ctx).
		Where("is_available = ? AND (session_expires_at IS NULL OR session_expires_at <= ?)", false, now).
		Order("session_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&accounts).Error
	return accounts, err
}

// TouchSynced 记录同步时间，不改变版本号
func (s *Store) TouchSynced(ctx context.Context, accountID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("last_synced_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// DeleteAccount 删除账号及其全部邮件
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", accountID).Delete(&domain.Account{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrAccountNotFound
		}
		return nil
	})
}

// ListAccounts 按创建时间倒序分页
func (s *Store) ListAccounts(ctx context.Context, offset, limit int) ([]domain.Account, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&domain.Account{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var accounts []domain.Account
	q := s.db.WithContext(ctx).Order("created_at DESC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, 0, err
	}
	return accounts, total, nil
}

// ========== Message Repository ==========

// GetMessagesByRemoteIDs 返回已镜像的邮件
func (s *Store) GetMessagesByRemoteIDs(ctx context.Context, accountID string, remoteIDs []string) (map[string]*domain.Message, error) {
	result := make(map[string]*domain.Message)
	if len(remoteIDs) == 0 {
		return result, nil
	}
	var messages []domain.Message
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND remote_id IN ?", accountID, remoteIDs).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	for i := range messages {
		result[messages[i].RemoteID] = &messages[i]
	}
	return result, nil
}

// UpsertMessage 按远端 ID 插入或更新
func (s *Store) UpsertMessage(ctx context.Context, message *domain.Message) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("remote_id = ?", message.RemoteID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if message.ID == "" {
				message.ID = uuid.New().String()
			}
			created = true
			return tx.Create(message).Error
		case err != nil:
			return err
		}

		if existing.AccountID != message.AccountID {
			return storage.ErrAddressTaken
		}
		message.ID = existing.ID
		message.CreatedAt = existing.CreatedAt
		message.IsRead = message.IsRead || existing.IsRead
		return tx.Save(message).Error
	})
	if err != nil && isUniqueViolation(err) {
		// 并发插入同一封邮件，另一方已写入
		return false, nil
	}
	return created, err
}

// ListMessagesInRange 返回时间区间内的邮件，新的在前
func (s *Store) ListMessagesInRange(ctx context.Context, accountID string, from, to time.Time) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND received_at >= ? AND received_at <= ?", accountID, from, to).
		Order("received_at DESC").
		Find(&messages).Error
	return messages, err
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(ctx context.Context, accountID, remoteID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).Where("account_id = ? AND remote_id = ?", accountID, remoteID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// MarkMessageRead 将邮件标记为已读
func (s *Store) MarkMessageRead(ctx context.Context, accountID, remoteID string) error {
	result := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("account_id = ? AND remote_id = ?", accountID, remoteID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// ========== Statistics Repository ==========

// CountAccountsCreated 区间内创建的账号数
func (s *Store) CountAccountsCreated(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Count(&n).Error
	return n, err
}

// CountAvailableAccountsUsed 区间内被使用过、当前已释放的账号数
func (s *Store) CountAvailableAccountsUsed(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("is_available = ? AND last_used_at >= ? AND last_used_at <= ?", true, from, to).
		Count(&n).Error
	return n, err
}

// CountAccountsByDomain 区间内创建的账号按域名计数
func (s *Store) CountAccountsByDomain(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	var rows []struct {
		DomainID string
		Count    int64
	}
	if err := s.db.WithContext(ctx).Model(&domain.Account{}).
		Select("domain_id, COUNT(*) as count").
		Where("created_at >= ? AND created_at <= ?", from, to).
		Group("domain_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.DomainID] = r.Count
	}
	return counts, nil
}

// ListMessagesReceived 区间内收到的邮件，不含正文
func (s *Store) ListMessagesReceived(ctx context.Context, from, to time.Time) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.WithContext(ctx).
		Select("id", "remote_id", "account_id", "from_address", "from_name", "subject",
			"attachments", "has_attachments", "is_read", "received_at").
		Where("received_at >= ? AND received_at <= ?", from, to).
		Order("received_at DESC").
		Find(&messages).Error
	return messages, err
}
