package storage

import (
	"context"
	"errors"
	"time"

	"tempmail/relay/internal/domain"
)

var (
	// ErrDomainNotFound 域名未找到
	ErrDomainNotFound = errors.New("domain not found")
	// ErrAccountNotFound 账号未找到
	ErrAccountNotFound = errors.New("account not found")
	// ErrMessageNotFound 邮件未找到
	ErrMessageNotFound = errors.New("message not found")
	// ErrSessionNotFound 会话未找到
	ErrSessionNotFound = errors.New("session not found")
	// ErrAddressTaken 地址或远端 ID 已存在
	ErrAddressTaken = errors.New("account address already taken")
	// ErrStaleAccount 账号已被并发修改，版本号不匹配
	ErrStaleAccount = errors.New("account modified concurrently")
)

// DomainRepository 定义域名数据存取操作。
type DomainRepository interface {
	// UpsertDomains 按远端 ID 写入域名，列表之外的域名标记为停用
	UpsertDomains(ctx context.Context, domains []domain.Domain) error
	ListActiveDomains(ctx context.Context) ([]domain.Domain, error)
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	GetDomainByName(ctx context.Context, name string) (*domain.Domain, error)
}

// AccountRepository 定义账号数据存取操作。
//
// 返回的账号都是副本；UpdateAccount 以 Version 做比较并交换，成功后 Version 加一。
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (*domain.Account, error)
	AddressesTaken(ctx context.Context, addresses []string) (map[string]bool, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	UpdateAccount(ctx context.Context, account *domain.Account) error
	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]domain.Account, error)
	TouchSynced(ctx context.Context, accountID string, at time.Time) error
	DeleteAccount(ctx context.Context, accountID string) error // 连同邮件一起删除
	ListAccounts(ctx context.Context, offset, limit int) ([]domain.Account, int64, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	GetMessagesByRemoteIDs(ctx context.Context, accountID string, remoteIDs []string) (map[string]*domain.Message, error)
	// UpsertMessage 按远端 ID 写入，返回是否为新邮件
	UpsertMessage(ctx context.Context, message *domain.Message) (bool, error)
	// ListMessagesInRange 接收时间在 [from, to] 内的邮件，新的在前
	ListMessagesInRange(ctx context.Context, accountID string, from, to time.Time) ([]domain.Message, error)
	GetMessage(ctx context.Context, accountID, remoteID string) (*domain.Message, error)
	MarkMessageRead(ctx context.Context, accountID, remoteID string) error
}

// StatisticsRepository 定义统计查询。
type StatisticsRepository interface {
	CountAccountsCreated(ctx context.Context, from, to time.Time) (int64, error)
	CountAvailableAccountsUsed(ctx context.Context, from, to time.Time) (int64, error)
	// CountAccountsByDomain 区间内创建的账号按域名 ID 计数
	CountAccountsByDomain(ctx context.Context, from, to time.Time) (map[string]int64, error)
	// ListMessagesReceived 区间内收到的邮件，不含正文
	ListMessagesReceived(ctx context.Context, from, to time.Time) ([]domain.Message, error)
}

// SessionRepository 定义浏览器会话存取操作。
type SessionRepository interface {
	GetSession(ctx context.Context, key string) (*domain.Session, error)
	SaveSession(ctx context.Context, session *domain.Session, ttl time.Duration) error
}

// CounterStore 限流与节流使用的共享计数存储。
type CounterStore interface {
	// WindowAdd 在滑动窗口 key 中记录一次请求
	WindowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	// WindowCount 丢弃 since 之前的记录，返回剩余数量与最早一条的时间
	WindowCount(ctx context.Context, key string, since time.Time) (int64, time.Time, error)
	SetTime(ctx context.Context, key string, value time.Time, ttl time.Duration) error
	// GetTime 键不存在或已过期时 ok 为 false
	GetTime(ctx context.Context, key string) (value time.Time, ok bool, err error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// Relational 关系型部分：域名、账号、邮件与统计
type Relational interface {
	DomainRepository
	AccountRepository
	MessageRepository
	StatisticsRepository

	Close() error
	Health(ctx context.Context) error
}

// KeyValue 键值部分：会话与计数
type KeyValue interface {
	SessionRepository
	CounterStore

	Close() error
	Health(ctx context.Context) error
}

// Store 定义完整的存储接口。
type Store interface {
	Relational
	KeyValue
}
