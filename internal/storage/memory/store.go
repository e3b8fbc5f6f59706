package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
)

// Store 使用内存保存全部数据，主要用于开发验证与测试。
type Store struct {
	*KV

	mu        sync.RWMutex
	domains   map[string]*domain.Domain            // domainID -> domain
	byRemote  map[string]string                    // remote domain ID -> domainID
	accounts  map[string]*domain.Account           // accountID -> account
	byAddress map[string]string                    // address -> accountID
	byAccRem  map[string]string                    // remote account ID -> accountID
	messages  map[string]map[string]*domain.Message // accountID -> remote message ID -> message
	byMsgRem  map[string]string                    // remote message ID -> accountID
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		KV:        NewKV(),
		domains:   make(map[string]*domain.Domain),
		byRemote:  make(map[string]string),
		accounts:  make(map[string]*domain.Account),
		byAddress: make(map[string]string),
		byAccRem:  make(map[string]string),
		messages:  make(map[string]map[string]*domain.Message),
		byMsgRem:  make(map[string]string),
	}
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health(ctx context.Context) error {
	return nil
}

// ========== Domain Repository ==========

// UpsertDomains 按远端 ID 写入域名
func (s *Store) UpsertDomains(ctx context.Context, domains []domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d.Name = domain.NormalizeDomainName(d.Name)
		if id, ok := s.byRemote[d.RemoteID]; ok {
			existing := s.domains[id]
			existing.Name = d.Name
			existing.IsActive = d.IsActive
			existing.UpdatedAt = now
			seen[id] = true
			continue
		}
		// 同名域名换了远端 ID
		if existing := s.findDomainByNameLocked(d.Name); existing != nil {
			delete(s.byRemote, existing.RemoteID)
			existing.RemoteID = d.RemoteID
			existing.IsActive = d.IsActive
			existing.UpdatedAt = now
			s.byRemote[d.RemoteID] = existing.ID
			seen[existing.ID] = true
			continue
		}
		if d.ID == "" {
			d.ID = newID()
		}
		d.CreatedAt = now
		d.UpdatedAt = now
		stored := d
		s.domains[d.ID] = &stored
		s.byRemote[d.RemoteID] = d.ID
		seen[d.ID] = true
	}
	for id, d := range s.domains {
		if !seen[id] && d.IsActive {
			d.IsActive = false
			d.UpdatedAt = now
		}
	}
	return nil
}

// ListActiveDomains 返回启用的域名
func (s *Store) ListActiveDomains(ctx context.Context) ([]domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if d.IsActive {
			result = append(result, *d)
		}
	}
	sortDomains(result)
	return result, nil
}

// ListDomains 返回全部域名
func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		result = append(result, *d)
	}
	sortDomains(result)
	return result, nil
}

// GetDomainByName 按域名查找
func (s *Store) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.findDomainByNameLocked(domain.NormalizeDomainName(name))
	if d == nil {
		return nil, storage.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) findDomainByNameLocked(name string) *domain.Domain {
	for _, d := range s.domains {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func sortDomains(list []domain.Domain) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

// ========== Account Repository ==========

// GetAccount 根据 ID 获取账号
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

// GetAccountByAddress 根据地址获取账号
func (s *Store) GetAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

// AddressesTaken 批量检查地址是否已被使用
func (s *Store) AddressesTaken(ctx context.Context, addresses []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taken := make(map[string]bool)
	for _, a := range addresses {
		if _, ok := s.byAddress[a]; ok {
			taken[a] = true
		}
	}
	return taken, nil
}

// CreateAccount 新建账号，地址或远端 ID 冲突返回 ErrAddressTaken
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddress[account.Address]; ok {
		return storage.ErrAddressTaken
	}
	if _, ok := s.byAccRem[account.RemoteID]; ok {
		return storage.ErrAddressTaken
	}
	if account.ID == "" {
		account.ID = newID()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.Version = 1

	s.accounts[account.ID] = copyAccount(account)
	s.byAddress[account.Address] = account.ID
	s.byAccRem[account.RemoteID] = account.ID
	return nil
}

// UpdateAccount 按版本号比较并交换
func (s *Store) UpdateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[account.ID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	if current.Version != account.Version {
		return storage.ErrStaleAccount
	}
	account.Version++
	account.UpdatedAt = time.Now().UTC()

	// 地址与远端 ID 不可变
	next := copyAccount(account)
	next.Address = current.Address
	next.RemoteID = current.RemoteID
	next.CreatedAt = current.CreatedAt
	s.accounts[account.ID] = next
	return nil
}

// ListExpiredClaims 返回会话已过期但仍被占用的账号
func (s *Store) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Account
	for _, acc := range s.accounts {
		if acc.IsLapsed(now) {
			result = append(result, *copyAccount(acc))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// TouchSynced 记录同步时间，不改变版本号
func (s *Store) TouchSynced(ctx context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	t := at
	acc.LastSyncedAt = &t
	return nil
}

// DeleteAccount 删除账号及其全部邮件
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	for remoteID := range s.messages[accountID] {
		delete(s.byMsgRem, remoteID)
	}
	delete(s.messages, accountID)
	delete(s.byAddress, acc.Address)
	delete(s.byAccRem, acc.RemoteID)
	delete(s.accounts, accountID)
	return nil
}

// ListAccounts 按创建时间倒序分页
func (s *Store) ListAccounts(ctx context.Context, offset, limit int) ([]domain.Account, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		all = append(all, *copyAccount(acc))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Address < all[j].Address
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return []domain.Account{}, total, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// ========== Message Repository ==========

// GetMessagesByRemoteIDs 返回已镜像的邮件
func (s *Store) GetMessagesByRemoteIDs(ctx context.Context, accountID string, remoteIDs []string) (map[string]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*domain.Message)
	box := s.messages[accountID]
	for _, id := range remoteIDs {
		if m, ok := box[id]; ok {
			result[id] = copyMessage(m)
		}
	}
	return result, nil
}

// UpsertMessage 按远端 ID 插入或覆盖
func (s *Store) UpsertMessage(ctx context.Context, message *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[message.AccountID]; !ok {
		return false, storage.ErrAccountNotFound
	}
	if owner, ok := s.byMsgRem[message.RemoteID]; ok && owner != message.AccountID {
		return false, storage.ErrAddressTaken
	}

	box, ok := s.messages[message.AccountID]
	if !ok {
		box = make(map[string]*domain.Message)
		s.messages[message.AccountID] = box
	}

	now := time.Now().UTC()
	existing, found := box[message.RemoteID]
	if found {
		message.ID = existing.ID
		message.CreatedAt = existing.CreatedAt
		// 本地已读状态优先
		message.IsRead = message.IsRead || existing.IsRead
	} else {
		if message.ID == "" {
			message.ID = newID()
		}
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	box[message.RemoteID] = copyMessage(message)
	s.byMsgRem[message.RemoteID] = message.AccountID
	return !found, nil
}

// ListMessagesInRange 返回时间区间内的邮件，新的在前
func (s *Store) ListMessagesInRange(ctx context.Context, accountID string, from, to time.Time) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Message
	for _, m := range s.messages[accountID] {
		if !m.ReceivedAt.Before(from) && !m.ReceivedAt.After(to) {
			result = append(result, *copyMessage(m))
		}
	}
	sortMessages(result)
	return result, nil
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(ctx context.Context, accountID, remoteID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[accountID][remoteID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return copyMessage(m), nil
}

// MarkMessageRead 将邮件标记为已读
func (s *Store) MarkMessageRead(ctx context.Context, accountID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[accountID][remoteID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.IsRead = true
	return nil
}

// ========== Statistics Repository ==========

// CountAccountsCreated 区间内创建的账号数
func (s *Store) CountAccountsCreated(ctx context.Context, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, acc := range s.accounts {
		if inRange(acc.CreatedAt, from, to) {
			n++
		}
	}
	return n, nil
}

// CountAvailableAccountsUsed 区间内被使用过、当前已释放的账号数
func (s *Store) CountAvailableAccountsUsed(ctx context.Context, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, acc := range s.accounts {
		if acc.IsAvailable && acc.LastUsedAt != nil && inRange(*acc.LastUsedAt, from, to) {
			n++
		}
	}
	return n, nil
}

// CountAccountsByDomain 区间内创建的账号按域名计数
func (s *Store) CountAccountsByDomain(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, acc := range s.accounts {
		if inRange(acc.CreatedAt, from, to) {
			counts[acc.DomainID]++
		}
	}
	return counts, nil
}

// ListMessagesReceived 区间内收到的邮件（去掉正文）
func (s *Store) ListMessagesReceived(ctx context.Context, from, to time.Time) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Message
	for _, box := range s.messages {
		for _, m := range box {
			if inRange(m.ReceivedAt, from, to) {
				cp := copyMessage(m)
				cp.Text = ""
				cp.HTML = ""
				result = append(result, *cp)
			}
		}
	}
	sortMessages(result)
	return result, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func sortMessages(list []domain.Message) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ReceivedAt.Equal(list[j].ReceivedAt) {
			return list[i].RemoteID > list[j].RemoteID
		}
		return list[i].ReceivedAt.After(list[j].ReceivedAt)
	})
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.LastUsedAt = copyTime(a.LastUsedAt)
	cp.SessionExpiresAt = copyTime(a.SessionExpiresAt)
	cp.CooldownUntil = copyTime(a.CooldownUntil)
	cp.LastSyncedAt = copyTime(a.LastSyncedAt)
	return &cp
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.To = append([]string(nil), m.To...)
	cp.Cc = append([]string(nil), m.Cc...)
	cp.Bcc = append([]string(nil), m.Bcc...)
	cp.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
