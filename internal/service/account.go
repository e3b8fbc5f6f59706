package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/storage"
)

const sweepBatchSize = 100

// Allocation 一次分配的结果
type Allocation struct {
	Account   *domain.Account
	Session   *domain.Session
	IsNew     bool
	ExpiresIn time.Duration
}

// View 生成返回给调用方的视图
func (a *Allocation) View(now time.Time) domain.AccountView {
	view := domain.AccountView{
		Address:   a.Account.Address,
		State:     a.Account.State(now),
		ExpiresIn: int64(a.ExpiresIn / time.Second),
		IsNew:     a.IsNew,
	}
	if a.Session != nil && a.Session.SessionStart != nil {
		view.SessionStart = *a.Session.SessionStart
	}
	return view
}

// AccountService 负责地址的分配、释放与冷却清扫。
type AccountService struct {
	accounts  storage.AccountRepository
	sessions  storage.SessionRepository
	domains   *DomainService
	gateway   provider.Gateway
	names     NameGenerator
	validator *domain.AddressValidator
	cfg       config.AccountConfig
	keepFor   time.Duration // 服务端会话保存时长
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// AccountServiceOption 可选配置
type AccountServiceOption func(*AccountService)

// WithNameGenerator 替换随机前缀生成器
func WithNameGenerator(g NameGenerator) AccountServiceOption {
	return func(s *AccountService) { s.names = g }
}

// WithAccountClock 替换时钟
func WithAccountClock(now func() time.Time) AccountServiceOption {
	return func(s *AccountService) { s.now = now }
}

// WithAccountMetrics 设置监控指标
func WithAccountMetrics(m *monitoring.Metrics) AccountServiceOption {
	return func(s *AccountService) { s.metrics = m }
}

// NewAccountService 创建账号服务。
func NewAccountService(
	accounts storage.AccountRepository,
	sessions storage.SessionRepository,
	domains *DomainService,
	gateway provider.Gateway,
	cfg config.AccountConfig,
	sessionTTL time.Duration,
	logger *zap.Logger,
	opts ...AccountServiceOption,
) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = 12
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 5
	}
	if sessionTTL <= 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	s := &AccountService{
		accounts:  accounts,
		sessions:  sessions,
		domains:   domains,
		gateway:   gateway,
		names:     HumanNameGenerator{},
		validator: domain.NewAddressValidator(),
		cfg:       cfg,
		keepFor:   sessionTTL,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate 为身份分配地址
//
// requested 为空时，若当前地址仍被该会话持有则原样返回，否则生成新的随机地址；
// requested 非空时按显式地址处理，只有显式请求才会复用已有账号。
func (s *AccountService) Allocate(ctx context.Context, id domain.Identity, requested string) (*Allocation, error) {
	alloc, err := s.allocate(ctx, id, requested)
	if err != nil {
		s.metrics.RecordAllocationError(allocationErrorKind(err))
	}
	return alloc, err
}

// Reset 放弃当前地址并生成新的随机地址
func (s *AccountService) Reset(ctx context.Context, id domain.Identity) (*Allocation, error) {
	session, id, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.sweepQuietly(ctx)

	alloc, err := s.createRandom(ctx, id, session)
	if err != nil {
		s.metrics.RecordAllocationError(allocationErrorKind(err))
	}
	return alloc, err
}

// Current 返回当前地址，会话还没有地址时自动分配
func (s *AccountService) Current(ctx context.Context, id domain.Identity) (*Allocation, error) {
	return s.Allocate(ctx, id, "")
}

// Resolve 返回会话当前持有的账号，不做分配
func (s *AccountService) Resolve(ctx context.Context, id domain.Identity) (*domain.Account, *domain.Session, error) {
	session, id, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if id.CurrentAddress == "" {
		return nil, session, domain.ErrNoCurrentAccount
	}
	acc, err := s.accounts.GetAccountByAddress(ctx, id.CurrentAddress)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, session, domain.ErrNoCurrentAccount
		}
		return nil, session, err
	}
	if !acc.HeldBy(id.SessionKey, s.now()) {
		return nil, session, domain.ErrNoCurrentAccount
	}
	return acc, session, nil
}

// CurrentAddress 会话当前持有的地址，没有时返回空字符串
func (s *AccountService) CurrentAddress(ctx context.Context, sessionKey string) (string, error) {
	acc, _, err := s.Resolve(ctx, domain.Identity{SessionKey: sessionKey})
	if errors.Is(err, domain.ErrNoCurrentAccount) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return acc.Address, nil
}

func (s *AccountService) allocate(ctx context.Context, id domain.Identity, requested string) (*Allocation, error) {
	session, id, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.sweepQuietly(ctx)

	requested = strings.TrimSpace(requested)
	if requested == "" || strings.EqualFold(requested, id.CurrentAddress) {
		if alloc, ok := s.fastPath(ctx, id, session); ok {
			return alloc, nil
		}
	}

	if requested == "" {
		return s.createRandom(ctx, id, session)
	}
	return s.allocateExplicit(ctx, id, session, requested)
}

// fastPath 当前地址仍被同一会话持有
func (s *AccountService) fastPath(ctx context.Context, id domain.Identity, session *domain.Session) (*Allocation, bool) {
	if id.CurrentAddress == "" || id.SessionKey == "" {
		return nil, false
	}
	acc, err := s.accounts.GetAccountByAddress(ctx, id.CurrentAddress)
	if err != nil {
		return nil, false
	}
	now := s.now()
	if !acc.HeldBy(id.SessionKey, now) {
		return nil, false
	}
	session.Use(acc.Address, id.Fingerprint, now, s.cfg.HistorySize)
	s.saveSession(ctx, session)
	return &Allocation{Account: acc, Session: session, ExpiresIn: acc.SessionRemaining(now)}, true
}

func (s *AccountService) allocateExplicit(ctx context.Context, id domain.Identity, session *domain.Session, requested string) (*Allocation, error) {
	address, err := s.validator.Normalize(requested)
	if err != nil {
		return nil, &domain.ValidationError{Err: err}
	}
	_, domainName := domain.SplitAddress(address)
	d, err := s.domains.Lookup(ctx, domainName)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.GetAccountByAddress(ctx, address)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return s.createAt(ctx, id, session, address, d)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	now := s.now()
	reason, err := acc.CanClaim(id, now, s.cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if reason == domain.ClaimOwner {
		session.Use(acc.Address, id.Fingerprint, now, s.cfg.HistorySize)
		s.saveSession(ctx, session)
		return &Allocation{Account: acc, Session: session, ExpiresIn: acc.SessionRemaining(now)}, nil
	}
	if reason.IsTrustBypass() {
		s.logger.Warn("claim allowed by trust bypass",
			zap.String("reason", string(reason)),
			zap.String("address", acc.Address),
			zap.String("ip", id.ClientIP))
	}

	acc.Claim(id.SessionKey, now, s.cfg.SessionDuration)
	if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
		if errors.Is(err, storage.ErrStaleAccount) {
			return nil, domain.ErrInUse
		}
		return nil, fmt.Errorf("claim account: %w", err)
	}
	s.metrics.RecordAccountClaimed(string(reason))
	s.releasePrevious(ctx, id, address)

	session.Restart(acc.Address, id.Fingerprint, now, s.cfg.HistorySize)
	s.saveSession(ctx, session)
	return &Allocation{Account: acc, Session: session, IsNew: true, ExpiresIn: acc.SessionRemaining(now)}, nil
}

// createAt 在指定地址创建账号，服务商已存在时找回远端账号
func (s *AccountService) createAt(ctx context.Context, id domain.Identity, session *domain.Session, address string, d *domain.Domain) (*Allocation, error) {
	password := s.names.Password()
	remote, err := s.gateway.CreateAccount(ctx, address, password)
	if provider.IsAlreadyExists(err) {
		remote, err = s.gateway.FindAccount(ctx, address)
	}
	if err != nil {
		s.logger.Error("remote account creation failed", zap.String("address", address), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteCreateFailed, err)
	}

	acc, err := s.persist(ctx, id, remote, address, password, d)
	if errors.Is(err, storage.ErrAddressTaken) {
		return nil, domain.ErrInUse
	}
	if err != nil {
		return nil, err
	}
	return s.started(ctx, id, session, acc), nil
}

// createRandom 生成随机地址并创建账号
//
// 候选地址数上限为 create_attempts，全部冲突时返回 ErrExhausted。
func (s *AccountService) createRandom(ctx context.Context, id domain.Identity, session *domain.Session) (*Allocation, error) {
	type candidate struct {
		address string
		domain  *domain.Domain
	}

	candidates := make([]candidate, 0, s.cfg.CreateAttempts)
	addresses := make([]string, 0, s.cfg.CreateAttempts)
	for i := 0; i < s.cfg.CreateAttempts; i++ {
		d, err := s.domains.Pick(ctx)
		if err != nil {
			return nil, err
		}
		address := strings.ToLower(s.names.LocalPart()) + "@" + d.Name
		candidates = append(candidates, candidate{address: address, domain: d})
		addresses = append(addresses, address)
	}

	taken, err := s.accounts.AddressesTaken(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("check addresses: %w", err)
	}
	if taken == nil {
		taken = make(map[string]bool)
	}

	for _, c := range candidates {
		if taken[c.address] {
			continue
		}
		// 同一批里可能生成重复地址
		taken[c.address] = true

		password := s.names.Password()
		remote, err := s.gateway.CreateAccount(ctx, c.address, password)
		if provider.IsAlreadyExists(err) {
			continue
		}
		if err != nil {
			s.logger.Error("remote account creation failed", zap.String("address", c.address), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", domain.ErrRemoteCreateFailed, err)
		}

		acc, err := s.persist(ctx, id, remote, c.address, password, c.domain)
		if errors.Is(err, storage.ErrAddressTaken) {
			s.logger.Warn("local address collision after remote creation", zap.String("address", c.address))
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.started(ctx, id, session, acc), nil
	}

	s.logger.Error("address generation exhausted", zap.Int("attempts", s.cfg.CreateAttempts))
	return nil, domain.ErrExhausted
}

func (s *AccountService) persist(ctx context.Context, id domain.Identity, remote *provider.RemoteAccount, address, password string, d *domain.Domain) (*domain.Account, error) {
	now := s.now()
	acc := &domain.Account{
		ID:        uuid.NewString(),
		RemoteID:  remote.ID,
		Address:   address,
		Password:  password,
		DomainID:  d.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	acc.Claim(id.SessionKey, now, s.cfg.SessionDuration)
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, storage.ErrAddressTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.metrics.RecordAccountCreated()
	s.metrics.RecordAccountClaimed(string(domain.ClaimFree))
	s.logger.Info("account created", zap.String("address", address))
	return acc, nil
}

// started 新地址落库后才释放旧地址，失败的申请不影响当前地址
func (s *AccountService) started(ctx context.Context, id domain.Identity, session *domain.Session, acc *domain.Account) *Allocation {
	s.releasePrevious(ctx, id, acc.Address)
	now := s.now()
	session.Restart(acc.Address, id.Fingerprint, now, s.cfg.HistorySize)
	s.saveSession(ctx, session)
	return &Allocation{Account: acc, Session: session, IsNew: true, ExpiresIn: acc.SessionRemaining(now)}
}

// Release 释放身份当前持有的地址
func (s *AccountService) Release(ctx context.Context, id domain.Identity) error {
	session, id, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if id.CurrentAddress == "" {
		return domain.ErrNoCurrentAccount
	}
	s.releasePrevious(ctx, id, "")
	session.Clear(s.now())
	s.saveSession(ctx, session)
	return nil
}

// releasePrevious 释放身份持有的旧地址，except 为即将占用的地址
func (s *AccountService) releasePrevious(ctx context.Context, id domain.Identity, except string) {
	if id.CurrentAddress == "" || strings.EqualFold(id.CurrentAddress, except) {
		return
	}
	acc, err := s.accounts.GetAccountByAddress(ctx, id.CurrentAddress)
	if err != nil {
		return
	}
	now := s.now()
	if acc.LastSessionKey != id.SessionKey || acc.IsAvailable {
		return
	}

	acc.Release(now, s.cfg.Cooldown)
	if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
		s.logger.Warn("release previous address failed", zap.String("address", acc.Address), zap.Error(err))
		return
	}
	s.metrics.RecordAccountReleased()
	s.logger.Info("address released", zap.String("address", acc.Address))
}

// History 会话最近使用的地址及其可用性
func (s *AccountService) History(ctx context.Context, id domain.Identity) ([]domain.HistoryEntry, error) {
	session, id, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	entries := make([]domain.HistoryEntry, 0, len(session.History))
	for _, address := range session.History {
		acc, err := s.accounts.GetAccountByAddress(ctx, address)
		if errors.Is(err, storage.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get account: %w", err)
		}

		state := acc.State(now)
		_, claimErr := acc.CanClaim(id, now, s.cfg.Cooldown)
		entry := domain.HistoryEntry{
			Address:    acc.Address,
			State:      state,
			Available:  state == domain.StateAvailable && !acc.IsLapsed(now),
			InCooldown: state == domain.StateCooldown,
			CanReuse:   claimErr == nil,
			IsCurrent:  acc.Address == session.CurrentAddress,
		}
		if state == domain.StateClaimed {
			entry.ExpiresAt = acc.SessionExpiresAt
		}
		if state == domain.StateCooldown {
			entry.CooldownUntil = acc.CooldownUntil
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep 把会话已过期的占用转入冷却，返回处理数量
func (s *AccountService) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.now()
		expired, err := s.accounts.ListExpiredClaims(ctx, now, sweepBatchSize)
		if err != nil {
			return total, fmt.Errorf("list expired claims: %w", err)
		}

		moved := 0
		for i := range expired {
			acc := &expired[i]
			acc.Expire(now, s.cfg.Cooldown)
			if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
				if errors.Is(err, storage.ErrStaleAccount) || errors.Is(err, storage.ErrAccountNotFound) {
					continue
				}
				return total, fmt.Errorf("expire account: %w", err)
			}
			moved++
		}
		total += moved

		if len(expired) < sweepBatchSize || moved == 0 {
			break
		}
	}

	if total > 0 {
		s.metrics.RecordAccountsExpired(total)
		s.logger.Info("expired sessions moved to cooldown", zap.Int("count", total))
	}
	return total, nil
}

func (s *AccountService) sweepQuietly(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("opportunistic sweep failed", zap.Error(err))
	}
}

// loadSession 读取服务端会话，并把会话中的当前地址和指纹合并进身份
func (s *AccountService) loadSession(ctx context.Context, id domain.Identity) (*domain.Session, domain.Identity, error) {
	if id.SessionKey == "" {
		id.SessionKey = uuid.NewString()
	}

	session, err := s.sessions.GetSession(ctx, id.SessionKey)
	if errors.Is(err, storage.ErrSessionNotFound) {
		session = domain.NewSession(id.SessionKey)
	} else if err != nil {
		return nil, id, fmt.Errorf("get session: %w", err)
	}

	if id.CurrentAddress == "" {
		id.CurrentAddress = session.CurrentAddress
	}
	id.CurrentAddress = strings.ToLower(id.CurrentAddress)

	known := make(map[string]string, len(id.KnownFingerprints)+len(session.Fingerprints))
	for address, fp := range session.Fingerprints {
		known[address] = fp
	}
	for address, fp := range id.KnownFingerprints {
		known[strings.ToLower(address)] = fp
	}
	id.KnownFingerprints = known
	return session, id, nil
}

func (s *AccountService) saveSession(ctx context.Context, session *domain.Session) {
	if err := s.sessions.SaveSession(ctx, session, s.keepFor); err != nil {
		s.logger.Warn("save session failed", zap.String("session", session.Key), zap.Error(err))
	}
}

func allocationErrorKind(err error) string {
	switch {
	case domain.IsValidation(err):
		return "invalid"
	case errors.Is(err, domain.ErrInUse):
		return "in_use"
	case errors.Is(err, domain.ErrInCooldown):
		return "cooldown"
	case errors.Is(err, domain.ErrDomainUnsupported):
		return "domain_unsupported"
	case errors.Is(err, domain.ErrRemoteCreateFailed):
		return "remote_create_failed"
	case errors.Is(err, domain.ErrExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrNoActiveDomain):
		return "no_domain"
	default:
		return "internal"
	}
}
