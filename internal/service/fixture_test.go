package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/ratelimit"
	"tempmail/relay/internal/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeGateway 内存中的服务商
type fakeGateway struct {
	mu sync.Mutex

	domains   []provider.RemoteDomain
	accounts  map[string]*provider.RemoteAccount // 地址 -> 账号
	messages  map[string][]*provider.MessageDetail
	raw       map[string][]byte
	files     map[string][]byte
	gone      map[string]bool // 已删除的远端账号 ID
	createErr error
	listErr   error
	noInbox   bool

	nextID      int
	createCalls int
	detailCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		domains:  []provider.RemoteDomain{{ID: "d1", Domain: "example.com", IsActive: true}},
		accounts: make(map[string]*provider.RemoteAccount),
		messages: make(map[string][]*provider.MessageDetail),
		raw:      make(map[string][]byte),
		files:    make(map[string][]byte),
		gone:     make(map[string]bool),
	}
}

func (g *fakeGateway) ListActiveDomains(ctx context.Context) ([]provider.RemoteDomain, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]provider.RemoteDomain(nil), g.domains...), nil
}

func (g *fakeGateway) CreateAccount(ctx context.Context, address, password string) (*provider.RemoteAccount, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if _, ok := g.accounts[address]; ok {
		return nil, &provider.APIError{Kind: provider.ErrAlreadyExists, Status: 422}
	}
	g.nextID++
	acc := &provider.RemoteAccount{ID: fmt.Sprintf("acc-%d", g.nextID), Address: address}
	g.accounts[address] = acc
	return acc, nil
}

func (g *fakeGateway) FindAccount(ctx context.Context, address string) (*provider.RemoteAccount, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if acc, ok := g.accounts[address]; ok {
		return acc, nil
	}
	return nil, provider.ErrNotFound
}

func (g *fakeGateway) ResolveInbox(ctx context.Context, accountID string) (*provider.Mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[accountID] {
		return nil, &provider.APIError{Kind: provider.ErrNotFound, Status: 404}
	}
	if g.noInbox {
		return nil, provider.ErrNoInbox
	}
	return &provider.Mailbox{ID: "inbox-" + accountID, Path: "INBOX"}, nil
}

func (g *fakeGateway) ListMessages(ctx context.Context, accountID, mailboxID string, page int) (*provider.MessagePage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	if page > 1 {
		return &provider.MessagePage{}, nil
	}
	var headers []provider.MessageHeader
	for _, m := range g.messages[accountID] {
		headers = append(headers, provider.MessageHeader{ID: m.ID, MailboxID: mailboxID, HasAttachments: m.HasAttachments})
	}
	return &provider.MessagePage{Messages: headers, TotalItems: len(headers), Paginated: true}, nil
}

func (g *fakeGateway) GetMessage(ctx context.Context, accountID, mailboxID, messageID string) (*provider.MessageDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detailCalls++
	for _, m := range g.messages[accountID] {
		if m.ID == messageID {
			d := *m
			d.Attachments = append([]domain.Attachment(nil), m.Attachments...)
			return &d, nil
		}
	}
	return nil, &provider.APIError{Kind: provider.ErrNotFound, Status: 404}
}

func (g *fakeGateway) GetAttachment(ctx context.Context, accountID, mailboxID, messageID, attachmentID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if data, ok := g.files[messageID+"/"+attachmentID]; ok {
		return data, nil
	}
	return nil, provider.ErrNotFound
}

func (g *fakeGateway) GetRawSource(ctx context.Context, accountID, mailboxID, messageID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if data, ok := g.raw[messageID]; ok {
		return data, nil
	}
	return nil, provider.ErrNotFound
}

func (g *fakeGateway) addMessage(remoteAccountID string, m *provider.MessageDetail) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[remoteAccountID] = append(g.messages[remoteAccountID], m)
}

func (g *fakeGateway) remoteID(address string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if acc, ok := g.accounts[address]; ok {
		return acc.ID
	}
	return ""
}

// fixedNames 每次返回同一个前缀，并记录调用次数
type fixedNames struct {
	mu    sync.Mutex
	local string
	calls int
}

func (n *fixedNames) LocalPart() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.local
}

func (n *fixedNames) Password() string { return "secret-password" }

// sequenceNames 依次返回 name1, name2 ...
type sequenceNames struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceNames) LocalPart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("name%d", s.n)
}

func (s *sequenceNames) Password() string { return "secret-password" }

type recordingNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingNotifier) NotifyNewMessages(address string, messages []domain.MessageSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[address] += len(messages)
}

var testAccountConfig = config.AccountConfig{
	SessionDuration: time.Hour,
	Cooldown:        2 * time.Hour,
	CreateAttempts:  5,
	HistorySize:     5,
}

type fixture struct {
	store    *memory.Store
	gw       *fakeGateway
	clock    *fakeClock
	budget   *ratelimit.Budget
	domains  *DomainService
	accounts *AccountService
	syncer   *SyncService
	messages *MessageService
}

func newFixture(t *testing.T, opts ...AccountServiceOption) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	store.SetClock(clock.Now)
	gw := newFakeGateway()

	budget := ratelimit.NewBudget(store, ratelimit.BudgetConfig{
		MaxRequests:    100,
		Window:         time.Second,
		BackoffCeiling: 8 * time.Second,
		ErrorDecay:     5 * time.Minute,
	}, nil).WithClock(clock.Now)
	throttle := ratelimit.NewThrottle(store, 4*time.Second, nil).WithClock(clock.Now)

	domains := NewDomainService(store, gw, nil, time.Hour, nil)
	opts = append([]AccountServiceOption{WithAccountClock(clock.Now), WithNameGenerator(&sequenceNames{})}, opts...)
	accounts := NewAccountService(store, store, domains, gw, testAccountConfig, 0, nil, opts...)

	syncer := NewSyncService(store, store, gw, budget, throttle, nil, nil)
	syncer.now = clock.Now

	messages := NewMessageService(store, gw, syncer, budget, testAccountConfig.SessionDuration, nil)
	messages.now = clock.Now

	return &fixture{
		store:    store,
		gw:       gw,
		clock:    clock,
		budget:   budget,
		domains:  domains,
		accounts: accounts,
		syncer:   syncer,
		messages: messages,
	}
}

func identity(key string) domain.Identity {
	return domain.Identity{SessionKey: key}
}

func fingerprinted(key, fp, address string) domain.Identity {
	return domain.Identity{
		SessionKey:        key,
		Fingerprint:       fp,
		KnownFingerprints: map[string]string{strings.ToLower(address): fp},
	}
}
