package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// maxResponseBytes 单个响应体上限，附件也走这里
const maxResponseBytes = 25 << 20

// Config 客户端配置
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// Option 客户端可选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRequestHook 每次真正发出请求前调用，用于请求预算计数
func WithRequestHook(hook func(ctx context.Context)) Option {
	return func(c *Client) {
		c.onRequest = hook
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client Gateway 的 HTTP 实现
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	attempts  int
	base      time.Duration
	ceiling   time.Duration
	onRequest func(ctx context.Context)
	logger    *zap.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient 创建服务商客户端
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		attempts: cfg.MaxRetries,
		base:     cfg.BackoffBase,
		ceiling:  cfg.BackoffCeiling,
		logger:   zap.NewNop(),
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if c.attempts <= 0 {
		c.attempts = 3
	}
	if c.base <= 0 {
		c.base = time.Second
	}
	if c.ceiling <= 0 {
		c.ceiling = 8 * time.Second
	}
	c.http = &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActiveDomains 获取所有启用的域名
func (c *Client) ListActiveDomains(ctx context.Context) ([]RemoteDomain, error) {
	var out []RemoteDomain
	for page := 1; ; page++ {
		q := url.Values{"isActive": {"true"}, "page": {strconv.Itoa(page)}}
		body, err := c.do(ctx, http.MethodGet, "/domains", q, nil)
		if err != nil {
			return nil, err
		}
		list, err := decodeList[wireDomain](body)
		if err != nil {
			return nil, err
		}
		for _, d := range list.Items {
			if d.IsActive && d.Domain != "" {
				out = append(out, RemoteDomain{ID: d.ID, Domain: d.Domain, IsActive: true})
			}
		}
		if len(list.Items) == 0 || !list.Paginated || page*len(list.Items) >= list.TotalItems {
			break
		}
	}
	return out, nil
}

// CreateAccount 创建远端账号
func (c *Client) CreateAccount(ctx context.Context, address, password string) (*RemoteAccount, error) {
	payload, _ := json.Marshal(map[string]string{"address": address, "password": password})
	body, err := c.do(ctx, http.MethodPost, "/accounts", nil, payload)
	if err != nil {
		return nil, err
	}
	var acc wireAccount
	if err := json.Unmarshal(body, &acc); err != nil {
		return nil, fmt.Errorf("%w: decode account: %v", ErrFatal, err)
	}
	if acc.ID == "" {
		return nil, fmt.Errorf("%w: account without id", ErrFatal)
	}
	if acc.Address == "" {
		acc.Address = address
	}
	return &RemoteAccount{ID: acc.ID, Address: acc.Address}, nil
}

// FindAccount 按地址查找远端账号，不存在返回 ErrNotFound
func (c *Client) FindAccount(ctx context.Context, address string) (*RemoteAccount, error) {
	body, err := c.do(ctx, http.MethodGet, "/accounts", url.Values{"address": {address}}, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeList[wireAccount](body)
	if err != nil {
		return nil, err
	}
	for _, a := range list.Items {
		if strings.EqualFold(a.Address, address) && a.ID != "" {
			return &RemoteAccount{ID: a.ID, Address: a.Address}, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s", ErrNotFound, address)
}

// ResolveInbox 找到路径为 INBOX 的邮箱目录
func (c *Client) ResolveInbox(ctx context.Context, accountID string) (*Mailbox, error) {
	body, err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/mailboxes", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeList[wireMailbox](body)
	if err != nil {
		return nil, err
	}
	for _, m := range list.Items {
		if strings.EqualFold(m.Path, "INBOX") {
			return &Mailbox{ID: m.ID, Path: m.Path}, nil
		}
	}
	return nil, ErrNoInbox
}

// ListMessages 获取一页邮件摘要
func (c *Client) ListMessages(ctx context.Context, accountID, mailboxID string, page int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	body, err := c.do(ctx, http.MethodGet, messagesPath(accountID, mailboxID), url.Values{"page": {strconv.Itoa(page)}}, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeList[wireMessage](body)
	if err != nil {
		return nil, err
	}
	out := &MessagePage{TotalItems: list.TotalItems, Paginated: list.Paginated}
	for _, m := range list.Items {
		if m.ID != "" {
			out.Messages = append(out.Messages, m.header())
		}
	}
	return out, nil
}

// GetMessage 获取邮件详情
func (c *Client) GetMessage(ctx context.Context, accountID, mailboxID, messageID string) (*MessageDetail, error) {
	body, err := c.do(ctx, http.MethodGet, messagesPath(accountID, mailboxID)+"/"+url.PathEscape(messageID), nil, nil)
	if err != nil {
		return nil, err
	}
	var m wireMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decode message: %v", ErrFatal, err)
	}
	if m.ID == "" {
		m.ID = messageID
	}
	if m.MailboxID == "" {
		m.MailboxID = mailboxID
	}
	return m.detail(), nil
}

// GetAttachment 下载附件原始字节
func (c *Client) GetAttachment(ctx context.Context, accountID, mailboxID, messageID, attachmentID string) ([]byte, error) {
	path := messagesPath(accountID, mailboxID) + "/" + url.PathEscape(messageID) + "/attachment/" + url.PathEscape(attachmentID)
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// GetRawSource 获取 RFC 822 原文
func (c *Client) GetRawSource(ctx context.Context, accountID, mailboxID, messageID string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, messagesPath(accountID, mailboxID)+"/"+url.PathEscape(messageID)+"/source", nil, nil)
	if err != nil {
		return nil, err
	}
	src := decodeSource(body)
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrNotFound)
	}
	return src, nil
}

func messagesPath(accountID, mailboxID string) string {
	return "/accounts/" + url.PathEscape(accountID) + "/mailboxes/" + url.PathEscape(mailboxID) + "/messages"
}

// do 带重试的请求；只有暂时性错误与限流会重试
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	backoff := retry.NewExponential(c.base)
	backoff = retry.WithCappedDuration(c.ceiling, backoff)
	backoff = retry.WithMaxRetries(uint64(c.attempts-1), backoff)

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := c.once(ctx, method, path, query, payload)
		if err != nil {
			if IsRetryable(err) {
				c.logger.Debug("provider request will retry",
					zap.String("method", method),
					zap.String("path", path),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &APIError{Kind: ErrFatal, Method: method, Path: path, Err: err}
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.onRequest != nil {
		c.onRequest(ctx)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &APIError{Kind: ErrTransient, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &APIError{Kind: ErrTransient, Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(method, path, resp, body)
}

func classify(method, path string, resp *http.Response, body []byte) error {
	apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, body: truncateBody(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = ErrRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	case (resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity) &&
		strings.Contains(strings.ToLower(string(body)), "already used"):
		apiErr.Kind = ErrAlreadyExists
	case resp.StatusCode >= 500:
		apiErr.Kind = ErrTransient
	default:
		apiErr.Kind = ErrFatal
	}
	return apiErr
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

// IsAlreadyExists 错误是否表示地址已被占用
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
