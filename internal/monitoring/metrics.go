package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record 方法对 nil 接收者安全，未启用监控时可以直接传 nil。
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 账号指标
	AccountsCreated  prometheus.Counter
	AccountsClaimed  *prometheus.CounterVec
	AccountsReleased prometheus.Counter
	AccountsExpired  prometheus.Counter
	AccountsOrphaned prometheus.Counter
	AllocationErrors *prometheus.CounterVec

	// 同步指标
	SyncRuns         *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	MessagesSynced   prometheus.Counter
	MessagesRead     prometheus.Counter
	ProviderRequests prometheus.Counter
	ProviderBackoff  prometheus.Gauge

	// 系统指标
	SystemUptime     prometheus.Gauge
	WebsocketClients prometheus.Gauge
	BackgroundDrops  prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册监控指标，reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPRequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		AccountsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_accounts_created_total",
			Help: "Total number of provider accounts created",
		}),
		AccountsClaimed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_accounts_claimed_total",
				Help: "Total number of account claims by reason",
			},
			[]string{"reason"},
		),
		AccountsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_accounts_released_total",
			Help: "Total number of accounts released by their owner",
		}),
		AccountsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_accounts_expired_total",
			Help: "Total number of claims moved to cooldown by the sweep",
		}),
		AccountsOrphaned: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_accounts_orphaned_total",
			Help: "Total number of local accounts removed because the provider no longer has them",
		}),
		AllocationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_allocation_errors_total",
				Help: "Total number of failed allocations by kind",
			},
			[]string{"kind"},
		),

		SyncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_sync_runs_total",
				Help: "Total number of inbox sync attempts by result",
			},
			[]string{"result"},
		),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_sync_duration_seconds",
			Help:    "Duration of completed inbox sync passes",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_synced_total",
			Help: "Total number of new messages mirrored from the provider",
		}),
		MessagesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_read_total",
			Help: "Total number of messages read",
		}),
		ProviderRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_provider_requests_total",
			Help: "Total number of HTTP requests sent to the provider",
		}),
		ProviderBackoff: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_provider_backoff_seconds",
			Help: "Backoff applied after the most recent provider rate limit",
		}),

		SystemUptime: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_system_uptime_seconds",
			Help: "System uptime in seconds",
		}),
		WebsocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_websocket_clients",
			Help: "Number of connected websocket clients",
		}),
		BackgroundDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_background_tasks_dropped_total",
			Help: "Total number of background refreshes dropped because the queue was full",
		}),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_panics_total",
			Help: "Total number of panics",
		}),
		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_rate_limit_blocks_total",
				Help: "Total number of requests blocked by a rate limit",
			},
			[]string{"limit_type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordAccountCreated 记录新建账号
func (m *Metrics) RecordAccountCreated() {
	if m == nil {
		return
	}
	m.AccountsCreated.Inc()
}

// RecordAccountClaimed 记录占用及其依据
func (m *Metrics) RecordAccountClaimed(reason string) {
	if m == nil {
		return
	}
	m.AccountsClaimed.WithLabelValues(reason).Inc()
}

// RecordAccountReleased 记录主动释放
func (m *Metrics) RecordAccountReleased() {
	if m == nil {
		return
	}
	m.AccountsReleased.Inc()
}

// RecordAccountsExpired 记录清扫转入冷却的数量
func (m *Metrics) RecordAccountsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AccountsExpired.Add(float64(n))
}

// RecordAccountOrphaned 记录孤儿账号清理
func (m *Metrics) RecordAccountOrphaned() {
	if m == nil {
		return
	}
	m.AccountsOrphaned.Inc()
}

// RecordAllocationError 记录分配失败
func (m *Metrics) RecordAllocationError(kind string) {
	if m == nil {
		return
	}
	m.AllocationErrors.WithLabelValues(kind).Inc()
}

// RecordSync 记录一次同步尝试
func (m *Metrics) RecordSync(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result).Inc()
	if duration > 0 {
		m.SyncDuration.Observe(duration.Seconds())
	}
}

// RecordMessagesSynced 记录新镜像的邮件数
func (m *Metrics) RecordMessagesSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesSynced.Add(float64(n))
}

// RecordMessageRead 记录邮件阅读
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordProviderRequest 记录一次服务商请求
func (m *Metrics) RecordProviderRequest() {
	if m == nil {
		return
	}
	m.ProviderRequests.Inc()
}

// RecordProviderBackoff 记录限流退避时长
func (m *Metrics) RecordProviderBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderBackoff.Set(d.Seconds())
}

// RecordBackgroundDrop 记录被丢弃的后台任务
func (m *Metrics) RecordBackgroundDrop() {
	if m == nil {
		return
	}
	m.BackgroundDrops.Inc()
}

// UpdateWebsocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.SystemUptime.Set(uptime.Seconds())
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
