package health

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	checkTimeout       = 3 * time.Second
	goroutineThreshold = 5000
)

// Pinger 可探测连通性的依赖，例如存储
type Pinger interface {
	Health(ctx context.Context) error
}

// CheckResult 单项检查结果
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 健康报告
type Report struct {
	Status     Status        `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Uptime     string        `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	Checks     []CheckResult `json:"checks"`
	Version    string        `json:"version"`
}

// Checker 健康检查器
type Checker struct {
	handler   healthcheck.Handler
	deps      map[string]Pinger
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewChecker 创建健康检查器，deps 中的依赖全部参与就绪检查
func NewChecker(deps map[string]Pinger, version string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		handler:   healthcheck.NewHandler(),
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
	}

	c.handler.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(goroutineThreshold))
	for name, dep := range deps {
		dep := dep
		c.handler.AddReadinessCheck(name, healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			defer cancel()
			return dep.Health(ctx)
		}, checkTimeout))
	}
	return c
}

// LiveHandler 存活检查
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.handler.LiveEndpoint
}

// ReadyHandler 就绪检查
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.handler.ReadyEndpoint
}

// Check 执行全部检查并生成报告
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Version:    c.version,
	}

	names := make([]string, 0, len(c.deps))
	for name := range c.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.deps[name].Health(checkCtx)
		cancel()

		result := CheckResult{Name: name, Status: StatusHealthy, Duration: time.Since(start)}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			report.Status = StatusUnhealthy
			c.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
		}
		report.Checks = append(report.Checks, result)
	}

	if report.Status == StatusHealthy && report.Goroutines > goroutineThreshold {
		report.Status = StatusDegraded
	}
	return report
}

// Uptime 运行时间
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}
