package provider

import (
	"errors"
	"fmt"
	"time"
)

// 服务商错误分类
var (
	ErrTransient     = errors.New("provider transient failure")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrNotFound      = errors.New("provider resource not found")
	ErrAlreadyExists = errors.New("provider value already used")
	ErrFatal         = errors.New("provider request failed")
	ErrNoInbox       = errors.New("provider inbox mailbox not found")
)

// APIError 一次失败调用的详细信息，通过 errors.Is 匹配分类
type APIError struct {
	Kind       error
	Status     int
	Method     string
	Path       string
	RetryAfter time.Duration // 仅限流时有效
	Err        error         // 底层网络错误
	body       string
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Method, e.Path, e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: %v (status %d)", e.Method, e.Path, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Kind)
	}
}

// Unwrap 返回错误分类
func (e *APIError) Unwrap() error {
	return e.Kind
}

// Body 服务商返回的原始错误文本，只用于日志
func (e *APIError) Body() string {
	return e.body
}

// RetryAfter 从错误链中取出服务商建议的重试等待时长
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && errors.Is(apiErr.Kind, ErrRateLimited) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsRetryable 暂时性错误与限流可以重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
