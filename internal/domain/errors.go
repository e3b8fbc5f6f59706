package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// 分配流程的业务错误
var (
	ErrInUse              = errors.New("address is claimed by another session")
	ErrInCooldown         = errors.New("address is cooling down")
	ErrDomainUnsupported  = errors.New("domain is not supported")
	ErrRemoteCreateFailed = errors.New("remote account creation failed")
	ErrExhausted          = errors.New("address generation attempts exhausted")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrNoActiveDomain     = errors.New("no active domain available")
	ErrNoCurrentAccount   = errors.New("session has no current address")
)

// CooldownError 地址处于冷却期，携带剩余等待时长
type CooldownError struct {
	Wait time.Duration
}

// 不足一分钟按秒显示，均向上取整
func (e *CooldownError) Error() string {
	secs := int(math.Ceil(e.Wait.Seconds()))
	if secs < 60 {
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("address is cooling down, available in %d seconds", secs)
	}
	return fmt.Sprintf("address is cooling down, available in %d minutes", int(math.Ceil(e.Wait.Minutes())))
}

// Is 使 errors.Is(err, ErrInCooldown) 成立
func (e *CooldownError) Is(target error) bool {
	return target == ErrInCooldown
}

// CooldownWait 从错误链中取出冷却剩余时长
func CooldownWait(err error) (time.Duration, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce.Wait, true
	}
	return 0, false
}

// ValidationError 地址或域名格式不合法，在任何远端调用之前返回
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid address: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation 是否为格式校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
