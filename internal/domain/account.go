package domain

import "time"

// AccountState 账号生命周期状态
type AccountState string

const (
	// StateAvailable 从未被占用，或占用与冷却均已结束
	StateAvailable AccountState = "AVAILABLE"
	// StateClaimed 被某个会话独占，会话尚未过期
	StateClaimed AccountState = "CLAIMED"
	// StateCooldown 会话已结束，冷却期内不允许陌生身份接手
	StateCooldown AccountState = "COOLDOWN"
)

// ClaimReason 允许占用的依据
type ClaimReason string

const (
	// ClaimFree 地址空闲
	ClaimFree ClaimReason = "free"
	// ClaimOwner 当前会话本就是持有者
	ClaimOwner ClaimReason = "owner"
	// ClaimTrustSession 冷却期内凭会话密钥提前接手
	ClaimTrustSession ClaimReason = "trust_session"
	// ClaimTrustFingerprint 冷却期内凭浏览器指纹提前接手
	ClaimTrustFingerprint ClaimReason = "trust_fingerprint"
	// ClaimLapsedOwner 会话已过期但尚未被清扫，原持有者回收
	ClaimLapsedOwner ClaimReason = "lapsed_owner"
	// ClaimLapsedFingerprint 同上，凭指纹识别
	ClaimLapsedFingerprint ClaimReason = "lapsed_fingerprint"
)

// IsTrustBypass 是否属于提前越过冷却期的信任放行，需要记录日志
func (r ClaimReason) IsTrustBypass() bool {
	switch r {
	case ClaimTrustSession, ClaimTrustFingerprint, ClaimLapsedOwner, ClaimLapsedFingerprint:
		return true
	}
	return false
}

// Account 表示一个可被会话占用的临时邮箱账号。
//
// 状态不单独存储，而是由 IsAvailable、SessionExpiresAt、CooldownUntil 推导，
// 保证任意时刻只落在一个状态上。
type Account struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RemoteID         string     `json:"-" gorm:"type:varchar(255);uniqueIndex;not null"`
	Address          string     `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	Password         string     `json:"-" gorm:"type:varchar(255);not null"`
	DomainID         string     `json:"domainId" gorm:"type:varchar(36);index"`
	IsAvailable      bool       `json:"isAvailable" gorm:"default:true;index:idx_accounts_claim,priority:1"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
	SessionExpiresAt *time.Time `json:"sessionExpiresAt,omitempty" gorm:"index:idx_accounts_claim,priority:2"`
	CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
	LastSessionKey   string     `json:"-" gorm:"type:varchar(64)"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	Version          int64      `json:"-" gorm:"not null;default:0"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// State 计算账号在 now 时刻的状态
func (a *Account) State(now time.Time) AccountState {
	if !a.IsAvailable && a.SessionExpiresAt != nil && a.SessionExpiresAt.After(now) {
		return StateClaimed
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return StateCooldown
	}
	return StateAvailable
}

// IsLapsed 会话已过期但清扫任务尚未把它转入冷却
func (a *Account) IsLapsed(now time.Time) bool {
	return !a.IsAvailable && (a.SessionExpiresAt == nil || !a.SessionExpiresAt.After(now))
}

// HeldBy 当前是否被该会话持有
func (a *Account) HeldBy(sessionKey string, now time.Time) bool {
	return sessionKey != "" &&
		a.State(now) == StateClaimed &&
		a.LastSessionKey == sessionKey
}

// CanClaim 判断身份 id 能否在 now 时刻占用账号
//
// 指纹只能越过冷却期或回收自己遗留的过期占用，永远不能抢占他人未过期的占用。
// 返回 ErrInUse 或 *CooldownError。
func (a *Account) CanClaim(id Identity, now time.Time, cooldown time.Duration) (ClaimReason, error) {
	sameSession := id.SessionKey != "" && a.LastSessionKey == id.SessionKey
	sameBrowser := id.RecognizesFingerprint(a.Address)

	if a.IsLapsed(now) {
		switch {
		case sameSession:
			return ClaimLapsedOwner, nil
		case sameBrowser:
			return ClaimLapsedFingerprint, nil
		}
		// 清扫会把它放入冷却，这里按清扫后的结果计算
		wait := cooldown
		if a.SessionExpiresAt != nil {
			wait = a.SessionExpiresAt.Add(cooldown).Sub(now)
		}
		if wait <= 0 {
			return ClaimFree, nil
		}
		return "", &CooldownError{Wait: wait}
	}

	switch a.State(now) {
	case StateClaimed:
		if sameSession {
			return ClaimOwner, nil
		}
		return "", ErrInUse
	case StateCooldown:
		switch {
		case sameSession:
			return ClaimTrustSession, nil
		case sameBrowser:
			return ClaimTrustFingerprint, nil
		}
		return "", &CooldownError{Wait: a.CooldownUntil.Sub(now)}
	default:
		return ClaimFree, nil
	}
}

// Claim AVAILABLE/COOLDOWN -> CLAIMED
func (a *Account) Claim(sessionKey string, now time.Time, duration time.Duration) {
	expires := now.Add(duration)
	used := now
	a.IsAvailable = false
	a.LastUsedAt = &used
	a.SessionExpiresAt = &expires
	a.LastSessionKey = sessionKey
	a.CooldownUntil = nil
}

// Expire CLAIMED -> COOLDOWN，由清扫任务在会话过期后调用
func (a *Account) Expire(now time.Time, cooldown time.Duration) {
	until := now.Add(cooldown)
	a.IsAvailable = true
	a.SessionExpiresAt = nil
	a.CooldownUntil = &until
}

// Release 持有者主动放弃地址，同样进入冷却，原持有者仍可凭会话或指纹回来
func (a *Account) Release(now time.Time, cooldown time.Duration) {
	a.Expire(now, cooldown)
}

// SessionRemaining 距离会话过期的剩余时长
func (a *Account) SessionRemaining(now time.Time) time.Duration {
	if a.SessionExpiresAt == nil {
		return 0
	}
	if d := a.SessionExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AccountView 返回给调用方的账号视图
type AccountView struct {
	Address      string       `json:"email"`
	State        AccountState `json:"state"`
	SessionStart time.Time    `json:"sessionStart"`
	ExpiresIn    int64        `json:"expiresIn"` // 秒
	IsNew        bool         `json:"isNewSession"`
}
