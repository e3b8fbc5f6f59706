package domain

import "time"

// Session 浏览器会话在服务端保存的状态
type Session struct {
	Key            string               `json:"key"`
	CurrentAddress string               `json:"currentAddress,omitempty"`
	SessionStart   *time.Time           `json:"sessionStart,omitempty"`
	FirstUsed      map[string]time.Time `json:"firstUsed,omitempty"`    // 地址 -> 本会话首次使用时间
	History        []string             `json:"history,omitempty"`      // 最近使用的地址，新的在前
	Fingerprints   map[string]string    `json:"fingerprints,omitempty"` // 地址 -> 指纹
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// NewSession 创建空会话
func NewSession(key string) *Session {
	return &Session{
		Key:          key,
		FirstUsed:    make(map[string]time.Time),
		Fingerprints: make(map[string]string),
	}
}

// Use 切换当前地址并维护历史
//
// 会话起点取该地址在本会话中的首次使用时间，重复切回不会重置计时。
func (s *Session) Use(address, fingerprint string, now time.Time, historySize int) {
	if s.FirstUsed == nil {
		s.FirstUsed = make(map[string]time.Time)
	}
	if s.Fingerprints == nil {
		s.Fingerprints = make(map[string]string)
	}
	if _, ok := s.FirstUsed[address]; !ok {
		s.FirstUsed[address] = now
	}
	start := s.FirstUsed[address]
	s.CurrentAddress = address
	s.SessionStart = &start
	if fingerprint != "" {
		s.Fingerprints[address] = fingerprint
	}
	s.pushHistory(address, historySize)
	s.UpdatedAt = now
}

// Restart 开始一段全新的占用，计时从 now 重新开始
func (s *Session) Restart(address, fingerprint string, now time.Time, historySize int) {
	if s.FirstUsed == nil {
		s.FirstUsed = make(map[string]time.Time)
	}
	s.FirstUsed[address] = now
	s.Use(address, fingerprint, now, historySize)
}

// Clear 清除当前地址（释放后调用）
func (s *Session) Clear(now time.Time) {
	s.CurrentAddress = ""
	s.SessionStart = nil
	s.UpdatedAt = now
}

func (s *Session) pushHistory(address string, size int) {
	if size <= 0 {
		size = 5
	}
	history := make([]string, 0, size)
	history = append(history, address)
	for _, a := range s.History {
		if a != address && len(history) < size {
			history = append(history, a)
		}
	}
	s.History = history
}

// HistoryEntry 历史地址及其当前可用性
type HistoryEntry struct {
	Address       string       `json:"email"`
	State         AccountState `json:"state"`
	Available     bool         `json:"available"`
	InCooldown    bool         `json:"inCooldown"`
	CanReuse      bool         `json:"canReuse"`
	IsCurrent     bool         `json:"isCurrent"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	CooldownUntil *time.Time   `json:"cooldownUntil,omitempty"`
}
