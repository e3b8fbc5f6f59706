package domain

import "time"

// CountEntry 名称与数量
type CountEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Statistics 管理后台统计数据
type Statistics struct {
	From               time.Time    `json:"from"`
	To                 time.Time    `json:"to"`
	TotalAccounts      int64        `json:"totalAccounts"`
	AvailableAccounts  int64        `json:"availableAccounts"`
	AccountsInUse      int64        `json:"accountsInUse"`
	TotalMessages      int64        `json:"totalMessages"`
	MessagesWithAttach int64        `json:"messagesWithAttachments"`
	TotalAttachments   int          `json:"totalAttachments"`
	DomainsUsed        int          `json:"domainsUsed"`
	ActiveDomainsUsed  int          `json:"activeDomainsUsed"`
	AccountsByDomain   []CountEntry `json:"accountsByDomain"`
	AttachmentTypes    []CountEntry `json:"attachmentTypes"`
	SenderDomains      []CountEntry `json:"senderDomains"`
	SenderDomainsTotal int          `json:"senderDomainsTotal"`
}

// AccountSummary 管理后台的账号列表项
type AccountSummary struct {
	Address          string       `json:"address"`
	State            AccountState `json:"state"`
	LastUsedAt       *time.Time   `json:"lastUsedAt,omitempty"`
	SessionExpiresAt *time.Time   `json:"sessionExpiresAt,omitempty"`
	CooldownUntil    *time.Time   `json:"cooldownUntil,omitempty"`
	LastSyncedAt     *time.Time   `json:"lastSyncedAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}
