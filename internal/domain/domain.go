package domain

import (
	"strings"
	"time"
)

// Domain 表示邮件服务商侧注册的收件域名。
type Domain struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RemoteID  string    `json:"-" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name      string    `json:"domain" gorm:"column:domain;type:varchar(255);uniqueIndex;not null"`
	IsActive  bool      `json:"isActive" gorm:"default:true;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeDomainName 统一域名大小写与首尾空白
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
