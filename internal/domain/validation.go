package domain

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("local part contains invalid characters")
	ErrLocalPartDot     = errors.New("local part cannot start or end with a dot")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
)

// 正则表达式
var (
	// 本地部分只允许 ASCII 字母、数字、点、连字符和下划线
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// AddressValidator 邮箱地址验证器
type AddressValidator struct {
	validate *validator.Validate
}

// NewAddressValidator 创建邮箱地址验证器
func NewAddressValidator() *AddressValidator {
	return &AddressValidator{validate: validator.New()}
}

// Normalize 规范化并验证用户输入的地址
//
// 本地部分先做 NFKD 分解并去掉组合符号（ç→c、á→a），之后必须满足字符白名单。
// 返回小写的 local@domain。
func (v *AddressValidator) Normalize(address string) (string, error) {
	address = strings.TrimSpace(address)
	local, domainPart, ok := strings.Cut(address, "@")
	if !ok || local == "" || domainPart == "" || strings.Contains(domainPart, "@") {
		return "", ErrInvalidEmail
	}

	local, err := FoldLocalPart(local)
	if err != nil {
		return "", ErrInvalidLocalPart
	}
	if err := v.ValidateLocalPart(local); err != nil {
		return "", err
	}

	domainPart = NormalizeDomainName(domainPart)
	if err := v.ValidateDomain(domainPart); err != nil {
		return "", err
	}

	normalized := strings.ToLower(local) + "@" + domainPart
	if len(normalized) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	if err := v.validate.Var(normalized, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}

// FoldLocalPart 去除变音符号
func FoldLocalPart(local string) (string, error) {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(t, local)
	return folded, err
}

// ValidateLocalPart 验证邮箱本地部分
func (v *AddressValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.HasPrefix(localPart, ".") || strings.HasSuffix(localPart, ".") {
		return ErrLocalPartDot
	}
	return nil
}

// ValidateDomain 验证域名
func (v *AddressValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}

	// 长度检查
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}

	// 格式检查
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}

	// 检查每个标签的长度（不超过63字符）
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}

// SplitAddress 拆分为本地部分与域名
func SplitAddress(address string) (local, domain string) {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return address, ""
	}
	return address[:i], address[i+1:]
}
