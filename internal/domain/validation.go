package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrEmailTooLong  = errors.New("email address too long")
	ErrDomainTooLong = errors.New("domain too long (max 253 chars)")
	ErrInvalidDomain = errors.New("invalid domain format")
)

// RFC 5322 邮箱地址长度限制
const (
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
)

// 域名验证（支持子域名）
var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateAddress 验证收件/发件地址
//
// 接受 "Name <user@example.com>" 或纯地址形式，返回纯地址
func ValidateAddress(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", ErrInvalidEmail
	}

	if len(addr.Address) > MaxEmailLength {
		return "", ErrEmailTooLong
	}

	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at > MaxLocalPartLength {
		return "", ErrInvalidEmail
	}

	if err := ValidateDomain(addr.Address[at+1:]); err != nil {
		return "", err
	}

	return addr.Address, nil
}

// ValidateDomain 验证域名
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// FilterAddresses 去除空白、非法和重复的地址，保持原有顺序
func FilterAddresses(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		addr, err := ValidateAddress(v)
		if err != nil {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// EmailDomain 返回邮箱地址 '@' 之后的部分（小写），没有 '@' 时返回空串
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
