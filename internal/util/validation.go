package util

import (
	"regexp"
	"strings"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var otpCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

func IsValidOTPCode(s string) bool {
	return otpCodeRegex.MatchString(s)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func IsValidEmail(address string) bool {
	return emailRegex.MatchString(address)
}

// IsAllowedDomain reports whether the address belongs to one of the allowed
// domains or a subdomain of one. An empty allow list accepts any domain.
func IsAllowedDomain(address string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(address[at+1:])
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
