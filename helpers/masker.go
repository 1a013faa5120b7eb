package helpers

import "strings"

// MaskSecret redacts a credential for logging, keeping at most the first
// and last two characters of long values.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 6 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

// MaskEmail hides most of the local part of an address: "alice@x.com"
// becomes "a****@x.com".
func MaskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return MaskSecret(addr)
	}
	local := addr[:at]
	return local[:1] + strings.Repeat("*", len(local)-1) + addr[at:]
}
