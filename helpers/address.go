package helpers

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
)

// SplitEmailAddress returns the local part and the domain of an address.
// An address without '@' yields an empty domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// AddressList extracts bare addresses from a header-style address list
// ("Alice <a@x.com>, b@y.com"). Entries that do not parse as RFC 5322
// addresses are kept verbatim so that loosely formatted input still
// reaches the server, which is the authority on what it accepts.
func AddressList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil {
			out = append(out, a.Address)
		} else {
			out = append(out, part)
		}
	}
	return out
}

// ParseServerAddr splits "host:port" into its parts. A bare host, or a port
// that is not a number, gets defaultPort.
func ParseServerAddr(addr string, defaultPort int) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, fmt.Errorf("empty server address")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present
		return strings.Trim(addr, "[]"), defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("server address %q has no host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, defaultPort, nil
	}
	return host, port, nil
}

// JoinServerAddr is the inverse of ParseServerAddr.
func JoinServerAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
