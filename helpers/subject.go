package helpers

import (
	"strings"
)

// StripSubjectPrefixes removes leading reply and forward markers such as
// "Re:", "RE[2]:", "Fwd:" and "FW:" repeatedly, keeping the original case
// of what remains.
func StripSubjectPrefixes(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := stripOnePrefix(s)
		if next == s {
			return s
		}
		s = next
	}
}

// ReplySubject builds the subject of a reply: "Re: " followed by the subject
// without any existing reply or forward markers.
func ReplySubject(subject string) string {
	base := StripSubjectPrefixes(subject)
	if base == "" {
		return "Re:"
	}
	return "Re: " + base
}

// ForwardSubject builds the subject of a forwarded message.
func ForwardSubject(subject string) string {
	base := StripSubjectPrefixes(subject)
	if base == "" {
		return "Fwd:"
	}
	return "Fwd: " + base
}

func stripOnePrefix(s string) string {
	upper := strings.ToUpper(s)

	for _, prefix := range []string{"RE:", "FWD:", "FW:", "FORWARD:", "AW:", "WG:"} {
		if strings.HasPrefix(upper, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}

	// "Re[2]:" and "Re(3):"
	if strings.HasPrefix(upper, "RE[") || strings.HasPrefix(upper, "RE(") {
		closeChar := "]"
		if upper[2] == '(' {
			closeChar = ")"
		}
		if idx := strings.Index(upper[3:], closeChar); idx >= 0 {
			rest := s[3+idx+1:]
			if strings.HasPrefix(rest, ":") {
				return strings.TrimSpace(rest[1:])
			}
		}
	}

	return s
}
