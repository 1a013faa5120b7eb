package config

import (
	"fmt"
	"os"
	"regexp"
)

// Built-in rule handlers
const (
	HandlerLog     = "log"
	HandlerArchive = "archive"
	HandlerReply   = "reply"
	HandlerForward = "forward"
)

// RuleConfig describes one [[rule]] entry. Rules are evaluated in file order
// and the first match wins. All configured conditions must hold.
type RuleConfig struct {
	Name    string `toml:"name"`
	Sender  string `toml:"sender"`  // Regex over the From header
	Subject string `toml:"subject"` // Regex over the subject
	Body    string `toml:"body"`    // Regex over the decoded text body

	// Captures maps a result key to a regex over the body. Every regex must
	// match and its first capture group (or whole match) becomes the value.
	Captures map[string]string `toml:"captures"`

	Sieve     string `toml:"sieve"`      // Inline Sieve script
	SieveFile string `toml:"sieve_file"` // Sieve script on disk

	Handler       string `toml:"handler"`        // "log", "archive", "reply" or "forward"
	ReplyTo       string `toml:"reply_to"`       // Default: the message sender
	ReplySubject  string `toml:"reply_subject"`  // Template; default: "Re: <subject>"
	ReplyTemplate string `toml:"reply_template"` // text/template over .Message and .Match
	ForwardTo     string `toml:"forward_to"`
}

// DisplayName returns the rule name or a positional fallback.
func (r *RuleConfig) DisplayName(index int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("rule-%d", index+1)
}

// GetHandler returns the handler name, defaulting to "log".
func (r *RuleConfig) GetHandler() string {
	if r.Handler == "" {
		return HandlerLog
	}
	return r.Handler
}

// SieveScript returns the inline script or the content of SieveFile.
func (r *RuleConfig) SieveScript() (string, error) {
	if r.Sieve != "" {
		return r.Sieve, nil
	}
	if r.SieveFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(r.SieveFile)
	if err != nil {
		return "", fmt.Errorf("failed to read sieve_file: %w", err)
	}
	return string(data), nil
}

// Validate checks static properties of the rule. Pattern compilation errors
// are reported here so that a bad rule can be skipped at load time.
func (r *RuleConfig) Validate() error {
	switch r.GetHandler() {
	case HandlerLog, HandlerArchive:
	case HandlerReply:
		if r.ReplyTemplate == "" {
			return fmt.Errorf("handler %q requires reply_template", HandlerReply)
		}
	case HandlerForward:
		if r.ForwardTo == "" {
			return fmt.Errorf("handler %q requires forward_to", HandlerForward)
		}
	default:
		return fmt.Errorf("unknown handler %q", r.Handler)
	}

	if r.Sieve != "" && r.SieveFile != "" {
		return fmt.Errorf("sieve and sieve_file are mutually exclusive")
	}
	return nil
}

// CheckPatterns compiles every regex of the rule.
func (r *RuleConfig) CheckPatterns() error {
	for field, pattern := range map[string]string{"sender": r.Sender, "subject": r.Subject, "body": r.Body} {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	for key, pattern := range r.Captures {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("captures.%s: %w", key, err)
		}
	}
	return nil
}
