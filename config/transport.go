package config

import (
	"fmt"
	"time"

	"github.com/migadu/mailbot/helpers"
)

// SMTP TLS modes
const (
	TLSModeNone     = "none"
	TLSModeTLS      = "tls"
	TLSModeStartTLS = "starttls"
)

// SMTPConfig defines the outgoing mail server. An empty Addr disables sending.
type SMTPConfig struct {
	Addr      string `toml:"addr"`       // "host:port"; a bare host uses the default port of TLSMode
	TLSMode   string `toml:"tls_mode"`   // "none", "tls" (implicit, default) or "starttls"
	TLSVerify bool   `toml:"tls_verify"` // Verify server certificates (default: true)
	Timeout   string `toml:"timeout"`    // Per-command timeout (default: 30s)
	HeloName  string `toml:"helo_name"`  // Name sent in EHLO (default: "localhost")
}

// IsConfigured returns true if sending is enabled
func (s *SMTPConfig) IsConfigured() bool {
	return s.Addr != ""
}

// GetTLSMode returns the TLS mode, defaulting to implicit TLS.
func (s *SMTPConfig) GetTLSMode() string {
	if s.TLSMode == "" {
		return TLSModeTLS
	}
	return s.TLSMode
}

// DefaultPort returns the conventional port for the TLS mode.
func (s *SMTPConfig) DefaultPort() int {
	switch s.GetTLSMode() {
	case TLSModeNone:
		return 25
	case TLSModeStartTLS:
		return 587
	default:
		return 465
	}
}

// GetAddr returns Addr with the default port applied.
func (s *SMTPConfig) GetAddr() (string, error) {
	host, port, err := helpers.ParseServerAddr(s.Addr, s.DefaultPort())
	if err != nil {
		return "", err
	}
	return helpers.JoinServerAddr(host, port), nil
}

// GetTimeout parses the command timeout duration
func (s *SMTPConfig) GetTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.Timeout)
}

// GetHeloName returns the EHLO name.
func (s *SMTPConfig) GetHeloName() string {
	if s.HeloName == "" {
		return "localhost"
	}
	return s.HeloName
}

// Validate checks the SMTP settings.
func (s *SMTPConfig) Validate() error {
	switch s.GetTLSMode() {
	case TLSModeNone, TLSModeTLS, TLSModeStartTLS:
	default:
		return fmt.Errorf("unknown tls_mode %q (expected none, tls or starttls)", s.TLSMode)
	}
	if _, err := s.GetAddr(); err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	if _, err := s.GetTimeout(); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	return nil
}

// POP3Config defines the incoming mail server. An empty Addr disables polling.
type POP3Config struct {
	Addr      string `toml:"addr"`
	TLS       bool   `toml:"tls"`        // Implicit TLS (default: true)
	TLSVerify bool   `toml:"tls_verify"` // Verify server certificates (default: true)
	Timeout   string `toml:"timeout"`    // Dial timeout (default: 30s)
}

// IsConfigured returns true if polling is enabled
func (p *POP3Config) IsConfigured() bool {
	return p.Addr != ""
}

// DefaultPort returns 995 with TLS and 110 without.
func (p *POP3Config) DefaultPort() int {
	if p.TLS {
		return 995
	}
	return 110
}

// GetHostPort returns the server host and port with the default port applied.
func (p *POP3Config) GetHostPort() (string, int, error) {
	return helpers.ParseServerAddr(p.Addr, p.DefaultPort())
}

// GetTimeout parses the dial timeout duration
func (p *POP3Config) GetTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.Timeout)
}

// Validate checks the POP3 settings.
func (p *POP3Config) Validate() error {
	if _, _, err := p.GetHostPort(); err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	if _, err := p.GetTimeout(); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	return nil
}
