package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailbot/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// AccountConfig identifies the mailbox the bot acts for. The username is
// also the envelope sender of every outbound message.
type AccountConfig struct {
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	PasswordEnv string `toml:"password_env"` // Environment variable holding the password
	EnvFile     string `toml:"env_file"`     // Optional dotenv file loaded before PasswordEnv is read
	UseKeyring  bool   `toml:"use_keyring"`  // Fall back to the system keyring
}

// OutboundConfig controls the delivery queue worker.
type OutboundConfig struct {
	IdleInterval  string  `toml:"idle_interval"`  // Wait when the queue is empty (default: 10s)
	RetryInterval string  `toml:"retry_interval"` // Wait after a failed send (default: 1m)
	RateLimit     float64 `toml:"rate_limit"`     // Messages per second, 0 disables limiting
	RateBurst     int     `toml:"rate_burst"`
}

// GetIdleInterval parses the idle interval duration
func (o *OutboundConfig) GetIdleInterval() (time.Duration, error) {
	if o.IdleInterval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(o.IdleInterval)
}

// GetRetryInterval parses the retry interval duration
func (o *OutboundConfig) GetRetryInterval() (time.Duration, error) {
	if o.RetryInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(o.RetryInterval)
}

// GetRateBurst returns the limiter burst, at least 1.
func (o *OutboundConfig) GetRateBurst() int {
	if o.RateBurst <= 0 {
		return 1
	}
	return o.RateBurst
}

// InboundConfig controls the mailbox polling worker.
type InboundConfig struct {
	IdleInterval string `toml:"idle_interval"` // Wait after the first poll or a failed poll (default: 10s)
	PollInterval string `toml:"poll_interval"` // Wait after a successful diff (default: 1m)
}

// GetIdleInterval parses the idle interval duration
func (i *InboundConfig) GetIdleInterval() (time.Duration, error) {
	if i.IdleInterval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(i.IdleInterval)
}

// GetPollInterval parses the poll interval duration
func (i *InboundConfig) GetPollInterval() (time.Duration, error) {
	if i.PollInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(i.PollInterval)
}

// StartupConfig controls the reachability gate run before workers start.
type StartupConfig struct {
	CheckAttempts        int    `toml:"check_attempts"` // Total attempts (default: 1)
	CheckInitialInterval string `toml:"check_initial_interval"`
	CheckMaxInterval     string `toml:"check_max_interval"`
}

// GetCheckAttempts returns the number of reachability attempts, at least 1.
func (s *StartupConfig) GetCheckAttempts() int {
	if s.CheckAttempts <= 0 {
		return 1
	}
	return s.CheckAttempts
}

// GetCheckInitialInterval parses the first wait between reachability attempts
func (s *StartupConfig) GetCheckInitialInterval() (time.Duration, error) {
	if s.CheckInitialInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(s.CheckInitialInterval)
}

// GetCheckMaxInterval parses the longest wait between reachability attempts
func (s *StartupConfig) GetCheckMaxInterval() (time.Duration, error) {
	if s.CheckMaxInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.CheckMaxInterval)
}

// JournalConfig enables the SQLite journal of sent and received messages.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ArchiveConfig is used by the "archive" rule handler.
type ArchiveConfig struct {
	Format string `toml:"format"` // "mbox" or "maildir"
	Path   string `toml:"path"`
}

// HTTPAPIConfig holds the management API configuration.
type HTTPAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	// Peers allowed to set X-Forwarded-For / X-Real-IP
	TrustedProxies []string `toml:"trusted_proxies"`
}

// HealthConfig controls the periodic reachability checks reported by /health.
type HealthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Timeout  string `toml:"timeout"`
}

// GetInterval parses the time between health checks
func (h *HealthConfig) GetInterval() (time.Duration, error) {
	if h.Interval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(h.Interval)
}

// GetTimeout parses the per-check timeout
func (h *HealthConfig) GetTimeout() (time.Duration, error) {
	if h.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.Timeout)
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the bot.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Account  AccountConfig  `toml:"account"`
	SMTP     SMTPConfig     `toml:"smtp"`
	POP3     POP3Config     `toml:"pop3"`
	Outbound OutboundConfig `toml:"outbound"`
	Inbound  InboundConfig  `toml:"inbound"`
	Startup  StartupConfig  `toml:"startup"`
	Journal  JournalConfig  `toml:"journal"`
	Archive  ArchiveConfig  `toml:"archive"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Health   HealthConfig   `toml:"health"`
	Rules    []RuleConfig   `toml:"rule"`
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		SMTP: SMTPConfig{
			TLSMode:   TLSModeTLS,
			TLSVerify: true,
			Timeout:   "30s",
		},
		POP3: POP3Config{
			TLS:       true,
			TLSVerify: true,
			Timeout:   "30s",
		},
		Outbound: OutboundConfig{
			IdleInterval:  "10s",
			RetryInterval: "1m",
		},
		Inbound: InboundConfig{
			IdleInterval: "10s",
			PollInterval: "1m",
		},
		Startup: StartupConfig{
			CheckAttempts: 1,
		},
		Journal: JournalConfig{
			Path: "mailbot.db",
		},
		Archive: ArchiveConfig{
			Format: "mbox",
			Path:   "archive.mbox",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:8025",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9125",
			Path: "/metrics",
		},
		Health: HealthConfig{
			Interval: "5m",
			Timeout:  "30s",
		},
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	if !c.SMTP.IsConfigured() && !c.POP3.IsConfigured() {
		return fmt.Errorf("at least one of [smtp].addr or [pop3].addr must be set")
	}

	if c.SMTP.IsConfigured() {
		if err := c.SMTP.Validate(); err != nil {
			return fmt.Errorf("[smtp]: %w", err)
		}
	}
	if c.POP3.IsConfigured() {
		if err := c.POP3.Validate(); err != nil {
			return fmt.Errorf("[pop3]: %w", err)
		}
	}

	if _, err := c.Outbound.GetIdleInterval(); err != nil {
		return fmt.Errorf("[outbound].idle_interval: %w", err)
	}
	if _, err := c.Outbound.GetRetryInterval(); err != nil {
		return fmt.Errorf("[outbound].retry_interval: %w", err)
	}
	if c.Outbound.RateLimit < 0 {
		return fmt.Errorf("[outbound].rate_limit must not be negative")
	}
	if _, err := c.Inbound.GetIdleInterval(); err != nil {
		return fmt.Errorf("[inbound].idle_interval: %w", err)
	}
	if _, err := c.Inbound.GetPollInterval(); err != nil {
		return fmt.Errorf("[inbound].poll_interval: %w", err)
	}
	if _, err := c.Startup.GetCheckInitialInterval(); err != nil {
		return fmt.Errorf("[startup].check_initial_interval: %w", err)
	}
	if _, err := c.Startup.GetCheckMaxInterval(); err != nil {
		return fmt.Errorf("[startup].check_max_interval: %w", err)
	}

	if _, err := c.Health.GetInterval(); err != nil {
		return fmt.Errorf("[health].interval: %w", err)
	}
	if _, err := c.Health.GetTimeout(); err != nil {
		return fmt.Errorf("[health].timeout: %w", err)
	}

	switch c.Archive.Format {
	case "", "mbox", "maildir":
	default:
		return fmt.Errorf("[archive].format must be \"mbox\" or \"maildir\", got %q", c.Archive.Format)
	}

	if c.HTTPAPI.Enabled && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("[http_api].api_key is required when the HTTP API is enabled")
	}

	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("[[rule]] #%d (%s): %w", i+1, c.Rules[i].DisplayName(i), err)
		}
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file into cfg. Unknown keys are reported
// but not fatal; duplicate keys keep their first occurrence.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}

		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out repeated keys within a table.
// Every [[array]] element starts a fresh key scope.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	out := make([]string, 0, len(lines))
	section := ""

	for n, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		case strings.Contains(trimmed, "="):
			key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
			if section != "" {
				key = section + "." + key
			}
			if first, dup := seen[key]; dup {
				log.Printf("WARNING: Duplicate key '%s' at line %d (first at line %d) ignored", key, n+1, first+1)
				out = append(out, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seen[key] = n
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice in the same table", err)
	case strings.Contains(msg, "expected value but found \"f\""),
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: TOML booleans are exactly 'true' or 'false' (lowercase, unquoted)", err)
	case strings.Contains(msg, "expected") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, balanced brackets and [section] / [[rule]] headers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields.
// Map values are left alone since rule capture patterns may be whitespace sensitive.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
