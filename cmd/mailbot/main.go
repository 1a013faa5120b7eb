package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/pkg/errors"
	"github.com/spf13/cobra"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "mailbot.toml"

// app carries what every subcommand needs after the root pre-run.
type app struct {
	configPath   string
	cfg          config.Config
	errorHandler *errors.ErrorHandler
	logFile      *os.File
}

func main() {
	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)

	err := root.Execute()
	if a.logFile != nil {
		a.logFile.Close()
	}
	if exitErr, ok := err.(*errors.ExitError); ok {
		os.Exit(exitErr.Code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailbot",
		Short:         "Send, receive and route email for one mailbox",
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	flags.String("smtp", "", "SMTP server address host[:port] (overrides config)")
	flags.String("smtp-tls", "", "SMTP TLS mode: none, tls or starttls (overrides config)")
	flags.String("pop3", "", "POP3 server address host[:port] (overrides config)")
	flags.Bool("pop3-tls", true, "Use implicit TLS for POP3 (overrides config)")
	flags.StringP("username", "u", "", "Mailbox username (overrides config)")
	flags.StringP("password", "p", "", "Mailbox password (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newRunCommand(a),
		newSendCommand(a),
		newCheckCommand(a),
		newJournalCommand(a),
		newCredentialCommand(a),
	)
	return root
}

// load reads the configuration file, applies flag overrides, validates the
// result and initializes logging. A missing default config file is not an
// error so that the bot can run from flags alone.
func (a *app) load(cmd *cobra.Command) error {
	a.cfg = config.NewDefaultConfig()

	if err := config.LoadConfigFromFile(a.configPath, &a.cfg); err != nil {
		if !os.IsNotExist(err) || cmd.Flags().Changed("config") {
			a.errorHandler.ConfigError(a.configPath, err)
			os.Exit(a.errorHandler.WaitForExit())
		}
	}

	if err := applyFlagOverrides(cmd, &a.cfg); err != nil {
		a.errorHandler.ValidationError("flags", err)
		os.Exit(a.errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(a.cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILBOT: Warning initializing logger: %v\n", err)
	}
	a.logFile = logFile
	return nil
}

// validate checks the loaded configuration for commands that talk to servers.
func (a *app) validate() {
	if err := a.cfg.Validate(); err != nil {
		a.errorHandler.ValidationError("configuration", err)
		os.Exit(a.errorHandler.WaitForExit())
	}
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("smtp") {
		cfg.SMTP.Addr, _ = flags.GetString("smtp")
	}
	if flags.Changed("smtp-tls") {
		mode, _ := flags.GetString("smtp-tls")
		cfg.SMTP.TLSMode = strings.ToLower(mode)
	}
	if flags.Changed("pop3") {
		cfg.POP3.Addr, _ = flags.GetString("pop3")
	}
	if flags.Changed("pop3-tls") {
		cfg.POP3.TLS, _ = flags.GetBool("pop3-tls")
	}
	if flags.Changed("username") {
		cfg.Account.Username, _ = flags.GetString("username")
	}
	if flags.Changed("password") {
		cfg.Account.Password, _ = flags.GetString("password")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}

	switch cfg.SMTP.GetTLSMode() {
	case config.TLSModeNone, config.TLSModeTLS, config.TLSModeStartTLS:
	default:
		return fmt.Errorf("--smtp-tls must be none, tls or starttls, got %q", cfg.SMTP.TLSMode)
	}
	return nil
}
