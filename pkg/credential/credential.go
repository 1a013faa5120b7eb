// Package credential resolves the account password from config, the
// environment or the system keyring.
package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/logger"
)

const serviceName = "mailbot"

// ErrNoPassword is returned when no source yields a password.
var ErrNoPassword = errors.New("no password configured")

// openKeyring is replaced in tests.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailbot/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailbot-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns the account password. Sources are tried in order:
// account.password, the variable named by account.password_env (after
// loading account.env_file), then the keyring when account.use_keyring is set.
func Resolve(cfg config.AccountConfig) (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}

	if cfg.PasswordEnv != "" {
		if cfg.EnvFile != "" {
			if err := godotenv.Load(cfg.EnvFile); err != nil {
				logger.Warn("Credential: failed to load env file", "path", cfg.EnvFile, "error", err)
			}
		}
		if v := os.Getenv(cfg.PasswordEnv); v != "" {
			return v, nil
		}
	}

	if cfg.UseKeyring {
		if cfg.Username == "" {
			return "", fmt.Errorf("keyring lookup requires account.username")
		}
		return Get(cfg.Username)
	}

	if cfg.Username == "" {
		// Anonymous use, e.g. an unauthenticated local relay.
		return "", nil
	}
	return "", ErrNoPassword
}

// Get retrieves the password stored for username.
func Get(username string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(username)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", username, err)
	}
	return string(item.Data), nil
}

// Set stores the password for username.
func Set(username, password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         username,
		Data:        []byte(password),
		Label:       "mailbot " + username,
		Description: "mailbot account password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", username, err)
	}
	return nil
}

// Delete removes the password stored for username.
func Delete(username string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(username); err != nil {
		return fmt.Errorf("deleting credential %q: %w", username, err)
	}
	return nil
}
