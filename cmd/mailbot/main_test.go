package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestFlagOverrides(t *testing.T) {
	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)
	require.NoError(t, root.ParseFlags([]string{
		"--smtp", "smtp.example.com:587", "--smtp-tls", "STARTTLS",
		"--pop3", "pop.example.com", "--pop3-tls=false",
		"-u", "bot@example.com", "-p", "hunter2",
	}))

	cfg := config.NewDefaultConfig()
	require.NoError(t, applyFlagOverrides(root, &cfg))
	assert.Equal(t, "smtp.example.com:587", cfg.SMTP.Addr)
	assert.Equal(t, config.TLSModeStartTLS, cfg.SMTP.TLSMode)
	assert.Equal(t, "pop.example.com", cfg.POP3.Addr)
	assert.False(t, cfg.POP3.TLS)
	assert.Equal(t, 110, cfg.POP3.DefaultPort())
	assert.Equal(t, "bot@example.com", cfg.Account.Username)
	assert.Equal(t, "hunter2", cfg.Account.Password)
}

func TestFlagOverridesKeepConfig(t *testing.T) {
	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)
	require.NoError(t, root.ParseFlags(nil))

	cfg := config.NewDefaultConfig()
	cfg.SMTP.Addr = "from-file:465"
	require.NoError(t, applyFlagOverrides(root, &cfg))
	assert.Equal(t, "from-file:465", cfg.SMTP.Addr)
	assert.True(t, cfg.POP3.TLS)
}

func TestFlagOverridesRejectsTLSMode(t *testing.T) {
	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)
	require.NoError(t, root.ParseFlags([]string{"--smtp-tls", "ssl3"}))

	cfg := config.NewDefaultConfig()
	assert.Error(t, applyFlagOverrides(root, &cfg))
}

func TestJournalCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")

	j, err := db.Open(context.Background(), dbPath)
	require.NoError(t, err)
	msg, err := message.New("bot@example.com", "alice@example.com", "", "weekly report", "body", "")
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), db.OutboundEntry(msg, 1, nil)))
	require.NoError(t, j.Close())

	cfgPath := filepath.Join(dir, "mailbot.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[journal]\nenabled = true\npath = \""+dbPath+"\"\n"), 0o600))

	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "journal", "--direction", "outbound"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "weekly report")
	assert.Contains(t, out.String(), "alice@example.com")
	assert.Contains(t, out.String(), db.StatusSent)
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand(&app{errorHandler: errors.NewErrorHandler()})
	for _, name := range []string{"run", "send", "check", "journal", "credential"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"credential", "set"})
	require.NoError(t, err)
	assert.Equal(t, "set", cmd.Name())
}

func TestHashAPIKeyCommand(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "mailbot.toml")
	require.NoError(t, os.WriteFile(cfgPath, nil, 0o600))

	a := &app{errorHandler: errors.NewErrorHandler()}
	root := newRootCommand(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("s3cret\n"))
	root.SetArgs([]string{"--config", cfgPath, "credential", "hash-api-key"})
	require.NoError(t, root.Execute())

	hash := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(hash, "{BLF-CRYPT}"))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(hash, "{BLF-CRYPT}")), []byte("s3cret")))
}
