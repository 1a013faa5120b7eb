package handlers

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/emersion/go-mbox"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/helpers"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/router"
	"lukechampine.com/blake3"
)

// Archive formats
const (
	FormatMbox    = "mbox"
	FormatMaildir = "maildir"
)

// Archiver stores raw messages in an mbox file or a Maildir++ tree. Writes
// are serialized and a message already archived by this process is skipped.
type Archiver struct {
	format string
	path   string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewArchiver(cfg config.ArchiveConfig) *Archiver {
	format := cfg.Format
	if format == "" {
		format = FormatMbox
	}
	return &Archiver{
		format: format,
		path:   cfg.Path,
		seen:   make(map[string]struct{}),
	}
}

// Archive stores msg. For Maildir, mailbox selects the folder ("" is the
// root). It reports false when the message was a duplicate.
func (a *Archiver) Archive(msg *message.Message, mailbox string) (bool, error) {
	raw := msg.Bytes()
	sum := blake3.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[digest]; ok {
		return false, nil
	}

	var err error
	switch a.format {
	case FormatMaildir:
		err = a.deliverMaildir(raw, mailbox)
	case FormatMbox:
		err = a.appendMbox(msg, raw)
	default:
		err = fmt.Errorf("unknown archive format %q", a.format)
	}
	if err != nil {
		return false, err
	}

	a.seen[digest] = struct{}{}
	return true, nil
}

func (a *Archiver) appendMbox(msg *message.Message, raw []byte) error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open mbox: %w", err)
	}
	defer f.Close()

	from := msg.SenderAddress()
	if from == "" {
		from = "MAILER-DAEMON"
	}
	date := msg.Date()
	if date.IsZero() {
		date = time.Now()
	}

	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("failed to start mbox message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("failed to write mbox message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish mbox message: %w", err)
	}
	return f.Sync()
}

func (a *Archiver) deliverMaildir(raw []byte, mailbox string) error {
	path := helpers.MaildirFolder(a.path, mailbox)
	dir := maildir.Dir(path)

	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return err
		}
		if err := dir.Init(); err != nil {
			return fmt.Errorf("failed to initialize maildir: %w", err)
		}
	}

	delivery, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return fmt.Errorf("failed to start maildir delivery: %w", err)
	}
	if _, err := delivery.Write(raw); err != nil {
		_ = delivery.Abort()
		return fmt.Errorf("failed to write maildir message: %w", err)
	}
	return delivery.Close()
}

// Handler archives matched messages. A Sieve fileinto target chooses the
// Maildir folder.
func (a *Archiver) Handler() router.Handler {
	return func(ctx context.Context, msg *message.Message, match router.Match) {
		stored, err := a.Archive(msg, match[router.KeyMailbox])
		switch {
		case err != nil:
			logger.Error("Handler: archive failed", "rule", ruleName(ctx), "path", a.path, "error", err)
		case !stored:
			logger.Debug("Handler: message already archived", "rule", ruleName(ctx), "message_id", msg.MessageID())
		default:
			logger.Info("Handler: message archived", "rule", ruleName(ctx), "format", a.format, "message_id", msg.MessageID())
		}
	}
}
