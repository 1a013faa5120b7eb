package protocol

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/inbound"
)

// POP3Client reads the mailbox over POP3. Every operation opens a new
// session.
type POP3Client struct {
	host     string
	port     int
	opt      pop3.Opt
	username string
	password string
}

// NewPOP3Client creates a client for cfg authenticating as username.
func NewPOP3Client(cfg config.POP3Config, username, password string) (*POP3Client, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrPOP3NotConfigured
	}
	host, port, err := cfg.GetHostPort()
	if err != nil {
		return nil, fmt.Errorf("invalid pop3 addr: %w", err)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid pop3 timeout: %w", err)
	}

	return &POP3Client{
		host: host,
		port: port,
		opt: pop3.Opt{
			Host:          host,
			Port:          port,
			DialTimeout:   timeout,
			TLSEnabled:    cfg.TLS,
			TLSSkipVerify: !cfg.TLSVerify,
		},
		username: username,
		password: password,
	}, nil
}

// Addr returns the server address.
func (c *POP3Client) Addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// session opens an authenticated connection and runs fn on it.
func (c *POP3Client) session(ctx context.Context, fn func(*pop3.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := pop3.New(c.opt).NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to POP3 server %s: %w", c.Addr(), err)
	}

	if err := conn.Auth(c.username, c.password); err != nil {
		conn.Quit()
		return fmt.Errorf("%w: %v", consts.ErrAuthFailed, err)
	}

	if fn != nil {
		if err := fn(conn); err != nil {
			conn.Quit()
			return err
		}
	}

	if err := conn.Quit(); err != nil {
		logger.Debug("POP3: QUIT failed", "addr", c.Addr(), "error", err)
	}
	return nil
}

// ListIdentifiers returns the UIDL listing in ascending index order.
func (c *POP3Client) ListIdentifiers(ctx context.Context) (inbound.Snapshot, error) {
	var snapshot inbound.Snapshot
	err := c.session(ctx, func(conn *pop3.Conn) error {
		ids, err := conn.Uidl(0)
		if err != nil {
			return fmt.Errorf("UIDL failed: %w", err)
		}
		snapshot = make(inbound.Snapshot, 0, len(ids))
		for _, id := range ids {
			snapshot = append(snapshot, inbound.Identifier{Index: id.ID, Hash: id.UID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Index < snapshot[j].Index })
	return snapshot, nil
}

// FetchMessage retrieves and decodes the message at index.
func (c *POP3Client) FetchMessage(ctx context.Context, index int) (*message.Message, error) {
	var raw []byte
	start := time.Now()
	err := c.session(ctx, func(conn *pop3.Conn) error {
		buf, err := conn.RetrRaw(index)
		if err != nil {
			return fmt.Errorf("RETR %d failed: %w", index, err)
		}
		raw = buf.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("POP3: retrieved message", "index", index, "size", len(raw), "duration", time.Since(start))

	return message.Parse(raw)
}

// Stat returns the number of messages in the mailbox.
func (c *POP3Client) Stat(ctx context.Context) (int, error) {
	var count int
	err := c.session(ctx, func(conn *pop3.Conn) error {
		n, _, err := conn.Stat()
		if err != nil {
			return fmt.Errorf("STAT failed: %w", err)
		}
		count = n
		return nil
	})
	return count, err
}

// CheckReachable connects, authenticates and disconnects.
func (c *POP3Client) CheckReachable(ctx context.Context) error {
	return c.session(ctx, nil)
}
