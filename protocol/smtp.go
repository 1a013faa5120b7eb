package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) will fail again on retry; the outbound
// engine still retries them, the flag only feeds logs and metrics.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

func classify(err error, format string) error {
	permanent := IsPermanentError(err)
	kind := "temporary"
	if permanent {
		kind = "permanent"
	}
	metrics.SMTPErrors.WithLabelValues(kind).Inc()
	return &RelayError{Err: fmt.Errorf(format+": %w", err), Permanent: permanent}
}

// SMTPClient sends messages through an SMTP submission server. Every send
// opens a new connection.
type SMTPClient struct {
	addr      string
	tlsMode   string
	tlsConfig *tls.Config
	timeout   time.Duration
	heloName  string
	username  string
	password  string
}

// NewSMTPClient creates a client for cfg authenticating as username.
func NewSMTPClient(cfg config.SMTPConfig, username, password string) (*SMTPClient, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrSMTPNotConfigured
	}
	addr, err := cfg.GetAddr()
	if err != nil {
		return nil, fmt.Errorf("invalid smtp addr: %w", err)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid smtp timeout: %w", err)
	}
	host, _, _ := net.SplitHostPort(addr)

	return &SMTPClient{
		addr:    addr,
		tlsMode: cfg.GetTLSMode(),
		tlsConfig: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			Renegotiation:      tls.RenegotiateNever,
			InsecureSkipVerify: !cfg.TLSVerify,
		},
		timeout:  timeout,
		heloName: cfg.GetHeloName(),
		username: username,
		password: password,
	}, nil
}

// Addr returns the server address.
func (c *SMTPClient) Addr() string {
	return c.addr
}

// connect dials the server, greets it and authenticates when the server
// offers AUTH.
func (c *SMTPClient) connect(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", c.addr, err)
	}

	var client *smtp.Client
	switch c.tlsMode {
	case config.TLSModeNone:
		client = smtp.NewClient(conn)
	case config.TLSModeStartTLS:
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS with %s: %w", c.addr, err)
		}
	default:
		client = smtp.NewClient(tls.Client(conn, c.tlsConfig))
	}
	client.CommandTimeout = c.timeout
	client.SubmissionTimeout = c.timeout

	if err := client.Hello(c.heloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("EHLO failed: %w", err)
	}

	if ok, _ := client.Extension("AUTH"); ok && c.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", c.username, c.password)); err != nil {
			client.Close()
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && smtpErr.Code == 535 {
				return nil, fmt.Errorf("%w: %v", consts.ErrAuthFailed, err)
			}
			return nil, fmt.Errorf("AUTH failed: %w", err)
		}
	}
	return client, nil
}

// SendMessage delivers msg to every To and Cc address. The envelope sender
// is the message's From address.
func (c *SMTPClient) SendMessage(ctx context.Context, msg *message.Message) error {
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return &RelayError{Err: errors.New("message has no recipients"), Permanent: true}
	}

	client, err := c.connect(ctx)
	if err != nil {
		if errors.Is(err, consts.ErrAuthFailed) {
			metrics.SMTPErrors.WithLabelValues("permanent").Inc()
			return &RelayError{Err: err, Permanent: true}
		}
		return classify(err, "connect")
	}
	defer client.Close()

	from := msg.SenderAddress()
	if err := client.Mail(from, nil); err != nil {
		return classify(err, "failed to set sender")
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return classify(err, fmt.Sprintf("failed to set recipient %s", rcpt))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return classify(err, "failed to start data")
	}
	if _, err := wc.Write(msg.Bytes()); err != nil {
		_ = wc.Close()
		return classify(err, "failed to write message")
	}
	if err := wc.Close(); err != nil {
		return classify(err, "failed to close data writer")
	}

	if err := client.Quit(); err != nil {
		// The message was already accepted.
		logger.Warn("SMTP: failed to send QUIT", "addr", c.addr, "error", err)
	}

	logger.Debug("SMTP: message accepted", "addr", c.addr, "from", from, "recipients", len(recipients))
	return nil
}

// CheckReachable connects, authenticates and disconnects.
func (c *SMTPClient) CheckReachable(ctx context.Context) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.Quit(); err != nil {
		client.Close()
		logger.Debug("SMTP: QUIT after check failed", "addr", c.addr, "error", err)
	}
	return nil
}
