package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data []byte
}

type testBackend struct {
	mu       sync.Mutex
	messages []received
	rcptErr  error
	password string // non-empty enables AUTH PLAIN
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &testSession{backend: b}
	if b.password != "" {
		return &authSession{testSession: s}, nil
	}
	return s, nil
}

func (b *testBackend) received() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	from    string
	to      []string
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.rcptErr != nil {
		return s.backend.rcptErr
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, received{from: s.from, to: s.to, data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error { return nil }

type authSession struct {
	*testSession
}

func (s *authSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *authSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Invalid credentials"}
		}
		return nil
	}), nil
}

func startSMTPServer(t *testing.T, be *testBackend) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func newTestSMTPClient(t *testing.T, addr, password string) *SMTPClient {
	t.Helper()
	c, err := NewSMTPClient(config.SMTPConfig{
		Addr:    addr,
		TLSMode: config.TLSModeNone,
		Timeout: "5s",
	}, "bot@example.com", password)
	require.NoError(t, err)
	return c
}

func TestSMTPSendMessage(t *testing.T) {
	be := &testBackend{}
	addr := startSMTPServer(t, be)
	c := newTestSMTPClient(t, addr, "secret")

	msg, err := message.New("Bot <bot@example.com>", "alice@example.com", "carol@example.com", "Hello", "Hi Alice\n", "")
	require.NoError(t, err)

	require.NoError(t, c.SendMessage(context.Background(), msg))

	got := be.received()
	require.Len(t, got, 1)
	assert.Equal(t, "bot@example.com", got[0].from)
	assert.Equal(t, []string{"alice@example.com", "carol@example.com"}, got[0].to)

	parsed, err := message.Parse(got[0].data)
	require.NoError(t, err)
	assert.Equal(t, "Hello", parsed.Subject())
	assert.Equal(t, "Hi Alice\n", parsed.Body())
}

func TestSMTPRecipientRejected(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		permanent bool
	}{
		{"mailbox unavailable", 550, true},
		{"try again later", 451, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := &testBackend{rcptErr: &smtp.SMTPError{Code: tt.code, Message: tt.name}}
			addr := startSMTPServer(t, be)
			c := newTestSMTPClient(t, addr, "")

			msg, err := message.New("bot@example.com", "nobody@example.com", "", "x", "y", "")
			require.NoError(t, err)

			err = c.SendMessage(context.Background(), msg)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanentError(err))

			var relayErr *RelayError
			require.True(t, errors.As(err, &relayErr))
			assert.Contains(t, err.Error(), "nobody@example.com")
			assert.Empty(t, be.received())
		})
	}
}

func TestSMTPAuthentication(t *testing.T) {
	be := &testBackend{password: "secret"}
	addr := startSMTPServer(t, be)

	require.NoError(t, newTestSMTPClient(t, addr, "secret").CheckReachable(context.Background()))

	err := newTestSMTPClient(t, addr, "wrong").CheckReachable(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrAuthFailed)
}

func TestSMTPUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestSMTPClient(t, addr, "")
	assert.Error(t, c.CheckReachable(context.Background()))

	msg, err := message.New("bot@example.com", "alice@example.com", "", "x", "y", "")
	require.NoError(t, err)
	err = c.SendMessage(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPNoRecipients(t *testing.T) {
	c := newTestSMTPClient(t, "127.0.0.1:1", "")
	msg, err := message.New("bot@example.com", "", "", "x", "y", "")
	require.NoError(t, err)

	err = c.SendMessage(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

func TestNewSMTPClientDefaults(t *testing.T) {
	_, err := NewSMTPClient(config.SMTPConfig{}, "u", "p")
	assert.ErrorIs(t, err, consts.ErrSMTPNotConfigured)

	c, err := NewSMTPClient(config.SMTPConfig{Addr: "smtp.example.com", TLSMode: config.TLSModeStartTLS}, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", c.Addr())
	assert.Equal(t, "smtp.example.com", c.tlsConfig.ServerName)
	assert.True(t, c.tlsConfig.InsecureSkipVerify)

	c, err = NewSMTPClient(config.SMTPConfig{Addr: "smtp.example.com", TLSVerify: true}, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:465", c.Addr())
	assert.False(t, c.tlsConfig.InsecureSkipVerify)
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection reset")))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
	assert.True(t, strings.HasPrefix((&RelayError{Err: errors.New("x")}).Error(), "temporary failure"))
}
