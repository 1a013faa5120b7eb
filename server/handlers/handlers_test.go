package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, to, cc, subject, body, attachment string, blocking bool) error {
	args := m.Called(ctx, to, cc, subject, body, attachment, blocking)
	return args.Error(0)
}

func newTestMessage(t *testing.T, subject, body string) *message.Message {
	t.Helper()
	msg, err := message.New("alice@example.com", "bot@example.com", "", subject, body, "")
	require.NoError(t, err)
	return msg
}

func ruleCtx(name string) context.Context {
	return context.WithValue(context.Background(), consts.RuleNameKey, name)
}

func TestReplyDefaults(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "alice@example.com", "", "Re: Order 42", "Thanks, order 42 received.", "", false).Return(nil).Once()

	h, err := Reply(sender, "", "", "Thanks, order {{.Match.id}} received.")
	require.NoError(t, err)

	h(ruleCtx("orders"), newTestMessage(t, "RE: Order 42", "id=42"), router.Match{"id": "42"})
	sender.AssertExpectations(t)
}

func TestReplyTemplates(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "ops@example.com", "", "[bot] Status", "From alice@example.com: ping", "", false).Return(nil).Once()

	h, err := Reply(sender, "ops@example.com", "[bot] {{.Message.Subject}}", "From {{.Message.Sender}}: {{.Message.Body}}")
	require.NoError(t, err)

	h(ruleCtx("status"), newTestMessage(t, "Status", "ping"), router.Match{})
	sender.AssertExpectations(t)
}

func TestReplySendFailureIsLogged(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, false).Return(errors.New("smtp not configured")).Once()

	h, err := Reply(sender, "", "", "ok")
	require.NoError(t, err)
	h(ruleCtx("r"), newTestMessage(t, "s", "b"), router.Match{})
	sender.AssertExpectations(t)
}

func TestReplyInvalidTemplate(t *testing.T) {
	_, err := Reply(&mockSender{}, "", "", "{{.Broken")
	assert.Error(t, err)

	_, err = Reply(&mockSender{}, "", "{{end}}", "ok")
	assert.Error(t, err)
}

func TestForward(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "archive@example.com", "", "Fwd: Invoice", mock.MatchedBy(func(body string) bool {
		return strings.Contains(body, "Forwarded message") && strings.Contains(body, "pay me")
	}), "", false).Return(nil).Once()

	Forward(sender, "archive@example.com")(ruleCtx("fwd"), newTestMessage(t, "Invoice", "pay me"), router.Match{})
	sender.AssertExpectations(t)
}

func TestResolver(t *testing.T) {
	sender := &mockSender{}
	r := NewResolver(sender, config.ArchiveConfig{Format: FormatMbox, Path: t.TempDir() + "/a.mbox"})

	for _, cfg := range []config.RuleConfig{
		{},
		{Handler: config.HandlerLog},
		{Handler: config.HandlerArchive},
		{Handler: config.HandlerReply, ReplyTemplate: "hi"},
		{Handler: config.HandlerForward, ForwardTo: "x@example.com"},
	} {
		h, err := r.Resolve(cfg)
		require.NoError(t, err, cfg.Handler)
		assert.NotNil(t, h)
	}

	_, err := r.Resolve(config.RuleConfig{Handler: "exec"})
	assert.ErrorIs(t, err, consts.ErrHandlerUnknown)

	_, err = r.Resolve(config.RuleConfig{Handler: config.HandlerReply, ReplyTemplate: "{{"})
	assert.Error(t, err)

	noSend := NewResolver(nil, config.ArchiveConfig{})
	_, err = noSend.Resolve(config.RuleConfig{Handler: config.HandlerForward, ForwardTo: "x@example.com"})
	assert.Error(t, err)
}

func TestLogHandler(t *testing.T) {
	Log(ruleCtx("log"), newTestMessage(t, "s", "b"), router.Match{"content": "b"})
}
