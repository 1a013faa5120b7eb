package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/retry"
	"github.com/migadu/mailbot/server/inbound"
	"github.com/migadu/mailbot/server/outbound"
	"github.com/migadu/mailbot/server/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	canSend    bool
	canReceive bool

	mu       sync.Mutex
	checkErr error
	checks   int
	sendErr  error
	sent     []*message.Message
	mailbox  []*message.Message
	lists    int
}

func (f *fakeClient) CanSend() bool    { return f.canSend }
func (f *fakeClient) CanReceive() bool { return f.canReceive }

func (f *fakeClient) CheckReachable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.checkErr
}

func (f *fakeClient) SendMessage(ctx context.Context, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeClient) ListIdentifiers(ctx context.Context) (inbound.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	snap := make(inbound.Snapshot, len(f.mailbox))
	for i, m := range f.mailbox {
		snap[i] = inbound.Identifier{Index: i + 1, Hash: m.MessageID()}
	}
	return snap, nil
}

func (f *fakeClient) FetchMessage(ctx context.Context, index int) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 1 || index > len(f.mailbox) {
		return nil, fmt.Errorf("no message %d", index)
	}
	return f.mailbox[index-1], nil
}

func (f *fakeClient) deliver(t *testing.T, from, subject, body string) {
	t.Helper()
	msg, err := message.New(from, "bot@example.com", "", subject, body, "")
	require.NoError(t, err)
	f.mu.Lock()
	f.mailbox = append(f.mailbox, msg)
	f.mu.Unlock()
}

func (f *fakeClient) sentSubjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Subject()
	}
	return out
}

func (f *fakeClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeClient) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

type memJournal struct {
	mu      sync.Mutex
	entries []db.Entry
}

func (j *memJournal) Record(ctx context.Context, e db.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) snapshot() []db.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]db.Entry(nil), j.entries...)
}

func fastOptions() Options {
	return Options{
		Outbound: outbound.Options{IdleInterval: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond},
		Inbound:  inbound.Options{IdleInterval: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		Startup:  retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}
}

func TestSendBlocking(t *testing.T) {
	client := &fakeClient{canSend: true}
	journal := &memJournal{}
	opts := fastOptions()
	opts.Journal = journal
	b := New("bot@example.com", client, opts)

	require.NoError(t, b.Send(context.Background(), "alice@example.com", "", "hello", "body", "", true))
	assert.Equal(t, []string{"hello"}, client.sentSubjects())
	assert.Equal(t, 0, b.Status().QueueDepth)

	client.sendErr = errors.New("421 try later")
	err := b.Send(context.Background(), "alice@example.com", "", "again", "body", "", true)
	assert.Error(t, err)

	entries := journal.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, db.StatusSent, entries[0].Status)
	assert.Equal(t, db.StatusFailed, entries[1].Status)
	assert.Equal(t, 1, entries[1].Attempts)
}

func TestSendQueuedWithoutWorker(t *testing.T) {
	client := &fakeClient{canSend: true}
	b := New("bot@example.com", client, fastOptions())

	require.NoError(t, b.Send(context.Background(), "alice@example.com", "bob@example.com", "queued", "body", "", false))
	assert.Empty(t, client.sentSubjects())

	queue := b.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, "queued", queue[0].Message.Subject())
	assert.Equal(t, "bot@example.com", queue[0].Message.Sender())
}

func TestSendWithoutSMTP(t *testing.T) {
	b := New("bot@example.com", &fakeClient{canReceive: true}, fastOptions())
	err := b.Send(context.Background(), "alice@example.com", "", "s", "b", "", false)
	assert.ErrorIs(t, err, consts.ErrSMTPNotConfigured)
}

func TestCheck(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		b := New("bot@example.com", &fakeClient{}, fastOptions())
		assert.ErrorIs(t, b.Check(context.Background()), consts.ErrNotConfigured)
		assert.ErrorIs(t, b.Start(context.Background(), true), consts.ErrNotConfigured)
	})

	t.Run("unreachable retries", func(t *testing.T) {
		client := &fakeClient{canSend: true, checkErr: errors.New("connection refused")}
		opts := fastOptions()
		opts.Startup.MaxRetries = 2
		b := New("bot@example.com", client, opts)

		err := b.Check(context.Background())
		assert.ErrorIs(t, err, consts.ErrNotReachable)
		assert.Equal(t, 3, client.checkCount())
		assert.False(t, b.Status().Running)
	})

	t.Run("auth failure stops early", func(t *testing.T) {
		client := &fakeClient{canReceive: true, checkErr: fmt.Errorf("pop3: %w", consts.ErrAuthFailed)}
		opts := fastOptions()
		opts.Startup.MaxRetries = 5
		b := New("bot@example.com", client, opts)

		err := b.Check(context.Background())
		assert.ErrorIs(t, err, consts.ErrAuthFailed)
		assert.Equal(t, 1, client.checkCount())
	})

	t.Run("checked once", func(t *testing.T) {
		client := &fakeClient{canSend: true}
		b := New("bot@example.com", client, fastOptions())
		require.NoError(t, b.Check(context.Background()))
		require.NoError(t, b.Start(context.Background(), true))
		defer b.Stop()
		assert.Equal(t, 1, client.checkCount())
	})
}

func TestEndToEnd(t *testing.T) {
	client := &fakeClient{canSend: true, canReceive: true}
	client.deliver(t, "old@example.com", "already there", "ignore me")

	journal := &memJournal{}
	opts := fastOptions()
	opts.Journal = journal
	b := New("bot@example.com", client, opts)

	var mu sync.Mutex
	var got []router.Match
	rule, err := router.NewRule("orders", "alice", "", `order=(\d+)`, nil, func(ctx context.Context, msg *message.Message, match router.Match) {
		mu.Lock()
		got = append(got, match)
		mu.Unlock()
		_ = b.Send(ctx, msg.SenderAddress(), "", "Re: "+msg.Subject(), "ack", "", false)
	})
	require.NoError(t, err)
	require.NoError(t, b.AddRule(rule))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx, true))
	assert.ErrorIs(t, b.Start(ctx, true), consts.ErrAlreadyRunning)

	// The first listing only primes the snapshot.
	require.Eventually(t, func() bool { return client.listCount() >= 1 }, time.Second, time.Millisecond)

	client.deliver(t, "alice@example.com", "new order", "order=42")
	client.deliver(t, "mallory@example.com", "spam", "order=13")

	assert.Eventually(t, func() bool {
		subjects := client.sentSubjects()
		return len(subjects) == 1 && subjects[0] == "Re: new order"
	}, 2*time.Second, 5*time.Millisecond)

	b.Stop()
	assert.False(t, b.Status().Running)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "order=42", got[0][router.KeyContent])
	assert.Equal(t, "alice", got[0][router.KeySender])
	mu.Unlock()

	var routed, unmatched, sent int
	for _, e := range journal.snapshot() {
		switch e.Status {
		case db.StatusRouted:
			routed++
			assert.Equal(t, "orders", e.Rule)
		case db.StatusUnmatched:
			unmatched++
		case db.StatusSent:
			sent++
		}
	}
	assert.Equal(t, 1, routed)
	assert.Equal(t, 1, unmatched)
	assert.Equal(t, 1, sent)
}

func TestStartForeground(t *testing.T) {
	client := &fakeClient{canSend: true}
	b := New("bot@example.com", client, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, false) }()

	assert.Eventually(t, func() bool { return b.Status().Outbound }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.False(t, b.Status().Running)
}

func TestStopReleasesForeground(t *testing.T) {
	b := New("bot@example.com", &fakeClient{canReceive: true}, fastOptions())

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background(), false) }()
	assert.Eventually(t, func() bool { return b.Status().Running }, time.Second, time.Millisecond)

	b.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Account.Username = "bot@example.com"
	client := &fakeClient{canSend: true, canReceive: true}

	b, err := NewFromConfig(&cfg, client, nil)
	require.NoError(t, err)
	rules := b.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "default-log", rules[0].Name)

	cfg.Rules = []config.RuleConfig{
		{Name: "ids", Body: `id=(\d+)`},
		{Name: "broken", Subject: "("},
		{Name: "replies", Handler: config.HandlerReply, ReplyTemplate: "got {{.Message.Subject}}"},
	}
	b, err = NewFromConfig(&cfg, client, nil)
	require.NoError(t, err)
	rules = b.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "ids", rules[0].Name)
	assert.Equal(t, "replies", rules[1].Name)

	cfg.Outbound.IdleInterval = "soon"
	_, err = NewFromConfig(&cfg, client, nil)
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Startup.CheckAttempts = 4
	cfg.Outbound.RateLimit = 2

	opts, err := OptionsFromConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, opts.Outbound.IdleInterval)
	assert.Equal(t, time.Minute, opts.Outbound.RetryInterval)
	assert.Equal(t, 2.0, opts.Outbound.RateLimit)
	assert.Equal(t, 1, opts.Outbound.RateBurst)
	assert.Equal(t, 10*time.Second, opts.Inbound.IdleInterval)
	assert.Equal(t, time.Minute, opts.Inbound.PollInterval)
	assert.Equal(t, 3, opts.Startup.MaxRetries)
	assert.Equal(t, 2*time.Second, opts.Startup.InitialInterval)
}
