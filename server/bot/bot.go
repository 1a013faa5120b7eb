// Package bot wires the delivery queue, the mailbox syncer and the rule
// router around one account and controls their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/retry"
	"github.com/migadu/mailbot/protocol"
	"github.com/migadu/mailbot/server/handlers"
	"github.com/migadu/mailbot/server/inbound"
	"github.com/migadu/mailbot/server/outbound"
	"github.com/migadu/mailbot/server/router"
)

// DefaultHandlerTimeout bounds how long Stop waits for running handlers.
const DefaultHandlerTimeout = 30 * time.Second

// Journal records delivery and routing results.
type Journal interface {
	Record(ctx context.Context, e db.Entry) error
}

// Options tunes a Bot. Zero values take the engine defaults.
type Options struct {
	Outbound       outbound.Options
	Inbound        inbound.Options
	Startup        retry.BackoffConfig
	HandlerTimeout time.Duration
	Journal        Journal
}

// Status is a point-in-time view of the bot.
type Status struct {
	Account    string `json:"account"`
	CanSend    bool   `json:"can_send"`
	CanReceive bool   `json:"can_receive"`
	Running    bool   `json:"running"`
	Outbound   bool   `json:"outbound_running"`
	Inbound    bool   `json:"inbound_running"`
	QueueDepth int    `json:"queue_depth"`
	Rules      int    `json:"rules"`
}

type Bot struct {
	account        string
	client         protocol.Client
	outbound       *outbound.Worker
	inbound        *inbound.Syncer
	router         *router.Router
	journal        Journal
	startup        retry.BackoffConfig
	handlerTimeout time.Duration

	mu      sync.Mutex
	checked bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a bot sending as account through client.
func New(account string, client protocol.Client, opts Options) *Bot {
	b := &Bot{
		account:        account,
		client:         client,
		router:         router.New(),
		journal:        opts.Journal,
		startup:        opts.Startup,
		handlerTimeout: opts.HandlerTimeout,
	}
	if b.handlerTimeout <= 0 {
		b.handlerTimeout = DefaultHandlerTimeout
	}

	outOpts := opts.Outbound
	outOpts.OnAttempt = chainAttempt(b.recordAttempt, opts.Outbound.OnAttempt)
	b.outbound = outbound.NewWorker(client, outOpts)

	inOpts := opts.Inbound
	inOpts.OnSurfaced = chainSurfaced(b.recordSurfaced, opts.Inbound.OnSurfaced)
	b.inbound = inbound.NewSyncer(client, b.router, inOpts)

	return b
}

// NewFromConfig creates a bot from cfg and loads its [[rule]] entries. With
// no rules configured every new message is logged.
func NewFromConfig(cfg *config.Config, client protocol.Client, journal Journal) (*Bot, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Journal = journal

	b := New(cfg.Account.Username, client, opts)

	resolver := handlers.NewResolver(b, cfg.Archive)
	rules := router.LoadRules(cfg.Rules, cfg.Account.Username, resolver.Resolve)
	if len(cfg.Rules) == 0 {
		rule, _ := router.NewRule("default-log", "", "", "", nil, handlers.Log)
		rules = append(rules, rule)
	}
	for _, rule := range rules {
		if err := b.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// OptionsFromConfig converts the interval and startup sections of cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	var opts Options
	var err error

	if opts.Outbound.IdleInterval, err = cfg.Outbound.GetIdleInterval(); err != nil {
		return opts, fmt.Errorf("outbound idle_interval: %w", err)
	}
	if opts.Outbound.RetryInterval, err = cfg.Outbound.GetRetryInterval(); err != nil {
		return opts, fmt.Errorf("outbound retry_interval: %w", err)
	}
	opts.Outbound.RateLimit = cfg.Outbound.RateLimit
	opts.Outbound.RateBurst = cfg.Outbound.GetRateBurst()

	if opts.Inbound.IdleInterval, err = cfg.Inbound.GetIdleInterval(); err != nil {
		return opts, fmt.Errorf("inbound idle_interval: %w", err)
	}
	if opts.Inbound.PollInterval, err = cfg.Inbound.GetPollInterval(); err != nil {
		return opts, fmt.Errorf("inbound poll_interval: %w", err)
	}

	opts.Startup = retry.BackoffConfig{
		Multiplier: 2.0,
		Jitter:     true,
		MaxRetries: cfg.Startup.GetCheckAttempts() - 1,
	}
	if opts.Startup.InitialInterval, err = cfg.Startup.GetCheckInitialInterval(); err != nil {
		return opts, fmt.Errorf("startup check_initial_interval: %w", err)
	}
	if opts.Startup.MaxInterval, err = cfg.Startup.GetCheckMaxInterval(); err != nil {
		return opts, fmt.Errorf("startup check_max_interval: %w", err)
	}
	return opts, nil
}

// AddRule appends a rule. Rules must be added before Start.
func (b *Bot) AddRule(rule router.Rule) error {
	if err := b.router.Register(rule); err != nil {
		return err
	}
	logger.Debug("Bot: rule added", "rule", rule.String())
	return nil
}

// Rules returns the registered rules in evaluation order.
func (b *Bot) Rules() []router.Rule {
	return b.router.Rules()
}

// Send composes a message from the account address. A blocking send makes
// one attempt and returns its result; otherwise the message is queued and
// Send returns nil.
func (b *Bot) Send(ctx context.Context, to, cc, subject, body, attachment string, blocking bool) error {
	if !b.client.CanSend() {
		return consts.ErrSMTPNotConfigured
	}

	msg, err := message.New(b.account, to, cc, subject, body, attachment)
	if err != nil {
		return err
	}

	if blocking {
		return b.outbound.SendNow(ctx, msg)
	}
	b.outbound.Enqueue(msg)
	return nil
}

// Queue returns the pending outbound entries.
func (b *Bot) Queue() []outbound.QueuedMessage {
	return b.outbound.Queue().Entries()
}

// Check verifies every configured server, retrying per the startup policy.
// Authentication failures are not retried.
func (b *Bot) Check(ctx context.Context) error {
	if !b.client.CanSend() && !b.client.CanReceive() {
		return consts.ErrNotConfigured
	}

	err := retry.WithRetry(ctx, func() error {
		err := b.client.CheckReachable(ctx)
		if err != nil {
			logger.Warn("Bot: server check failed", "error", err)
			if errors.Is(err, consts.ErrAuthFailed) {
				return retry.Stop(err)
			}
		}
		return err
	}, b.startup)
	if err != nil {
		if errors.Is(err, consts.ErrAuthFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", consts.ErrNotReachable, err)
	}

	b.mu.Lock()
	b.checked = true
	b.mu.Unlock()

	if b.client.CanSend() {
		logger.Info("Bot: smtp server is ready, account authenticated")
	}
	if b.client.CanReceive() {
		logger.Info("Bot: pop3 server is ready, account authenticated")
	}
	return nil
}

// Start runs the server check unless it already passed, then starts the
// worker of every configured direction. Without background it blocks until
// ctx is cancelled and stops the bot before returning.
func (b *Bot) Start(ctx context.Context, background bool) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return consts.ErrAlreadyRunning
	}
	checked := b.checked
	b.mu.Unlock()

	if !checked {
		if err := b.Check(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return consts.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	done := b.done
	b.mu.Unlock()

	if b.client.CanSend() {
		logger.Info("Bot: starting outbound worker")
		_ = b.outbound.Start(runCtx)
	}
	if b.client.CanReceive() {
		logger.Info("Bot: starting inbound syncer", "rules", b.router.Len())
		_ = b.inbound.Start(runCtx)
	}

	if background {
		return nil
	}

	select {
	case <-ctx.Done():
		b.Stop()
	case <-done:
	}
	return nil
}

// Stop stops both workers and waits for running handlers up to the handler
// timeout. Queued messages that were not sent are lost.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	b.inbound.Stop()
	b.outbound.Stop()
	cancel()

	if !b.router.Wait(b.handlerTimeout) {
		logger.Warn("Bot: handlers still running after timeout", "timeout", b.handlerTimeout)
	}
	close(done)
	logger.Info("Bot: stopped")
}

// Status reports configuration and worker state.
func (b *Bot) Status() Status {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	return Status{
		Account:    b.account,
		CanSend:    b.client.CanSend(),
		CanReceive: b.client.CanReceive(),
		Running:    running,
		Outbound:   b.outbound.Running(),
		Inbound:    b.inbound.Running(),
		QueueDepth: b.outbound.Queue().Len(),
		Rules:      b.router.Len(),
	}
}

func (b *Bot) recordAttempt(ctx context.Context, entry outbound.QueuedMessage, mode string, err error) {
	if b.journal == nil {
		return
	}
	attempts := entry.Attempts
	if attempts == 0 {
		attempts = 1
	}
	if jerr := b.journal.Record(context.WithoutCancel(ctx), db.OutboundEntry(entry.Message, attempts, err)); jerr != nil {
		logger.Warn("Bot: failed to journal send attempt", "mode", mode, "error", jerr)
	}
}

func (b *Bot) recordSurfaced(ctx context.Context, msg *message.Message, rule string, matched bool) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Record(context.WithoutCancel(ctx), db.InboundEntry(msg, rule, matched)); err != nil {
		logger.Warn("Bot: failed to journal received message", "error", err)
	}
}

func chainAttempt(fns ...outbound.AttemptFunc) outbound.AttemptFunc {
	return func(ctx context.Context, entry outbound.QueuedMessage, mode string, err error) {
		for _, fn := range fns {
			if fn != nil {
				fn(ctx, entry, mode, err)
			}
		}
	}
}

func chainSurfaced(fns ...inbound.SurfacedFunc) inbound.SurfacedFunc {
	return func(ctx context.Context, msg *message.Message, rule string, matched bool) {
		for _, fn := range fns {
			if fn != nil {
				fn(ctx, msg, rule, matched)
			}
		}
	}
}
