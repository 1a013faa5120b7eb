// Package protocol implements the mail transports used by the bot: SMTP
// for sending and POP3 for listing and fetching.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/inbound"
	"github.com/migadu/mailbot/server/outbound"
)

// Checker verifies that a server accepts the account's credentials.
type Checker interface {
	CheckReachable(ctx context.Context) error
}

// SendChecker is a sending transport.
type SendChecker interface {
	outbound.Sender
	Checker
}

// ReceiveChecker is a receiving transport.
type ReceiveChecker interface {
	inbound.Receiver
	Checker
}

// Client is the full set of operations the bot needs from its servers.
type Client interface {
	SendChecker
	inbound.Receiver
	CanSend() bool
	CanReceive() bool
}

// Pair combines an optional sender and an optional receiver.
type Pair struct {
	sender   SendChecker
	receiver ReceiveChecker
}

var _ Client = (*Pair)(nil)

// NewPair creates a Pair. Either side may be nil.
func NewPair(sender SendChecker, receiver ReceiveChecker) *Pair {
	return &Pair{sender: sender, receiver: receiver}
}

// NewFromConfig builds the transports configured in cfg.
func NewFromConfig(cfg *config.Config, password string) (*Pair, error) {
	p := &Pair{}
	username := cfg.Account.Username

	if cfg.SMTP.IsConfigured() {
		c, err := NewSMTPClient(cfg.SMTP, username, password)
		if err != nil {
			return nil, err
		}
		p.sender = c
	}
	if cfg.POP3.IsConfigured() {
		c, err := NewPOP3Client(cfg.POP3, username, password)
		if err != nil {
			return nil, err
		}
		p.receiver = c
	}

	if p.sender == nil && p.receiver == nil {
		return nil, consts.ErrNotConfigured
	}
	return p, nil
}

// CanSend reports whether a sender is configured.
func (p *Pair) CanSend() bool { return p.sender != nil }

// CanReceive reports whether a receiver is configured.
func (p *Pair) CanReceive() bool { return p.receiver != nil }

func (p *Pair) SendMessage(ctx context.Context, msg *message.Message) error {
	if p.sender == nil {
		return consts.ErrSMTPNotConfigured
	}
	return p.sender.SendMessage(ctx, msg)
}

func (p *Pair) ListIdentifiers(ctx context.Context) (inbound.Snapshot, error) {
	if p.receiver == nil {
		return nil, consts.ErrPOP3NotConfigured
	}
	return p.receiver.ListIdentifiers(ctx)
}

func (p *Pair) FetchMessage(ctx context.Context, index int) (*message.Message, error) {
	if p.receiver == nil {
		return nil, consts.ErrPOP3NotConfigured
	}
	return p.receiver.FetchMessage(ctx, index)
}

// CheckReachable checks every configured side. It fails if any of them fails.
func (p *Pair) CheckReachable(ctx context.Context) error {
	if p.sender == nil && p.receiver == nil {
		return consts.ErrNotConfigured
	}

	var errs []error
	if p.sender != nil {
		if err := p.sender.CheckReachable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("smtp: %w", err))
		}
	}
	if p.receiver != nil {
		if err := p.receiver.CheckReachable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pop3: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Checks returns the reachability check of each configured side keyed by
// protocol name.
func (p *Pair) Checks() map[string]Checker {
	checks := make(map[string]Checker, 2)
	if p.sender != nil {
		checks["smtp"] = p.sender
	}
	if p.receiver != nil {
		checks["pop3"] = p.receiver
	}
	return checks
}

type counter interface {
	Stat(ctx context.Context) (int, error)
}

// MessageCount returns the number of messages waiting in the POP3 mailbox.
func (p *Pair) MessageCount(ctx context.Context) (int, error) {
	c, ok := p.receiver.(counter)
	if !ok {
		return 0, consts.ErrPOP3NotConfigured
	}
	return c.Stat(ctx)
}
