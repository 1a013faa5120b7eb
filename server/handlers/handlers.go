// Package handlers provides the built-in actions a configured rule can run
// on a matched message.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/router"
)

// Sender queues or sends a new message on behalf of the bot account.
type Sender interface {
	Send(ctx context.Context, to, cc, subject, body, attachment string, blocking bool) error
}

// Resolver maps rule configuration to handlers. The archive is shared by
// every archive rule and created on first use.
type Resolver struct {
	sender  Sender
	archive config.ArchiveConfig

	once     sync.Once
	archiver *Archiver
}

func NewResolver(sender Sender, archive config.ArchiveConfig) *Resolver {
	return &Resolver{sender: sender, archive: archive}
}

// Resolve implements router.HandlerResolver.
func (r *Resolver) Resolve(cfg config.RuleConfig) (router.Handler, error) {
	switch cfg.GetHandler() {
	case config.HandlerLog:
		return Log, nil
	case config.HandlerArchive:
		r.once.Do(func() { r.archiver = NewArchiver(r.archive) })
		return r.archiver.Handler(), nil
	case config.HandlerReply:
		if r.sender == nil {
			return nil, fmt.Errorf("%s handler needs an outbound sender", cfg.Handler)
		}
		return Reply(r.sender, cfg.ReplyTo, cfg.ReplySubject, cfg.ReplyTemplate)
	case config.HandlerForward:
		if r.sender == nil {
			return nil, fmt.Errorf("%s handler needs an outbound sender", cfg.Handler)
		}
		return Forward(r.sender, cfg.ForwardTo), nil
	}
	return nil, fmt.Errorf("%w: %q", consts.ErrHandlerUnknown, cfg.Handler)
}

// Log writes the message summary and the match to the log.
func Log(ctx context.Context, msg *message.Message, match router.Match) {
	logger.InfoContext(ctx, "Handler: message matched",
		"rule", ruleName(ctx),
		"from", msg.Sender(),
		"subject", msg.Subject(),
		"match", map[string]string(match))
	logger.Debug("Handler: message summary", "rule", ruleName(ctx), "summary", msg.String())
}

func ruleName(ctx context.Context) string {
	name, _ := ctx.Value(consts.RuleNameKey).(string)
	return name
}
