package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/mailbot/message"
)

// CapturesPredicate matches when every regex finds the body. The value of
// each key is the regex's first capture group, or the whole match when it
// has no groups.
func CapturesPredicate(captures map[string]string) (Predicate, error) {
	type capture struct {
		key     string
		pattern *regexp.Regexp
	}

	keys := make([]string, 0, len(captures))
	for k := range captures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	compiled := make([]capture, 0, len(keys))
	for _, k := range keys {
		re, err := CompilePattern(captures[k])
		if err != nil {
			return nil, fmt.Errorf("capture %q: %w", k, err)
		}
		compiled = append(compiled, capture{key: k, pattern: re})
	}

	return func(ctx context.Context, msg *message.Message) (bool, Match, error) {
		match := Match{}
		body := msg.Body()
		for _, c := range compiled {
			groups := c.pattern.FindStringSubmatch(body)
			if groups == nil {
				return false, nil, nil
			}
			if len(groups) > 1 {
				match[c.key] = strings.TrimRight(groups[1], "\r")
			} else {
				match[c.key] = groups[0]
			}
		}
		return true, match, nil
	}, nil
}

// Sieve result keys.
const (
	KeySieveAction = "sieve_action"
	KeyMailbox     = "mailbox"
	KeyRedirect    = "redirect"
)

// SieveExtensions are the extensions a rule script may require. Core
// commands (redirect, keep, discard, stop) need no entry.
var SieveExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",
	"imap4flags",
	"variables",
	"relational",
	"copy",
	"regex",
}

// SievePredicate runs a Sieve script against each message. It matches when
// the script files the message into a mailbox or redirects it. recipient
// is used as the envelope recipient.
func SievePredicate(script, recipient string) (Predicate, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = SieveExtensions
	loaded, err := sieve.Load(strings.NewReader(script), options)
	if err != nil {
		return nil, fmt.Errorf("failed to load sieve script: %w", err)
	}

	return func(ctx context.Context, msg *message.Message) (bool, Match, error) {
		envelope := &sieveEnvelope{from: msg.SenderAddress(), to: recipient}
		data := sieve.NewRuntimeData(loaded, sievePolicy{}, envelope, sieveMessage{msg: msg})
		if err := loaded.Execute(ctx, data); err != nil {
			return false, nil, fmt.Errorf("sieve execution failed: %w", err)
		}

		switch {
		case len(data.Mailboxes) > 0:
			return true, Match{KeySieveAction: "fileinto", KeyMailbox: data.Mailboxes[0]}, nil
		case len(data.RedirectAddr) > 0:
			return true, Match{KeySieveAction: "redirect", KeyRedirect: data.RedirectAddr[0]}, nil
		default:
			return false, nil, nil
		}
	}, nil
}

// sievePolicy allows redirects and never sends vacation responses.
type sievePolicy struct{}

func (sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	msg *message.Message
}

func (m sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.msg.HeaderValues(key), nil
}

func (m sieveMessage) MessageSize() int {
	return m.msg.Size()
}
