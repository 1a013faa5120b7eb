package router

import (
	"context"
	"fmt"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
)

// HandlerResolver returns the handler for a configured rule.
type HandlerResolver func(cfg config.RuleConfig) (Handler, error)

// All combines predicates. It matches when every predicate matches and
// merges their results in order.
func All(predicates ...Predicate) Predicate {
	var active []Predicate
	for _, p := range predicates {
		if p != nil {
			active = append(active, p)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}

	return func(ctx context.Context, msg *message.Message) (bool, Match, error) {
		merged := Match{}
		for _, p := range active {
			ok, match, err := p(ctx, msg)
			if err != nil || !ok {
				return false, nil, err
			}
			for k, v := range match {
				merged[k] = v
			}
		}
		return true, merged, nil
	}
}

// FromConfig builds one rule from configuration. recipient is the account
// address used as the Sieve envelope recipient.
func FromConfig(cfg config.RuleConfig, index int, recipient string, resolve HandlerResolver) (Rule, error) {
	name := cfg.DisplayName(index)
	if err := cfg.Validate(); err != nil {
		return Rule{}, err
	}

	var captures, sieve Predicate
	if len(cfg.Captures) > 0 {
		p, err := CapturesPredicate(cfg.Captures)
		if err != nil {
			return Rule{}, err
		}
		captures = p
	}

	script, err := cfg.SieveScript()
	if err != nil {
		return Rule{}, err
	}
	if script != "" {
		p, err := SievePredicate(script, recipient)
		if err != nil {
			return Rule{}, err
		}
		sieve = p
	}

	handler, err := resolve(cfg)
	if err != nil {
		return Rule{}, fmt.Errorf("handler: %w", err)
	}

	return NewRule(name, cfg.Sender, cfg.Subject, cfg.Body, All(captures, sieve), handler)
}

// LoadRules builds rules from configuration in order. A rule that fails to
// build is logged and left out.
func LoadRules(cfgs []config.RuleConfig, recipient string, resolve HandlerResolver) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for i, cfg := range cfgs {
		rule, err := FromConfig(cfg, i, recipient, resolve)
		if err != nil {
			logger.Error("Router: skipping invalid rule", "rule", cfg.DisplayName(i), "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}
