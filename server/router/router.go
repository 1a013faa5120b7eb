// Package router dispatches inbound messages to the first matching rule.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
)

// Router holds an ordered rule list. Rules are tried in registration order
// and only the first match's handler runs. Handlers run concurrently with
// each other and with the caller.
type Router struct {
	mu    sync.RWMutex
	rules []Rule

	handlers sync.WaitGroup
}

// New creates a router without rules.
func New() *Router {
	return &Router{}
}

// Register appends rule to the list. Rules must be registered before
// routing starts.
func (r *Router) Register(rule Rule) error {
	if rule.Handler == nil {
		return fmt.Errorf("%w: rule %q has no handler", consts.ErrRuleInvalid, rule.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.Name == "" {
		rule.Name = fmt.Sprintf("rule-%d", len(r.rules)+1)
	}
	r.rules = append(r.rules, rule)
	logger.Debug("Router: rule registered", "rule", rule.String())
	return nil
}

// Rules returns the registered rules in order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Len returns the number of registered rules.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Route finds the first rule matching msg and starts its handler. It
// returns the rule name and whether any rule matched. A rule whose
// evaluation fails is logged and skipped.
func (r *Router) Route(ctx context.Context, msg *message.Message) (string, bool) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for i := range rules {
		rule := &rules[i]
		matched, match, err := rule.Evaluate(ctx, msg)
		if err != nil {
			logger.Error("Router: rule evaluation failed", "rule", rule.Name, "subject", msg.Subject(), "error", err)
			metrics.RoutingPredicateErrors.WithLabelValues(rule.Name).Inc()
			continue
		}
		if !matched {
			continue
		}

		logger.Info("Router: rule matched", "rule", rule.Name, "subject", msg.Subject(), "from", msg.Sender())
		metrics.RoutingMatches.WithLabelValues(rule.Name).Inc()
		r.dispatch(ctx, rule, msg, match)
		return rule.Name, true
	}

	logger.Debug("Router: no rule matched", "subject", msg.Subject(), "from", msg.Sender())
	metrics.RoutingUnmatched.Inc()
	return "", false
}

func (r *Router) dispatch(ctx context.Context, rule *Rule, msg *message.Message, match Match) {
	name := rule.Name
	handler := rule.Handler
	handlerCtx := context.WithValue(ctx, consts.RuleNameKey, name)

	r.handlers.Add(1)
	go func() {
		defer r.handlers.Done()
		start := time.Now()
		defer func() {
			metrics.HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if p := recover(); p != nil {
				logger.Error("Router: handler panicked", "rule", name, "subject", msg.Subject(), "panic", p)
				metrics.HandlerPanics.WithLabelValues(name).Inc()
			}
		}()
		handler(handlerCtx, msg, match)
	}()
}

// Wait blocks until every dispatched handler has returned or timeout
// elapses. It reports whether all handlers finished.
func (r *Router) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
