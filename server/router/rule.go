package router

import (
	"context"
	"fmt"
	"regexp"

	"github.com/migadu/mailbot/message"
)

// Keys under which the matched substrings of the three patterns are stored.
const (
	KeySender  = "sender"
	KeySubject = "subject"
	KeyContent = "content"
)

// Match carries values extracted while matching a rule.
type Match map[string]string

// Predicate is a custom rule condition over the whole message. The returned
// Match is merged into the result when the rule matches.
type Predicate func(ctx context.Context, msg *message.Message) (bool, Match, error)

// Handler processes a matched message. It runs in its own goroutine.
type Handler func(ctx context.Context, msg *message.Message, match Match)

// Rule pairs a condition with a handler. Nil patterns and a nil predicate
// match everything.
type Rule struct {
	Name      string
	Sender    *regexp.Regexp
	Subject   *regexp.Regexp
	Body      *regexp.Regexp
	Predicate Predicate
	Handler   Handler
}

// CompilePattern compiles a rule pattern. Matching is case-insensitive and
// ^/$ match at line boundaries. An empty pattern matches any string.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?im)" + pattern)
}

// NewRule compiles the three patterns into a rule.
func NewRule(name, sender, subject, body string, predicate Predicate, handler Handler) (Rule, error) {
	r := Rule{Name: name, Predicate: predicate, Handler: handler}
	var err error
	if r.Sender, err = CompilePattern(sender); err != nil {
		return Rule{}, fmt.Errorf("sender pattern: %w", err)
	}
	if r.Subject, err = CompilePattern(subject); err != nil {
		return Rule{}, fmt.Errorf("subject pattern: %w", err)
	}
	if r.Body, err = CompilePattern(body); err != nil {
		return Rule{}, fmt.Errorf("body pattern: %w", err)
	}
	return r, nil
}

func find(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return "", true
	}
	loc := re.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return s[loc[0]:loc[1]], true
}

// Evaluate checks every condition of the rule against msg. A panicking
// predicate is reported as an error.
func (r *Rule) Evaluate(ctx context.Context, msg *message.Message) (matched bool, match Match, err error) {
	defer func() {
		if p := recover(); p != nil {
			matched, match, err = false, nil, fmt.Errorf("predicate panic: %v", p)
		}
	}()

	sender, ok := find(r.Sender, msg.Sender())
	if !ok {
		return false, nil, nil
	}
	subject, ok := find(r.Subject, msg.Subject())
	if !ok {
		return false, nil, nil
	}
	content, ok := find(r.Body, msg.Body())
	if !ok {
		return false, nil, nil
	}

	match = Match{}
	if r.Predicate != nil {
		ok, extra, err := r.Predicate(ctx, msg)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
		for k, v := range extra {
			match[k] = v
		}
	}

	match[KeySender] = sender
	match[KeySubject] = subject
	match[KeyContent] = content
	return true, match, nil
}

// String describes the rule's conditions.
func (r *Rule) String() string {
	pattern := func(re *regexp.Regexp) string {
		if re == nil {
			return ""
		}
		return re.String()
	}
	custom := ""
	if r.Predicate != nil {
		custom = " +predicate"
	}
	return fmt.Sprintf("%s <%s> [%s] %s%s", r.Name, pattern(r.Sender), pattern(r.Subject), pattern(r.Body), custom)
}
