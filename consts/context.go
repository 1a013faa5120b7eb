package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RuleNameKey carries the name of the rule whose handler is running.
	RuleNameKey = ContextKey("rule_name")

	// PollIDKey tags log lines and journal entries produced by one inbound poll cycle.
	PollIDKey = ContextKey("poll_id")
)
