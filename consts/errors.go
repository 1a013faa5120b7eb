package consts

import "errors"

var (
	ErrNotConfigured     = errors.New("neither smtp nor pop3 is configured")
	ErrNotReachable      = errors.New("server not reachable")
	ErrSMTPNotConfigured = errors.New("smtp not configured")
	ErrPOP3NotConfigured = errors.New("pop3 not configured")
	ErrAlreadyRunning    = errors.New("already running")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrAuthFailed        = errors.New("authentication failed")

	ErrJournalDisabled = errors.New("journal disabled")
	ErrRuleInvalid     = errors.New("invalid rule")
	ErrHandlerUnknown  = errors.New("unknown handler")
)
