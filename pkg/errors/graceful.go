// Package errors reports fatal CLI conditions and turns them into exit codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
)

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitStartup = 3
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects the first fatal condition and its exit code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError reports a failed operation. Startup gate failures get their own
// exit code so supervisors can tell them from crashes.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	logger.Error("FATAL", "error", gracefulErr)

	code := ExitFailure
	if errors.Is(err, consts.ErrNotConfigured) || errors.Is(err, consts.ErrNotReachable) || errors.Is(err, consts.ErrAuthFailed) {
		code = ExitStartup
	}
	eh.signal(code)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// ExitError carries an exit code out of a command so that deferred cleanup
// runs before the process exits.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Exit waits for the reported condition and returns it as an ExitError.
func (eh *ErrorHandler) Exit() error {
	return &ExitError{Code: eh.WaitForExit()}
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
