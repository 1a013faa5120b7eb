package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/migadu/mailbot/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	err := NewGracefulError("start bot", consts.ErrNotReachable)
	assert.ErrorIs(t, err, consts.ErrNotReachable)
	assert.Contains(t, err.Error(), "start bot")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		fire func(*ErrorHandler)
		want int
	}{
		{"startup gate", func(eh *ErrorHandler) {
			eh.FatalError("start", fmt.Errorf("check: %w", consts.ErrNotReachable))
		}, ExitStartup},
		{"generic", func(eh *ErrorHandler) { eh.FatalError("send", fmt.Errorf("boom")) }, ExitFailure},
		{"config", func(eh *ErrorHandler) { eh.ConfigError("missing.toml", os.ErrNotExist) }, ExitConfig},
		{"validation", func(eh *ErrorHandler) { eh.ValidationError("smtp", fmt.Errorf("bad")) }, ExitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eh := NewErrorHandler()
			tt.fire(eh)
			assert.Equal(t, tt.want, eh.WaitForExit())
		})
	}
}

func TestFirstErrorWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("a.toml", fmt.Errorf("bad"))
	eh.FatalError("later", fmt.Errorf("ignored"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitConfig, code)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewErrorHandler().Shutdown(ctx)
}

func TestExitError(t *testing.T) {
	eh := NewErrorHandler()
	eh.FatalError("start bot", consts.ErrNotReachable)

	err := eh.Exit()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitStartup, exitErr.Code)
	assert.Equal(t, "exit code 3", err.Error())
}
