package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailbot/pkg/metrics"
)

func TestRegisterCheckDefaults(t *testing.T) {
	hm := NewHealthMonitor()
	check := &HealthCheck{Name: "smtp", Check: func(ctx context.Context) error { return nil }}
	hm.RegisterCheck(check)

	assert.Equal(t, 5*time.Minute, check.Interval)
	assert.Equal(t, 30*time.Second, check.Timeout)

	status, ok := hm.GetCheckStatus("smtp")
	assert.True(t, ok)
	assert.Equal(t, StatusHealthy, status)

	status, ok = hm.GetCheckStatus("imap")
	assert.False(t, ok)
	assert.Equal(t, StatusUnreachable, status)
}

func TestPerformCheckTransitions(t *testing.T) {
	var fail atomic.Bool
	hm := NewHealthMonitor()
	check := &HealthCheck{
		Name:     "pop3-transitions",
		Critical: true,
		Check: func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	hm.RegisterCheck(check)
	ctx := context.Background()

	hm.performCheck(ctx, check)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ComponentHealthStatus.WithLabelValues("pop3-transitions")))

	// 1 of 2 failed: unhealthy at a 50% failure rate
	fail.Store(true)
	hm.performCheck(ctx, check)
	status, _ := hm.GetCheckStatus("pop3-transitions")
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	fail.Store(false)
	hm.performCheck(ctx, check)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.ComponentHealthChecks.WithLabelValues("pop3-transitions", string(StatusUnhealthy))))
}

func TestDegradedBelowHalfFailureRate(t *testing.T) {
	var calls atomic.Int32
	hm := NewHealthMonitor()
	check := &HealthCheck{
		Name: "smtp-degraded",
		Check: func(ctx context.Context) error {
			if calls.Add(1) == 3 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	hm.RegisterCheck(check)

	for i := 0; i < 3; i++ {
		hm.performCheck(context.Background(), check)
	}
	status, _ := hm.GetCheckStatus("smtp-degraded")
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	check := &HealthCheck{
		Name:  "journal-noncritical",
		Check: func(ctx context.Context) error { return errors.New("disk I/O error") },
	}
	hm.RegisterCheck(check)

	hm.performCheck(context.Background(), check)
	status, _ := hm.GetCheckStatus("journal-noncritical")
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestPanickingCheck(t *testing.T) {
	hm := NewHealthMonitor()
	check := &HealthCheck{
		Name:     "panics",
		Critical: true,
		Check:    func(ctx context.Context) error { panic("boom") },
	}
	hm.RegisterCheck(check)

	assert.NotPanics(t, func() { hm.performCheck(context.Background(), check) })
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	reports := hm.Reports()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].LastError, "panic: boom")
}

func TestCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor()
	check := &HealthCheck{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	hm.RegisterCheck(check)

	hm.performCheck(context.Background(), check)
	reports := hm.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].FailCount)
	assert.Contains(t, reports[0].LastError, "deadline exceeded")
}

func TestStartRunsChecksUntilStopped(t *testing.T) {
	var calls atomic.Int32
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "ticking",
		Interval: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})

	hm.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	hm.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestReportsSorted(t *testing.T) {
	hm := NewHealthMonitor()
	for _, name := range []string{"smtp", "journal", "pop3"} {
		hm.RegisterCheck(&HealthCheck{Name: name, Check: func(ctx context.Context) error { return nil }})
	}

	reports := hm.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, "journal", reports[0].Name)
	assert.Equal(t, "pop3", reports[1].Name)
	assert.Equal(t, "smtp", reports[2].Name)
}
