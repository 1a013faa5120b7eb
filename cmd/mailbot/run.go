package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/pkg/credential"
	"github.com/migadu/mailbot/pkg/health"
	"github.com/migadu/mailbot/pkg/metrics"
	"github.com/migadu/mailbot/protocol"
	"github.com/migadu/mailbot/server/bot"
	"github.com/migadu/mailbot/server/httpapi"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	var profileMode, profilePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.validate()

			switch profileMode {
			case "":
			case "cpu":
				defer profile.Start(profile.CPUProfile, profile.ProfilePath(profilePath), profile.NoShutdownHook).Stop()
			case "mem":
				defer profile.Start(profile.MemProfile, profile.MemProfileAllocs, profile.ProfilePath(profilePath), profile.NoShutdownHook).Stop()
			case "block":
				defer profile.Start(profile.BlockProfile, profile.ProfilePath(profilePath), profile.NoShutdownHook).Stop()
			default:
				return fmt.Errorf("unknown profile mode %q (expected cpu, mem or block)", profileMode)
			}

			return a.run()
		},
	}
	cmd.Flags().StringVar(&profileMode, "profile", "", "Write a profile while running: cpu, mem or block")
	cmd.Flags().StringVar(&profilePath, "profile-path", ".", "Directory for profile output")
	return cmd
}

// run starts the bot with its optional servers. Fatal conditions come back
// as an *errors.ExitError so deferred cleanup runs before main exits.
func (a *app) run() error {
	cfg := a.cfg
	logger.Infof("mailbot starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	b, client, journal, err := a.newBot(ctx)
	if err != nil {
		a.errorHandler.FatalError("initialize bot", err)
		return a.errorHandler.Exit()
	}
	if journal != nil {
		defer journal.Close()

		collector := metrics.NewCollector(journal, time.Minute)
		go collector.Start(ctx)
		defer collector.Stop()
	}

	var monitor *health.HealthMonitor
	if cfg.Health.Enabled {
		monitor = newHealthMonitor(cfg.Health, client, journal)
	}

	errChan := make(chan error, 2)
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}
	if cfg.HTTPAPI.Enabled {
		opts := httpapi.ServerOptions{
			Addr:           cfg.HTTPAPI.Addr,
			APIKey:         cfg.HTTPAPI.APIKey,
			AllowedHosts:   cfg.HTTPAPI.AllowedHosts,
			TrustedProxies: cfg.HTTPAPI.TrustedProxies,
		}
		if journal != nil {
			opts.Journal = journal
		}
		if monitor != nil {
			opts.Health = monitor
		}
		go httpapi.Start(ctx, b, opts, errChan)
	}

	return a.supervise(ctx, b, monitor, errChan)
}

// supervise starts the bot workers in the background and the health monitor,
// then blocks until ctx is cancelled or a listener reports an error.
func (a *app) supervise(ctx context.Context, b *bot.Bot, monitor *health.HealthMonitor, errChan <-chan error) error {
	if err := b.Start(ctx, true); err != nil {
		a.errorHandler.FatalError("start bot", err)
		return a.errorHandler.Exit()
	}
	if monitor != nil {
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	select {
	case <-ctx.Done():
		a.errorHandler.Shutdown(ctx)
		b.Stop()
		return nil
	case err := <-errChan:
		b.Stop()
		a.errorHandler.FatalError("server operation", err)
		return a.errorHandler.Exit()
	}
}

// newHealthMonitor registers a critical check per configured server and a
// non-critical one for the journal.
func newHealthMonitor(cfg config.HealthConfig, client *protocol.Pair, journal *db.Journal) *health.HealthMonitor {
	// Validated at load time
	interval, _ := cfg.GetInterval()
	timeout, _ := cfg.GetTimeout()

	monitor := health.NewHealthMonitor()
	for name, checker := range client.Checks() {
		monitor.RegisterCheck(&health.HealthCheck{
			Name:     name,
			Check:    checker.CheckReachable,
			Interval: interval,
			Timeout:  timeout,
			Critical: true,
		})
	}
	if journal != nil {
		monitor.RegisterCheck(&health.HealthCheck{
			Name:     "journal",
			Check:    journal.Ping,
			Interval: interval,
			Timeout:  timeout,
		})
	}
	return monitor
}

// newBot resolves credentials, opens the journal when enabled and builds the
// bot with its configured rules.
func (a *app) newBot(ctx context.Context) (*bot.Bot, *protocol.Pair, *db.Journal, error) {
	password, err := credential.Resolve(a.cfg.Account)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve password: %w", err)
	}

	client, err := protocol.NewFromConfig(&a.cfg, password)
	if err != nil {
		return nil, nil, nil, err
	}

	var journal *db.Journal
	var recorder bot.Journal
	if a.cfg.Journal.Enabled {
		journal, err = db.Open(ctx, a.cfg.Journal.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		recorder = journal
	}

	b, err := bot.NewFromConfig(&a.cfg, client, recorder)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, nil, err
	}
	return b, client, journal, nil
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
