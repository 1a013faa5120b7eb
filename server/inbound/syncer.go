package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
)

const (
	DefaultIdleInterval = 10 * time.Second
	DefaultPollInterval = 60 * time.Second
)

// Receiver lists and fetches mailbox messages.
type Receiver interface {
	ListIdentifiers(ctx context.Context) (Snapshot, error)
	FetchMessage(ctx context.Context, index int) (*message.Message, error)
}

// Router dispatches a surfaced message. It returns the name of the matched
// rule, if any.
type Router interface {
	Route(ctx context.Context, msg *message.Message) (string, bool)
}

// SurfacedFunc is called after a new message has been routed.
type SurfacedFunc func(ctx context.Context, msg *message.Message, rule string, matched bool)

// Options tune a Syncer. Zero values take the defaults.
type Options struct {
	IdleInterval time.Duration
	PollInterval time.Duration
	OnSurfaced   SurfacedFunc
}

// Syncer polls the mailbox and routes messages that arrived since the
// previous poll, oldest first.
//
// The first successful listing only primes the snapshot: messages already
// in the mailbox at startup are never surfaced. A failed listing keeps the
// previous snapshot and retries after the idle interval.
type Syncer struct {
	receiver Receiver
	router   Router
	idle     time.Duration
	poll     time.Duration
	onNew    SurfacedFunc

	// previous is owned by the polling goroutine.
	previous Snapshot
	primed   bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSyncer creates a syncer reading from receiver and routing through router.
func NewSyncer(receiver Receiver, router Router, opts Options) *Syncer {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Syncer{
		receiver: receiver,
		router:   router,
		idle:     opts.IdleInterval,
		poll:     opts.PollInterval,
		onNew:    opts.OnSurfaced,
	}
}

// Start launches the polling loop. Calling Start on a running syncer is a no-op.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger.Info("Inbound: syncer started", "idle_interval", s.idle, "poll_interval", s.poll)
	return nil
}

// Stop ends the polling loop and waits for the current poll to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("Inbound: syncer stopped")
}

// Running reports whether the polling loop is active.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := s.Poll(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Inbound: syncer stopped due to context cancellation")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll runs one iteration of the sync loop and returns how long to wait
// before the next one.
func (s *Syncer) Poll(ctx context.Context) time.Duration {
	cur, err := s.receiver.ListIdentifiers(ctx)
	if err != nil {
		logger.Warn("Inbound: failed to list mailbox", "error", err)
		metrics.InboundPolls.WithLabelValues("error").Inc()
		return s.idle
	}
	metrics.InboundSnapshotSize.Set(float64(len(cur)))

	if !s.primed {
		s.previous = cur
		s.primed = true
		metrics.InboundPolls.WithLabelValues("primed").Inc()
		logger.Info("Inbound: snapshot primed", "messages", len(cur))
		return s.idle
	}

	ctx = context.WithValue(ctx, consts.PollIDKey, uuid.NewString())
	boundary, found := Boundary(s.previous, cur)
	indices := NewIndices(s.previous, cur)
	if !found && len(s.previous) > 0 && len(indices) > 0 {
		logger.Warn("Inbound: no previously seen message remains, treating whole mailbox as new",
			"previous", len(s.previous), "current", len(cur))
	}
	logger.Debug("Inbound: polled", "poll_id", ctx.Value(consts.PollIDKey), "messages", len(cur), "boundary", boundary, "new", len(indices))

	for _, idx := range indices {
		if ctx.Err() != nil {
			// Resume after the last handled message on the next Start.
			s.previous = cur.Before(idx)
			return s.idle
		}

		msg, err := s.receiver.FetchMessage(ctx, idx)
		if err != nil {
			logger.Warn("Inbound: failed to fetch message, skipping", "index", idx, "error", err)
			metrics.InboundFetchFailures.Inc()
			continue
		}
		metrics.InboundNewMessages.Inc()
		logger.Info("Inbound: received message", "index", idx, "subject", msg.Subject(), "from", msg.Sender())

		rule, matched := s.router.Route(ctx, msg)
		if s.onNew != nil {
			s.onNew(ctx, msg, rule, matched)
		}
	}

	s.previous = cur
	metrics.InboundPolls.WithLabelValues("success").Inc()
	return s.poll
}
