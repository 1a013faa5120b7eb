package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultIdleInterval  = 10 * time.Second
	DefaultRetryInterval = 60 * time.Second
)

// Send modes, used in metrics and attempt callbacks.
const (
	ModeQueued = "queued"
	ModeSync   = "sync"
)

// Sender delivers one message.
type Sender interface {
	SendMessage(ctx context.Context, msg *message.Message) error
}

// AttemptFunc is called after every delivery attempt. entry.Attempts
// already counts the attempt; for ModeSync the entry has no ID.
type AttemptFunc func(ctx context.Context, entry QueuedMessage, mode string, err error)

// Options tune a Worker. Zero values take the defaults.
type Options struct {
	IdleInterval  time.Duration
	RetryInterval time.Duration
	RateLimit     float64 // messages per second, 0 = unlimited
	RateBurst     int
	OnAttempt     AttemptFunc
}

// Worker drains the queue in order through a Sender.
//
// The head entry is only removed after it was sent. A failed send leaves
// it in place and the worker waits RetryInterval before trying the same
// entry again. There is no attempt limit, so a message that can never be
// sent blocks the entries behind it.
type Worker struct {
	sender    Sender
	queue     *Queue
	idle      time.Duration
	retry     time.Duration
	limiter   *rate.Limiter
	onAttempt AttemptFunc

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewWorker creates a worker with an empty queue.
func NewWorker(sender Sender, opts Options) *Worker {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	w := &Worker{
		sender:    sender,
		queue:     NewQueue(),
		idle:      opts.IdleInterval,
		retry:     opts.RetryInterval,
		onAttempt: opts.OnAttempt,
		notifyCh:  make(chan struct{}, 1),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return w
}

// Queue returns the worker's queue.
func (w *Worker) Queue() *Queue {
	return w.queue
}

// Enqueue appends msg to the queue and wakes the worker if it is idle.
func (w *Worker) Enqueue(msg *message.Message) string {
	entry := w.queue.Push(msg)
	logger.Debug("Outbound: message queued", "id", entry.ID, "subject", msg.Subject(), "to", msg.Receiver())
	w.NotifyQueued()
	return entry.ID
}

// SendNow sends msg once, bypassing the queue.
func (w *Worker) SendNow(ctx context.Context, msg *message.Message) error {
	entry := QueuedMessage{Message: msg, QueuedAt: time.Now()}
	return w.attempt(ctx, &entry, ModeSync)
}

// NotifyQueued wakes the worker from its idle wait. It does not shorten
// the wait after a failed send.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the drain loop. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Outbound: worker started", "idle_interval", w.idle, "retry_interval", w.retry)
	return nil
}

// Stop ends the drain loop. A send in progress completes and its result
// is applied before Stop returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()

	if n := w.queue.Len(); n > 0 {
		logger.Warn("Outbound: worker stopped with undelivered messages", "pending", n)
	} else {
		logger.Info("Outbound: worker stopped")
	}
}

// Running reports whether the drain loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.exitOnCancel()
			return
		case <-w.stopCh:
			return
		default:
		}

		wait, wakeable := w.Process(ctx)
		if wait == 0 {
			continue
		}

		var notify <-chan struct{}
		if wakeable {
			notify = w.notifyCh
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.exitOnCancel()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *Worker) exitOnCancel() {
	logger.Info("Outbound: worker stopped due to context cancellation", "pending", w.queue.Len())
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Process makes one delivery attempt for the head of the queue. It returns
// how long to wait before the next attempt and whether an Enqueue may cut
// that wait short.
func (w *Worker) Process(ctx context.Context) (time.Duration, bool) {
	entry, ok := w.queue.Peek()
	if !ok {
		return w.idle, true
	}

	if err := w.attempt(ctx, &entry, ModeQueued); err != nil {
		if ctx.Err() != nil {
			return w.idle, false
		}
		w.queue.RecordAttempt(entry.ID, err)
		logger.Warn("Outbound: send failed, will retry", "id", entry.ID, "attempt", entry.Attempts,
			"subject", entry.Message.Subject(), "retry_in", w.retry, "error", err)
		return w.retry, false
	}

	w.queue.RecordAttempt(entry.ID, nil)
	if !w.queue.RemoveHead(entry.ID) {
		// Only this worker removes entries, so the head cannot change.
		logger.Error("Outbound: sent message was no longer at the head of the queue", "id", entry.ID)
	}
	logger.Info("Outbound: message sent", "id", entry.ID, "attempts", entry.Attempts,
		"subject", entry.Message.Subject(), "to", entry.Message.Receiver())
	return 0, false
}

func (w *Worker) attempt(ctx context.Context, entry *QueuedMessage, mode string) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	err := w.sender.SendMessage(ctx, entry.Message)
	metrics.OutboundSendDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	entry.Attempts++
	entry.LastAttempt = time.Now()
	result := "success"
	if err != nil {
		result = "failure"
		entry.LastError = err.Error()
	}
	metrics.OutboundSendAttempts.WithLabelValues(mode, result).Inc()

	if w.onAttempt != nil {
		w.onAttempt(ctx, *entry, mode, err)
	}
	return err
}
