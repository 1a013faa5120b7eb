package outbound

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
)

// QueuedMessage is a message waiting for delivery.
type QueuedMessage struct {
	ID          string
	Message     *message.Message
	QueuedAt    time.Time
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// Queue is an unbounded in-memory FIFO of pending messages. Only the
// worker removes entries, and only the head.
type Queue struct {
	mu    sync.Mutex
	items []*QueuedMessage
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends msg to the tail and returns its entry.
func (q *Queue) Push(msg *message.Message) QueuedMessage {
	entry := &QueuedMessage{
		ID:       uuid.New().String(),
		Message:  msg,
		QueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, entry)
	depth := len(q.items)
	out := *entry
	q.mu.Unlock()

	metrics.OutboundEnqueued.Inc()
	metrics.OutboundQueueDepth.Set(float64(depth))
	return out
}

// Peek returns a copy of the head entry without removing it.
func (q *Queue) Peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return *q.items[0], true
}

// RemoveHead removes the head entry if it is the one with id.
func (q *Queue) RemoveHead(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].ID != id {
		return false
	}
	q.items[0] = nil
	q.items = q.items[1:]
	metrics.OutboundQueueDepth.Set(float64(len(q.items)))
	return true
}

// RecordAttempt updates the attempt counters of the entry with id.
func (q *Queue) RecordAttempt(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID != id {
			continue
		}
		item.Attempts++
		item.LastAttempt = time.Now()
		if err != nil {
			item.LastError = err.Error()
		} else {
			item.LastError = ""
		}
		return
	}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Entries returns copies of all pending entries in queue order.
func (q *Queue) Entries() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}
