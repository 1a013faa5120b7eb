package db

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/pkg/metrics"
	"lukechampine.com/blake3"
)

// Directions
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Statuses
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusRouted    = "routed"
	StatusUnmatched = "unmatched"
)

const defaultListLimit = 50

// Entry is one journal row.
type Entry struct {
	ID        string    `db:"id" json:"id"`
	Direction string    `db:"direction" json:"direction"`
	MessageID string    `db:"message_id" json:"message_id,omitempty"`
	Peer      string    `db:"peer" json:"peer"`
	Subject   string    `db:"subject" json:"subject"`
	Digest    string    `db:"digest" json:"digest"`
	Status    string    `db:"status" json:"status"`
	Rule      string    `db:"rule" json:"rule,omitempty"`
	Error     string    `db:"error" json:"error,omitempty"`
	Attempts  int       `db:"attempts" json:"attempts"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Digest returns the hex blake3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OutboundEntry describes a send attempt of msg.
func OutboundEntry(msg *message.Message, attempts int, err error) Entry {
	e := Entry{
		Direction: DirectionOutbound,
		MessageID: msg.MessageID(),
		Peer:      strings.Join(msg.Recipients(), ", "),
		Subject:   msg.Subject(),
		Digest:    Digest(msg.Bytes()),
		Status:    StatusSent,
		Attempts:  attempts,
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	return e
}

// InboundEntry describes a surfaced message and the rule it matched.
func InboundEntry(msg *message.Message, rule string, matched bool) Entry {
	e := Entry{
		Direction: DirectionInbound,
		MessageID: msg.MessageID(),
		Peer:      msg.Sender(),
		Subject:   msg.Subject(),
		Digest:    Digest(msg.Bytes()),
		Status:    StatusUnmatched,
	}
	if matched {
		e.Status = StatusRouted
		e.Rule = rule
	}
	return e
}

// Record inserts e, assigning an ID and timestamp when unset.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO journal (id, direction, message_id, peer, subject, digest, status, rule, error, attempts, created_at)
		VALUES (:id, :direction, :message_id, :peer, :subject, :digest, :status, :rule, :error, :attempts, :created_at)`, e)
	if err != nil {
		metrics.JournalWriteErrors.Inc()
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// ListOptions filters List.
type ListOptions struct {
	Direction string // empty for both
	Limit     int    // default 50
}

// List returns the newest entries first.
func (j *Journal) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, direction, message_id, peer, subject, digest, status, rule, error, attempts, created_at
		FROM journal`
	args := []any{}
	if opts.Direction != "" {
		query += ` WHERE direction = ?`
		args = append(args, opts.Direction)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	var entries []Entry
	if err := j.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	return entries, nil
}

// Seen reports whether an entry with digest exists for direction.
func (j *Journal) Seen(ctx context.Context, direction, digest string) (bool, error) {
	var n int
	err := j.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM journal WHERE direction = ? AND digest = ?`, direction, digest)
	if err != nil {
		return false, fmt.Errorf("failed to query journal: %w", err)
	}
	return n > 0, nil
}

// Stats counts entries by direction and status.
func (j *Journal) Stats(ctx context.Context) ([]metrics.StatusCount, error) {
	var rows []struct {
		Direction string `db:"direction"`
		Status    string `db:"status"`
		Count     int64  `db:"n"`
	}
	err := j.db.SelectContext(ctx, &rows, `
		SELECT direction, status, COUNT(*) AS n
		FROM journal
		GROUP BY direction, status
		ORDER BY direction, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate journal: %w", err)
	}

	out := make([]metrics.StatusCount, len(rows))
	for i, r := range rows {
		out[i] = metrics.StatusCount{Direction: r.Direction, Status: r.Status, Count: r.Count}
	}
	return out, nil
}
