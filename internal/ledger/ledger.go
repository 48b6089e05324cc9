package ledger

import (
	"context"
	"time"
)

// AppendStatus reports the outcome of an append.
type AppendStatus string

const (
	StatusAccepted  AppendStatus = "accepted"
	StatusDuplicate AppendStatus = "duplicate"
)

// AppendResult is returned by Ledger.Append.
type AppendResult struct {
	Status AppendStatus

	// GlobalPosition of the stored event. For duplicates this is the
	// position of the original record.
	GlobalPosition uint64
}

// Query selects events for lineage and range retrieval. Zero-valued
// fields match everything.
type Query struct {
	SessionID      string
	AgentID        string
	TraceID        string
	OccurredAfter  time.Time
	OccurredBefore time.Time
	Limit          int
}

// Matches reports whether an event satisfies the query.
func (q Query) Matches(e *Event) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.TraceID != "" && e.TraceID != q.TraceID {
		return false
	}
	if !q.OccurredAfter.IsZero() && e.OccurredAt.Before(q.OccurredAfter) {
		return false
	}
	if !q.OccurredBefore.IsZero() && !e.OccurredAt.Before(q.OccurredBefore) {
		return false
	}
	return true
}

// Ledger is the append-only event store contract.
//
// Appends are atomic per event; the ledger assigns ordering, callers
// never negotiate it. Accepted events are immutable. A second append
// with the same event_id returns StatusDuplicate without error.
type Ledger interface {
	// Append validates and stores the event, assigning the next
	// gap-free global position. Returns ErrSchemaViolation for
	// malformed events; duplicates succeed with StatusDuplicate.
	Append(ctx context.Context, e *Event) (AppendResult, error)

	// ReadFrom returns up to limit events with GlobalPosition >= from,
	// in position order. Archived positions are skipped.
	ReadFrom(ctx context.Context, from uint64, limit int) ([]*Event, error)

	// Get returns the event by its event_id, or ErrNotFound.
	Get(ctx context.Context, eventID string) (*Event, error)

	// Find returns events matching the query, in position order.
	Find(ctx context.Context, q Query) ([]*Event, error)

	// LastPosition returns the highest assigned global position, or
	// zero if the ledger is empty.
	LastPosition(ctx context.Context) (uint64, error)

	// ArchiveBefore moves events that occurred before the cutoff out
	// of the hot range. Positions of retained events are unaffected.
	// Returns the number of archived events.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
