package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger used in tests and for ephemeral
// deployments. Ordering and idempotence semantics match the badger
// implementation exactly.
type MemoryLedger struct {
	mu     sync.RWMutex
	closed bool

	events   []*Event          // index i holds position i+1
	byID     map[string]uint64 // event_id -> position
	archived map[uint64]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:     make(map[string]uint64),
		archived: make(map[uint64]struct{}),
	}
}

// Append stores the event, assigning the next position.
func (l *MemoryLedger) Append(ctx context.Context, e *Event) (AppendResult, error) {
	if err := e.Validate(); err != nil {
		return AppendResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return AppendResult{}, ErrClosed
	}

	if pos, ok := l.byID[e.EventID]; ok {
		return AppendResult{Status: StatusDuplicate, GlobalPosition: pos}, nil
	}

	stored := e.Clone()
	stored.GlobalPosition = uint64(len(l.events)) + 1
	l.events = append(l.events, stored)
	l.byID[stored.EventID] = stored.GlobalPosition
	return AppendResult{Status: StatusAccepted, GlobalPosition: stored.GlobalPosition}, nil
}

// ReadFrom returns events with position >= from, skipping archived
// records.
func (l *MemoryLedger) ReadFrom(ctx context.Context, from uint64, limit int) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	if from < 1 {
		from = 1
	}
	var out []*Event
	for i := int(from) - 1; i < len(l.events); i++ {
		pos := uint64(i) + 1
		if _, ok := l.archived[pos]; ok {
			continue
		}
		out = append(out, l.events[i].Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get returns the event by event_id.
func (l *MemoryLedger) Get(ctx context.Context, eventID string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	pos, ok := l.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return l.events[pos-1].Clone(), nil
}

// Find returns events matching the query in position order.
func (l *MemoryLedger) Find(ctx context.Context, q Query) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	var out []*Event
	for i, e := range l.events {
		if _, ok := l.archived[uint64(i)+1]; ok {
			continue
		}
		if q.Matches(e) {
			out = append(out, e.Clone())
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
	}
	return out, nil
}

// LastPosition returns the highest assigned position.
func (l *MemoryLedger) LastPosition(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	return uint64(len(l.events)), nil
}

// ArchiveBefore marks events older than the cutoff as archived. The
// records and their positions are retained; they just drop out of the
// hot read range.
func (l *MemoryLedger) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	archived := 0
	for i, e := range l.events {
		pos := uint64(i) + 1
		if _, done := l.archived[pos]; done {
			continue
		}
		if e.OccurredAt.Before(cutoff) {
			l.archived[pos] = struct{}{}
			archived++
		}
	}
	return archived, nil
}

// Close marks the ledger closed.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
