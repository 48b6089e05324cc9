// Package ledger provides the durable, append-only interaction event
// store.
//
// The ledger is the system's source of truth: events are immutable
// once accepted, totally ordered by a gap-free global position, and
// replayable from position zero to rebuild every derived structure.
// Duplicate appends are absorbed idempotently; malformed events are
// rejected before they enter the log.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by ledger operations.
var (
	ErrSchemaViolation = errors.New("ledger: schema violation")
	ErrNotFound        = errors.New("ledger: event not found")
	ErrClosed          = errors.New("ledger: closed")
)

// Well-known event type namespaces. Event types are dot-namespaced and
// open-ended; these constants cover the types the consolidation worker
// treats specially.
const (
	EventTypePreferenceStated = "user.preference.stated"
	EventTypeToolExecute      = "tool.execute"
	EventTypeAgentInvoke      = "agent.invoke"
)

// Event is an immutable interaction fact.
//
// GlobalPosition is assigned by the ledger at append time, strictly
// increasing and gap-free across accepted events. PayloadRef points at
// externally stored content; the ledger never inlines payload bodies,
// which is what makes erasure possible without breaking immutability.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	SessionID     string    `json:"session_id"`
	AgentID       string    `json:"agent_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	PayloadRef    string    `json:"payload_ref,omitempty"`
	SchemaVersion int       `json:"schema_version"`

	// GlobalPosition is zero until the ledger accepts the event.
	GlobalPosition uint64 `json:"global_position,omitempty"`
}

// Validate checks the required fields for ingestion. Violations map to
// ErrSchemaViolation so callers can reject synchronously.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrSchemaViolation)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrSchemaViolation)
	}
	if err := validateEventType(e.EventType); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrSchemaViolation)
	}
	if !e.EndedAt.IsZero() && e.EndedAt.Before(e.OccurredAt) {
		return fmt.Errorf("%w: ended_at precedes occurred_at", ErrSchemaViolation)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrSchemaViolation)
	}
	if e.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrSchemaViolation)
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("%w: schema_version must be >= 1", ErrSchemaViolation)
	}
	return nil
}

// validateEventType enforces the dot-namespaced taxonomy: at least two
// non-empty lowercase segments, e.g. "tool.execute".
func validateEventType(t string) error {
	if t == "" {
		return fmt.Errorf("%w: event_type is required", ErrSchemaViolation)
	}
	segments := strings.Split(t, ".")
	if len(segments) < 2 {
		return fmt.Errorf("%w: event_type %q is not dot-namespaced", ErrSchemaViolation, t)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: event_type %q has an empty segment", ErrSchemaViolation, t)
		}
		if seg != strings.ToLower(seg) {
			return fmt.Errorf("%w: event_type %q must be lowercase", ErrSchemaViolation, t)
		}
	}
	return nil
}

// Clone returns a copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}
