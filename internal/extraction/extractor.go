// Package extraction turns interaction transcripts into validated
// knowledge candidates.
//
// Extraction is model-assisted and therefore untrusted: every raw
// candidate passes through four validation layers before it may touch
// the graph. Schema validation rejects malformed output (with one
// bounded repair round-trip), ontology validation clamps confidence
// into the band its source permits, evidence validation locates the
// quoted evidence in the source documents, and confidence gating
// drops or stages candidates below their source floor. The conflict
// engine downstream handles duplicates and contradictions; this
// package never writes knowledge nodes directly.
package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
)

var (
	ErrInvalidRequest   = errors.New("extraction: invalid request")
	ErrSchemaRejected   = errors.New("extraction: model output failed schema validation")
	ErrModelUnavailable = errors.New("extraction: model unavailable")
)

// Scope selects the extraction stage's input shape.
type Scope string

const (
	// ScopeSession extracts from one session's raw transcript.
	ScopeSession Scope = "session"

	// ScopeUser extracts cross-session patterns from session
	// summaries of one user.
	ScopeUser Scope = "user"
)

// Document is one unit of source text, addressable for provenance.
type Document struct {
	// EventID identifies the ledger event the text came from. For
	// ScopeUser this holds the summary node ID instead.
	EventID string

	Text string
}

// Request describes one extraction run.
type Request struct {
	UserID    string
	SessionID string
	Scope     Scope
	Documents []Document

	// ObservedAt anchors first_observed_at for extracted records,
	// normally the session's end time.
	ObservedAt time.Time
}

// Validate checks the request before any model call is spent on it.
func (r *Request) Validate() error {
	if r.UserID == "" {
		return errors.New("extraction: user_id is required")
	}
	if r.Scope == ScopeSession && r.SessionID == "" {
		return errors.New("extraction: session_id is required for session scope")
	}
	if len(r.Documents) == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Candidate is a knowledge record proposed by extraction, together
// with the provenance the validation layers established.
type Candidate struct {
	Record *knowledge.Record

	// SourceEvents lists the document IDs whose text supports the
	// record. At least one after evidence validation.
	SourceEvents []string

	// Span is the located evidence quote within the matched document.
	Span Span
}

// Span marks where evidence text was found.
type Span struct {
	DocumentID string
	Start      int
	End        int

	// Approximate is true when only a fuzzy match was found. Explicit
	// records are rejected on approximate matches; weaker sources are
	// demoted instead.
	Approximate bool
}

// Located reports whether the span points at real text.
func (s Span) Located() bool { return s.DocumentID != "" && s.End > s.Start }

// Extractor produces raw candidates from a request. Implementations
// return candidates that have passed schema validation only; callers
// run the remaining layers.
type Extractor interface {
	Extract(ctx context.Context, req Request) ([]Candidate, error)
}
