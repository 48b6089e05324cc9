package graph

import (
	"context"
	"time"
)

// Store is the multi-view graph storage contract.
//
// Implementations must enforce ValidateNode/ValidateEdge/CheckEndpoints
// on every write, apply last-writer-wins semantics on properties, and
// keep identity fields immutable. All writes are idempotent: repeating
// an upsert with the same deterministic ID converges to one record.
type Store interface {
	// UpsertNode inserts or updates a node. The node's Kind must match
	// any existing node with the same ID.
	UpsertNode(ctx context.Context, n *Node) error

	// GetNode returns the node or ErrNotFound.
	GetNode(ctx context.Context, id NodeID) (*Node, error)

	// UpsertEdge inserts or updates an edge after endpoint checks.
	UpsertEdge(ctx context.Context, e *Edge) error

	// GetEdge returns the edge or ErrNotFound.
	GetEdge(ctx context.Context, id EdgeID) (*Edge, error)

	// Outgoing returns edges leaving the node, optionally filtered by
	// edge type. SIMILAR_TO edges are returned from both endpoints.
	Outgoing(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error)

	// Incoming returns edges arriving at the node, optionally filtered
	// by edge type.
	Incoming(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error)

	// UpdateAnnotations writes a node's access/decay annotation
	// fields. Annotations are owned by the annotate task and bypass
	// the property merge: UpsertNode never touches them.
	UpdateAnnotations(ctx context.Context, id NodeID, accessCount int64, lastAccessed time.Time, decayScore float64) error

	// FindNodes returns nodes matching the filter.
	FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error)

	// NodeCount and EdgeCount report store sizes.
	NodeCount(ctx context.Context) (int, error)
	EdgeCount(ctx context.Context) (int, error)

	// Reset drops all graph data. The graph is disposable; the ledger
	// is the source of truth and the graph is rebuilt by replay.
	Reset(ctx context.Context) error

	Close() error
}

// NodeFilter selects nodes by kind, property equality and time range.
// Zero-valued fields match everything.
type NodeFilter struct {
	Kind          NodeKind
	PropertyEqual map[string]any
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether a node satisfies the filter.
func (f NodeFilter) Matches(n *Node) bool {
	if f.Kind != "" && n.Kind != f.Kind {
		return false
	}
	if !f.CreatedAfter.IsZero() && n.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !n.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	for k, want := range f.PropertyEqual {
		got, ok := n.Properties[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}
