// Package graph provides the multi-view property graph store.
//
// The graph holds four node kinds (event, entity, knowledge, summary)
// connected by typed, schema-constrained edges. Edge types are grouped
// into five families (temporal, causal, semantic, entity, summary) that
// act as independently traversable views over the shared node set; no
// materialization is needed because the edge type itself selects the
// view.
//
// All writes are idempotent upserts keyed by deterministic IDs, so the
// store can be dropped and rebuilt by replaying the event ledger.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Common errors returned by graph stores.
var (
	ErrNotFound        = errors.New("graph: not found")
	ErrInvalidNode     = errors.New("graph: invalid node")
	ErrInvalidEdge     = errors.New("graph: invalid edge")
	ErrMissingEndpoint = errors.New("graph: edge endpoint does not exist")
	ErrKindMismatch    = errors.New("graph: node kind conflicts with existing node")
	ErrStoreClosed     = errors.New("graph: store closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// NodeKind classifies the four node populations sharing the graph.
type NodeKind string

const (
	KindEvent     NodeKind = "event"
	KindEntity    NodeKind = "entity"
	KindKnowledge NodeKind = "knowledge"
	KindSummary   NodeKind = "summary"
)

// EdgeType enumerates the legal relationship types.
type EdgeType string

const (
	// Temporal family.
	EdgeFollows EdgeType = "FOLLOWS"

	// Causal family.
	EdgeCausedBy EdgeType = "CAUSED_BY"

	// Semantic-similarity family. SIMILAR_TO is undirected; endpoints
	// are canonicalized before the edge ID is derived.
	EdgeSimilarTo EdgeType = "SIMILAR_TO"

	// Entity-reference family.
	EdgeReferences EdgeType = "REFERENCES"
	EdgeSameAs     EdgeType = "SAME_AS"
	EdgeRelatedTo  EdgeType = "RELATED_TO"
	EdgeAbout      EdgeType = "ABOUT"

	// Knowledge attachment (entity-reference family).
	EdgeHasPreference EdgeType = "HAS_PREFERENCE"
	EdgeHasSkill      EdgeType = "HAS_SKILL"
	EdgeHasInterest   EdgeType = "HAS_INTEREST"
	EdgeHasPattern    EdgeType = "HAS_PATTERN"

	// Summarization/provenance family.
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
	EdgeSummarizes  EdgeType = "SUMMARIZES"
)

// Family groups edge types into the five traversal views.
type Family string

const (
	FamilyTemporal Family = "temporal"
	FamilyCausal   Family = "causal"
	FamilySemantic Family = "semantic"
	FamilyEntity   Family = "entity"
	FamilySummary  Family = "summary"
)

// FamilyOf reports the view family an edge type belongs to.
func FamilyOf(t EdgeType) Family {
	switch t {
	case EdgeFollows:
		return FamilyTemporal
	case EdgeCausedBy:
		return FamilyCausal
	case EdgeSimilarTo:
		return FamilySemantic
	case EdgeDerivedFrom, EdgeSummarizes:
		return FamilySummary
	default:
		return FamilyEntity
	}
}

// Node is a vertex in the labeled property graph.
//
// Identity fields (ID, Kind) are immutable after creation. Properties
// follow last-writer-wins upsert semantics. The annotation fields
// (AccessCount, LastAccessed, DecayScore) are maintained by the
// annotate task, never by the read path.
type Node struct {
	ID         NodeID         `json:"id"`
	Kind       NodeKind       `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AccessCount  int64     `json:"access_count,omitempty"`
	LastAccessed time.Time `json:"last_accessed,omitzero"`
	DecayScore   float64   `json:"decay_score,omitempty"`
}

// Edge is a typed, directed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	Type       EdgeType       `json:"type"`
	From       NodeID         `json:"from"`
	To         NodeID         `json:"to"`
	Properties map[string]any `json:"properties,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EdgeIDFor derives the deterministic edge ID for (type, from, to).
//
// Undirected types (SIMILAR_TO) canonicalize endpoint order so the
// same pair always maps to the same ID regardless of argument order.
func EdgeIDFor(t EdgeType, from, to NodeID) EdgeID {
	if t == EdgeSimilarTo && to < from {
		from, to = to, from
	}
	h := sha256.Sum256([]byte(string(t) + "\x00" + string(from) + "\x00" + string(to)))
	return EdgeID("edg_" + hex.EncodeToString(h[:16]))
}

// DeriveNodeID builds a deterministic node ID from a namespace and a
// normalized key. Used for entities, knowledge nodes and summaries so
// re-processing the same source yields the same node.
func DeriveNodeID(namespace, key string) NodeID {
	h := sha256.Sum256([]byte(namespace + "\x00" + key))
	return NodeID(namespace + "_" + hex.EncodeToString(h[:16]))
}

// Clone returns a deep-enough copy of the node for safe hand-off
// across goroutines. Property values are shared; maps are copied.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Properties != nil {
		out.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// Clone returns a copy of the edge with its own property map.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	if e.Properties != nil {
		out.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}
