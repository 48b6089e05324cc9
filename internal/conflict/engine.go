// Package conflict decides how a validated knowledge candidate merges
// with existing active knowledge: ADD, REINFORCE, SUPERSEDE or NOOP.
//
// The engine never mutates a stored record's identity fields. Only
// observation_count, stability, last_confirmed_at and the write-once
// superseded_by pointer change after insertion, which keeps the full
// history auditable.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
)

// Decision classifies the resolution outcome.
type Decision string

const (
	DecisionAdd       Decision = "add"
	DecisionReinforce Decision = "reinforce"
	DecisionSupersede Decision = "supersede"
	DecisionNoop      Decision = "noop"
)

// Resolution reports what the engine did.
type Resolution struct {
	Decision Decision

	// Record is the active record after resolution: the inserted
	// candidate for ADD/SUPERSEDE, the reinforced record for
	// REINFORCE, nil for NOOP.
	Record *knowledge.Record

	// Superseded is the record whose superseded_by pointer was set,
	// for SUPERSEDE only.
	Superseded *knowledge.Record
}

// stabilityStep is how much each reinforcement raises decay
// resistance.
const stabilityStep = 0.1

// Engine resolves candidates against the graph.
type Engine struct {
	store  graph.Store
	logger *zap.Logger
}

// NewEngine creates a conflict engine.
func NewEngine(store graph.Store, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("conflict: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}, nil
}

// Resolve merges the candidate into the graph and reports the
// decision. The candidate must already have passed validation and
// confidence gating; the engine only owns the knowledge-node writes,
// attachment edges (HAS_*, ABOUT, DERIVED_FROM) belong to the caller.
func (e *Engine) Resolve(ctx context.Context, candidate *knowledge.Record) (Resolution, error) {
	if err := candidate.Validate(); err != nil {
		return Resolution{}, err
	}

	active, err := e.findActive(ctx, candidate.ConflictKey())
	if err != nil {
		return Resolution{}, err
	}

	if active == nil {
		if noop, err := e.isStaleReassertion(ctx, candidate); err != nil {
			return Resolution{}, err
		} else if noop {
			return Resolution{Decision: DecisionNoop}, nil
		}
		if err := e.insert(ctx, candidate); err != nil {
			return Resolution{}, err
		}
		return Resolution{Decision: DecisionAdd, Record: candidate}, nil
	}

	if active.NodeID() == candidate.NodeID() {
		reinforced, err := e.reinforce(ctx, active, candidate)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Decision: DecisionReinforce, Record: reinforced}, nil
	}

	// Same conflict scope, different statement: the candidate answers
	// the same question differently, so it supersedes.
	superseded, err := e.supersede(ctx, active, candidate)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Decision: DecisionSupersede, Record: candidate, Superseded: superseded}, nil
}

// findActive returns the active record in the candidate's conflict
// scope, if any.
func (e *Engine) findActive(ctx context.Context, conflictKey string) (*knowledge.Record, error) {
	nodes, err := e.store.FindNodes(ctx, graph.NodeFilter{
		Kind: graph.KindKnowledge,
		PropertyEqual: map[string]any{
			knowledge.PropConflictKey: conflictKey,
			knowledge.PropActive:      true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying active knowledge: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	// At most one record per scope is active by construction; if an
	// inconsistency slipped in, take the most recently updated.
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.UpdatedAt.After(best.UpdatedAt) {
			best = n
		}
	}
	return knowledge.FromNode(best)
}

// isStaleReassertion reports whether the candidate duplicates a record
// that was already superseded (e.g. an old session re-extracted during
// replay after the conflict moved on). Such candidates are dropped so
// replay stays idempotent.
func (e *Engine) isStaleReassertion(ctx context.Context, candidate *knowledge.Record) (bool, error) {
	node, err := e.store.GetNode(ctx, candidate.NodeID())
	if errors.Is(err, graph.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existing, err := knowledge.FromNode(node)
	if err != nil {
		return false, err
	}
	return existing.SupersededBy != "", nil
}

func (e *Engine) insert(ctx context.Context, r *knowledge.Record) error {
	node, err := r.ToNode()
	if err != nil {
		return err
	}
	if err := e.store.UpsertNode(ctx, node); err != nil {
		return fmt.Errorf("inserting knowledge node %s: %w", node.ID, err)
	}
	return nil
}

// reinforce updates the mutable observation fields of the existing
// record without duplicating it.
func (e *Engine) reinforce(ctx context.Context, existing, candidate *knowledge.Record) (*knowledge.Record, error) {
	existing.ObservationCount++
	if candidate.LastConfirmedAt.After(existing.LastConfirmedAt) {
		existing.LastConfirmedAt = candidate.LastConfirmedAt
	}
	existing.Stability = min(1, existing.Stability+stabilityStep)
	if candidate.Confidence > existing.Confidence {
		existing.Confidence = candidate.Confidence
	}
	if err := e.insert(ctx, existing); err != nil {
		return nil, err
	}
	e.logger.Debug("knowledge reinforced",
		zap.String("node", string(existing.NodeID())),
		zap.Int("observations", existing.ObservationCount))
	return existing, nil
}

// supersede inserts the candidate and points the old record's
// superseded_by at it. If the candidate's statement previously existed
// in this chain, its revision is bumped until it lands on a fresh node
// ID, so chains never loop.
func (e *Engine) supersede(ctx context.Context, active, candidate *knowledge.Record) (*knowledge.Record, error) {
	for {
		_, err := e.store.GetNode(ctx, candidate.NodeID())
		if errors.Is(err, graph.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		candidate.Revision++
	}

	if err := e.insert(ctx, candidate); err != nil {
		return nil, err
	}

	// superseded_by is write-once.
	if active.SupersededBy == "" {
		active.SupersededBy = string(candidate.NodeID())
		if err := e.insert(ctx, active); err != nil {
			return nil, err
		}
	}

	e.logger.Info("knowledge superseded",
		zap.String("old", string(active.NodeID())),
		zap.String("new", string(candidate.NodeID())),
		zap.String("key", candidate.Key))
	return active, nil
}

// Chain follows superseded_by pointers from a record's node and
// returns the history, oldest first, ending at the active record.
// Used by lineage queries and the acyclicity property tests.
func (e *Engine) Chain(ctx context.Context, start graph.NodeID) ([]*knowledge.Record, error) {
	var chain []*knowledge.Record
	seen := make(map[graph.NodeID]struct{})
	id := start
	for id != "" {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("conflict: supersession cycle at %s", id)
		}
		seen[id] = struct{}{}

		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		r, err := knowledge.FromNode(node)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
		id = graph.NodeID(r.SupersededBy)
	}
	return chain, nil
}
