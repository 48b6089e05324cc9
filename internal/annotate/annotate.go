// Package annotate maintains the access and decay annotations on graph
// nodes.
//
// Reads never write the graph: retrieval reports node accesses to a
// Tracker, and a scheduled task folds the counters into the stored
// annotation fields together with a recomputed decay score. Decay is
// advisory; nothing is deleted, low-decay nodes just rank lower in
// retrieval.
package annotate

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

// Config tunes the annotation task.
type Config struct {
	// Interval between annotation sweeps.
	Interval time.Duration `koanf:"interval"`

	// HalfLife controls recency decay: a node untouched for one
	// half-life loses half its recency component.
	HalfLife time.Duration `koanf:"half_life"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 14 * 24 * time.Hour
	}
}

// Tracker accumulates node accesses off the read path.
type Tracker struct {
	mu       sync.Mutex
	accesses map[graph.NodeID]int64
	lastSeen map[graph.NodeID]time.Time
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		accesses: make(map[graph.NodeID]int64),
		lastSeen: make(map[graph.NodeID]time.Time),
	}
}

// Touch records one access. Cheap enough to call per retrieved node.
func (t *Tracker) Touch(id graph.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accesses[id]++
	t.lastSeen[id] = time.Now().UTC()
}

// drain returns and clears the pending counters.
func (t *Tracker) drain() (map[graph.NodeID]int64, map[graph.NodeID]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accesses, lastSeen := t.accesses, t.lastSeen
	t.accesses = make(map[graph.NodeID]int64)
	t.lastSeen = make(map[graph.NodeID]time.Time)
	return accesses, lastSeen
}

// Annotator folds tracked accesses into the graph and refreshes decay
// scores.
type Annotator struct {
	store   graph.Store
	tracker *Tracker
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewAnnotator wires the annotation task.
func NewAnnotator(store graph.Store, tracker *Tracker, cfg Config, logger *zap.Logger) (*Annotator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Annotator{
		store:   store,
		tracker: tracker,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run sweeps on the configured interval until the context is
// cancelled.
func (a *Annotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.Error("annotation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep applies pending access counters and recomputes decay for the
// touched nodes. Returns the number of nodes updated.
func (a *Annotator) Sweep(ctx context.Context) error {
	accesses, lastSeen := a.tracker.drain()
	updated := 0
	for id, count := range accesses {
		node, err := a.store.GetNode(ctx, id)
		if err != nil {
			continue // retrieved node may have been superseded away from this ID
		}
		node.AccessCount += count
		if seen := lastSeen[id]; seen.After(node.LastAccessed) {
			node.LastAccessed = seen
		}
		node.DecayScore = a.Score(node)
		if err := a.store.UpdateAnnotations(ctx, id, node.AccessCount, node.LastAccessed, node.DecayScore); err != nil {
			return err
		}
		updated++
	}
	if updated > 0 {
		a.logger.Debug("annotation sweep applied", zap.Int("nodes", updated))
	}
	return nil
}

// Score computes the decay score for a node: exponential recency decay
// on the last access (falling back to creation time) damped by a
// logarithmic access-frequency boost. Scores stay in (0, 1].
func (a *Annotator) Score(n *graph.Node) float64 {
	ref := n.LastAccessed
	if ref.IsZero() {
		ref = n.CreatedAt
	}
	age := a.now().Sub(ref)
	if age < 0 {
		age = 0
	}
	recency := math.Exp2(-age.Hours() / a.config.HalfLife.Hours())
	boost := 1 + math.Log1p(float64(n.AccessCount))/10
	score := recency * boost
	if score > 1 {
		score = 1
	}
	return score
}
