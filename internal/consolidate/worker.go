package consolidate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/conflict"
	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// Event node property names.
const (
	PropEventType      = "event_type"
	PropSessionID      = "session_id"
	PropAgentID        = "agent_id"
	PropTraceID        = "trace_id"
	PropOccurredAt     = "occurred_at"
	PropPayloadRef     = "payload_ref"
	PropGlobalPosition = "global_position"
	PropUnconsolidated = "unconsolidated"
)

// Config tunes the worker.
type Config struct {
	// Partition names this worker's cursor. Workers sharing a ledger
	// must use distinct partitions with disjoint session ranges.
	Partition string `koanf:"partition"`

	// PartitionCount/PartitionIndex shard sessions across workers by
	// hash. A single worker uses count 1, index 0.
	PartitionCount int `koanf:"partition_count"`
	PartitionIndex int `koanf:"partition_index"`

	// BatchSize is the number of events read per cycle.
	BatchSize int `koanf:"batch_size"`

	// PollInterval is the idle delay between cycles.
	PollInterval time.Duration `koanf:"poll_interval"`

	// RetryBudget is how many times one event's processing is retried
	// before it is marked unconsolidated and the cursor moves on.
	RetryBudget int `koanf:"retry_budget"`

	// RetryDelay is the pause between per-event retries. The product
	// RetryBudget*RetryDelay bounds how long one bad event can stall
	// the cursor.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// SimilarityThreshold gates SIMILAR_TO edge creation.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`

	// SimilarNeighbors is how many candidates are examined per event.
	SimilarNeighbors int `koanf:"similar_neighbors"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Partition == "" {
		c.Partition = "default"
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.80
	}
	if c.SimilarNeighbors <= 0 {
		c.SimilarNeighbors = 3
	}
}

// Worker consolidates ledger events into the graph.
type Worker struct {
	ledger   ledger.Ledger
	payloads ledger.PayloadStore
	store    graph.Store
	resolver *entity.Resolver
	engine   *conflict.Engine
	index    *similarity.Index
	cursors  CursorStore
	config   Config
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	// lastInSession caches the most recent consolidated event per
	// session so FOLLOWS edges do not rescan the graph per event.
	lastInSession map[string]sessionTail
}

type sessionTail struct {
	node     graph.NodeID
	position uint64
}

// NewWorker wires a consolidation worker. payloads, index and metrics
// may be nil; the corresponding features degrade gracefully.
func NewWorker(
	led ledger.Ledger,
	payloads ledger.PayloadStore,
	store graph.Store,
	resolver *entity.Resolver,
	engine *conflict.Engine,
	index *similarity.Index,
	cursors CursorStore,
	cfg Config,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) (*Worker, error) {
	if led == nil || store == nil || resolver == nil || engine == nil || cursors == nil {
		return nil, fmt.Errorf("consolidate: ledger, store, resolver, engine and cursors are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Worker{
		ledger:        led,
		payloads:      payloads,
		store:         store,
		resolver:      resolver,
		engine:        engine,
		index:         index,
		cursors:       cursors,
		config:        cfg,
		logger:        logger,
		metrics:       metrics,
		lastInSession: make(map[string]sessionTail),
	}, nil
}

// Run cycles until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("consolidation cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch and commits the cursor. Returns the
// number of events consolidated (including skipped and failed ones;
// the cursor advanced past all of them).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	pos, err := w.cursors.Load(ctx, w.config.Partition)
	if err != nil {
		return 0, err
	}

	events, err := w.ledger.ReadFrom(ctx, pos+1, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reading ledger from %d: %w", pos+1, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	for _, e := range events {
		if !w.owns(e.SessionID) {
			pos = e.GlobalPosition
			continue
		}
		if err := w.processWithRetry(ctx, e); err != nil {
			// Retry budget exhausted: flag and move on rather than
			// blocking the cursor on one poisoned event.
			w.markUnconsolidated(ctx, e)
			w.metrics.RecordConsolidationFailure(ctx)
			w.logger.Error("event marked unconsolidated",
				zap.String("event_id", e.EventID),
				zap.Uint64("position", e.GlobalPosition),
				zap.Error(err))
		} else {
			w.metrics.RecordConsolidated(ctx)
		}
		pos = e.GlobalPosition
	}

	if err := w.cursors.Commit(ctx, w.config.Partition, pos); err != nil {
		return 0, err
	}
	w.metrics.RecordBatch(ctx, time.Since(start).Seconds())
	return len(events), nil
}

// owns reports whether this worker's partition covers the session.
func (w *Worker) owns(sessionID string) bool {
	if w.config.PartitionCount <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32())%w.config.PartitionCount == w.config.PartitionIndex
}

func (w *Worker) processWithRetry(ctx context.Context, e *ledger.Event) error {
	var lastErr error
	for attempt := 0; attempt < w.config.RetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = w.processEvent(ctx, e); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// EventNodeID maps an event to its graph node ID.
func EventNodeID(eventID string) graph.NodeID {
	return graph.NodeID("evt_" + eventID)
}

// eventNode projects an event's metadata onto its graph node.
func eventNode(e *ledger.Event) *graph.Node {
	return &graph.Node{
		ID:   EventNodeID(e.EventID),
		Kind: graph.KindEvent,
		Properties: map[string]any{
			PropEventType:      e.EventType,
			PropSessionID:      e.SessionID,
			PropAgentID:        e.AgentID,
			PropTraceID:        e.TraceID,
			PropOccurredAt:     e.OccurredAt.UTC().Format(time.RFC3339Nano),
			PropPayloadRef:     e.PayloadRef,
			PropGlobalPosition: float64(e.GlobalPosition),
		},
	}
}

// processEvent performs all stage-1 projections for one event. Every
// write is an idempotent upsert, so partial failures are safely
// re-run.
func (w *Worker) processEvent(ctx context.Context, e *ledger.Event) error {
	doc := w.loadPayload(ctx, e)
	nodeID := EventNodeID(e.EventID)

	if err := w.store.UpsertNode(ctx, eventNode(e)); err != nil {
		return fmt.Errorf("upserting event node: %w", err)
	}

	if err := w.linkFollows(ctx, e, nodeID); err != nil {
		return err
	}
	if err := w.linkCause(ctx, e, nodeID); err != nil {
		return err
	}
	if err := w.linkReferences(ctx, e, doc, nodeID); err != nil {
		return err
	}
	if err := w.linkSimilar(ctx, e, doc, nodeID); err != nil {
		return err
	}
	if err := w.synthesizeKnowledge(ctx, e, doc, nodeID); err != nil {
		return err
	}

	w.lastInSession[e.SessionID] = sessionTail{node: nodeID, position: e.GlobalPosition}
	return nil
}

func (w *Worker) loadPayload(ctx context.Context, e *ledger.Event) payloadDoc {
	if e.PayloadRef == "" || w.payloads == nil {
		return payloadDoc{}
	}
	raw, err := w.payloads.Get(ctx, e.PayloadRef)
	if err != nil {
		// Erased payloads are expected (erasure requests); anything
		// else degrades this event to metadata-only consolidation.
		if !errors.Is(err, ledger.ErrPayloadErased) {
			w.logger.Warn("payload unavailable",
				zap.String("event_id", e.EventID),
				zap.String("payload_ref", e.PayloadRef),
				zap.Error(err))
		}
		return payloadDoc{}
	}
	return parsePayload(raw)
}

// linkFollows creates the strict per-session temporal edge from the
// previous session event to this one.
func (w *Worker) linkFollows(ctx context.Context, e *ledger.Event, nodeID graph.NodeID) error {
	prev, ok, err := w.previousInSession(ctx, e.SessionID, e.GlobalPosition)
	if err != nil {
		return err
	}
	if !ok {
		return nil // first event of the session
	}
	edge := &graph.Edge{Type: graph.EdgeFollows, From: prev, To: nodeID}
	if err := w.store.UpsertEdge(ctx, edge); err != nil {
		return fmt.Errorf("linking FOLLOWS: %w", err)
	}
	return nil
}

// previousInSession returns the session's latest event node strictly
// before the given position, consulting the cache first and falling
// back to a graph scan after restarts.
func (w *Worker) previousInSession(ctx context.Context, sessionID string, before uint64) (graph.NodeID, bool, error) {
	if tail, ok := w.lastInSession[sessionID]; ok && tail.position < before {
		return tail.node, true, nil
	}

	nodes, err := w.store.FindNodes(ctx, graph.NodeFilter{
		Kind:          graph.KindEvent,
		PropertyEqual: map[string]any{PropSessionID: sessionID},
	})
	if err != nil {
		return "", false, err
	}
	var best graph.NodeID
	var bestPos uint64
	for _, n := range nodes {
		p, _ := n.Properties[PropGlobalPosition].(float64)
		pos := uint64(p)
		if pos < before && pos >= bestPos && pos > 0 {
			best, bestPos = n.ID, pos
		}
	}
	if best == "" {
		return "", false, nil
	}
	return best, true, nil
}

// linkCause creates the CAUSED_BY edge to the event's same-trace
// parent when the parent has already been consolidated.
func (w *Worker) linkCause(ctx context.Context, e *ledger.Event, nodeID graph.NodeID) error {
	if e.ParentEventID == "" {
		return nil
	}
	parent := EventNodeID(e.ParentEventID)
	if _, err := w.store.GetNode(ctx, parent); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			w.logger.Debug("causal parent not yet consolidated",
				zap.String("event_id", e.EventID),
				zap.String("parent_event_id", e.ParentEventID))
			return nil
		}
		return err
	}
	edge := &graph.Edge{Type: graph.EdgeCausedBy, From: nodeID, To: parent}
	if err := w.store.UpsertEdge(ctx, edge); err != nil {
		return fmt.Errorf("linking CAUSED_BY: %w", err)
	}
	return nil
}

// linkReferences resolves mentions at the exact tier and creates
// role-carrying REFERENCES edges.
func (w *Worker) linkReferences(ctx context.Context, e *ledger.Event, doc payloadDoc, nodeID graph.NodeID) error {
	for _, m := range mentionsFrom(e, doc) {
		entityID, err := w.resolver.ResolveExact(ctx, m, occurredOrNow(e))
		if err != nil {
			return fmt.Errorf("resolving mention %q: %w", m.Name, err)
		}
		edge := &graph.Edge{
			Type:       graph.EdgeReferences,
			From:       nodeID,
			To:         entityID,
			Properties: map[string]any{"role": m.Role},
		}
		if err := w.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("linking REFERENCES: %w", err)
		}
	}
	return nil
}

// linkSimilar indexes the event text and connects it to its nearest
// neighbors above the similarity threshold.
func (w *Worker) linkSimilar(ctx context.Context, e *ledger.Event, doc payloadDoc, nodeID graph.NodeID) error {
	if w.index == nil || doc.Text == "" {
		return nil
	}
	if err := w.index.Add(ctx, similarity.CollectionEvents, string(nodeID), doc.Text,
		map[string]string{"session_id": e.SessionID}); err != nil {
		return fmt.Errorf("indexing event text: %w", err)
	}
	matches, err := w.index.Query(ctx, similarity.CollectionEvents, doc.Text, w.config.SimilarNeighbors+1, nil)
	if err != nil {
		return fmt.Errorf("querying similar events: %w", err)
	}
	for _, m := range matches {
		if m.ID == string(nodeID) || m.Similarity < w.config.SimilarityThreshold {
			continue
		}
		edge := &graph.Edge{
			Type:       graph.EdgeSimilarTo,
			From:       nodeID,
			To:         graph.NodeID(m.ID),
			Properties: map[string]any{"score": m.Similarity},
		}
		if err := w.store.UpsertEdge(ctx, edge); err != nil {
			// The neighbor may be an unconsolidated node from another
			// partition; similarity edges are best effort.
			w.logger.Debug("similarity edge skipped", zap.Error(err))
		}
	}
	return nil
}

// synthesizeKnowledge inlines stage-1 knowledge synthesis for explicit
// preference events: no extraction model is involved, the statement
// itself is the evidence.
func (w *Worker) synthesizeKnowledge(ctx context.Context, e *ledger.Event, doc payloadDoc, nodeID graph.NodeID) error {
	userID := userIDFor(e, doc)
	rec := synthesizePreference(e, doc, userID)
	if rec == nil {
		return nil
	}

	userEntity, err := w.resolver.ResolveExact(ctx,
		entity.Mention{Name: userID, Type: entity.TypeUser, Role: "agent"}, occurredOrNow(e))
	if err != nil {
		return fmt.Errorf("resolving user entity: %w", err)
	}

	res, err := w.engine.Resolve(ctx, rec)
	if err != nil {
		return fmt.Errorf("resolving knowledge candidate: %w", err)
	}
	if res.Decision == conflict.DecisionNoop || res.Record == nil {
		return nil
	}

	knowledgeNode := res.Record.NodeID()
	attach := &graph.Edge{Type: res.Record.AttachEdgeType(), From: userEntity, To: knowledgeNode}
	if err := w.store.UpsertEdge(ctx, attach); err != nil {
		return fmt.Errorf("attaching knowledge: %w", err)
	}

	// Mandatory provenance: every knowledge node points back at the
	// event(s) it was derived from.
	provenance := &graph.Edge{Type: graph.EdgeDerivedFrom, From: knowledgeNode, To: nodeID}
	if err := w.store.UpsertEdge(ctx, provenance); err != nil {
		return fmt.Errorf("linking DERIVED_FROM: %w", err)
	}
	return nil
}

// markUnconsolidated flags the event node for manual inspection after
// the retry budget is exhausted.
func (w *Worker) markUnconsolidated(ctx context.Context, e *ledger.Event) {
	node := eventNode(e)
	node.Properties[PropUnconsolidated] = true
	if err := w.store.UpsertNode(ctx, node); err != nil {
		w.logger.Error("failed to flag unconsolidated event",
			zap.String("event_id", e.EventID), zap.Error(err))
	}
}

// Rebuild drops the graph and similarity index and replays the full
// ledger from position zero. This is the system's ultimate recovery
// path: the graph is disposable, the ledger is the truth.
func (w *Worker) Rebuild(ctx context.Context) (int, error) {
	if err := w.store.Reset(ctx); err != nil {
		return 0, fmt.Errorf("resetting graph: %w", err)
	}
	if w.index != nil {
		if err := w.index.Reset(ctx); err != nil {
			return 0, fmt.Errorf("resetting similarity index: %w", err)
		}
	}
	if err := w.cursors.Commit(ctx, w.config.Partition, 0); err != nil {
		return 0, err
	}
	w.lastInSession = make(map[string]sessionTail)

	total := 0
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}
