package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/annotate"
	"github.com/fyrsmithlabs/tracegraph/internal/conflict"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// Config bounds retrieval traversals.
type Config struct {
	// MaxDepth is how many hops from an anchor the traversal expands.
	// Depth is part of the query contract: exhausting it is normal
	// completion, not truncation.
	MaxDepth int `koanf:"max_depth"`

	// MaxNodes caps visited nodes; hitting it truncates the result.
	MaxNodes int `koanf:"max_nodes"`

	// Timeout caps one traversal; hitting it truncates the result.
	Timeout time.Duration `koanf:"timeout"`

	// MaxResults caps the returned item list.
	MaxResults int `koanf:"max_results"`

	// MinScore prunes frontier entries whose score fell below it.
	MinScore float64 `koanf:"min_score"`

	// AnchorLimit is how many anchors seed the traversal.
	AnchorLimit int `koanf:"anchor_limit"`

	// MinAnchorSimilarity drops weak semantic matches from the anchor
	// set.
	MinAnchorSimilarity float64 `koanf:"min_anchor_similarity"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 500
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 20
	}
	if c.MinScore == 0 {
		c.MinScore = 0.05
	}
	if c.AnchorLimit <= 0 {
		c.AnchorLimit = 5
	}
	if c.MinAnchorSimilarity == 0 {
		c.MinAnchorSimilarity = 0.2
	}
}

// Query is one retrieval request.
type Query struct {
	Text   string
	UserID string

	// Intent overrides classification when set.
	Intent Intent

	// MaxDepth overrides the configured depth when positive.
	MaxDepth int
}

// Item is one retrieved node with its traversal context.
type Item struct {
	Node  *graph.Node
	Score float64
	Depth int

	// Via is the edge type that led to this node, empty for anchors.
	Via graph.EdgeType

	// Provenance lists the nodes this item was derived from, letting
	// callers trace any claim back to ledger events.
	Provenance []graph.NodeID
}

// Response is an assembled context answer.
type Response struct {
	Intent Intent
	Items  []Item

	// Truncated is true when a node or time budget cut the traversal
	// short. Exhausting the depth bound or the graph leaves it false.
	Truncated bool

	Visited int
	Elapsed time.Duration
}

// Lineage traces one node back to its sources.
type Lineage struct {
	Node *graph.Node

	// Chain is the supersession history for knowledge nodes, starting
	// at the requested record and following superseded_by pointers
	// forward.
	Chain []*knowledge.Record

	// Sources are the nodes this one was derived from or summarizes.
	Sources []*graph.Node
}

// Retriever answers context queries over the graph.
type Retriever struct {
	store   graph.Store
	index   *similarity.Index
	engine  *conflict.Engine
	tracker *annotate.Tracker
	config  Config
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewRetriever wires a retriever. index, tracker and metrics may be
// nil; semantic anchoring, access tracking and instrumentation degrade
// gracefully.
func NewRetriever(store graph.Store, index *similarity.Index, engine *conflict.Engine, tracker *annotate.Tracker, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Retriever, error) {
	if store == nil || engine == nil {
		return nil, fmt.Errorf("retrieval: store and engine are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Retriever{
		store:   store,
		index:   index,
		engine:  engine,
		tracker: tracker,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Retrieve classifies the query, scores anchors and runs the bounded
// weighted traversal.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	intent := q.Intent
	if intent == "" {
		intent = ClassifyIntent(q.Text)
	}
	weights := WeightsFor(intent)

	anchors, err := r.anchors(ctx, q)
	if err != nil {
		return nil, err
	}

	maxDepth := r.config.MaxDepth
	if q.MaxDepth > 0 {
		maxDepth = q.MaxDepth
	}

	items, visited, truncated, err := r.traverse(ctx, anchors, weights, maxDepth)
	if err != nil {
		return nil, err
	}

	if err := r.attachProvenance(ctx, items); err != nil {
		return nil, err
	}
	if r.tracker != nil {
		for _, item := range items {
			r.tracker.Touch(item.Node.ID)
		}
	}

	elapsed := time.Since(start)
	r.metrics.RecordTraversal(ctx, truncated, elapsed.Seconds())
	r.logger.Debug("retrieval finished",
		zap.String("intent", string(intent)),
		zap.Int("anchors", len(anchors)),
		zap.Int("visited", visited),
		zap.Int("items", len(items)),
		zap.Bool("truncated", truncated),
		zap.Duration("elapsed", elapsed))

	return &Response{
		Intent:    intent,
		Items:     items,
		Truncated: truncated,
		Visited:   visited,
		Elapsed:   elapsed,
	}, nil
}

// anchor is a traversal seed.
type anchor struct {
	id    graph.NodeID
	score float64
}

// anchors scores entry points for the traversal: semantic neighbors
// from the similarity index plus lexically matching active knowledge
// records, with a decay-based recency factor.
func (r *Retriever) anchors(ctx context.Context, q Query) ([]anchor, error) {
	scores := make(map[graph.NodeID]float64)

	if r.index != nil && q.Text != "" {
		for _, coll := range []string{similarity.CollectionEvents, similarity.CollectionNodes} {
			matches, err := r.index.Query(ctx, coll, q.Text, r.config.AnchorLimit, nil)
			if err != nil {
				return nil, fmt.Errorf("querying similarity index: %w", err)
			}
			for _, m := range matches {
				if m.Similarity < r.config.MinAnchorSimilarity {
					continue
				}
				if m.Similarity > scores[graph.NodeID(m.ID)] {
					scores[graph.NodeID(m.ID)] = m.Similarity
				}
			}
		}
	}

	filter := graph.NodeFilter{Kind: graph.KindKnowledge}
	if q.UserID != "" {
		filter.PropertyEqual = map[string]any{
			knowledge.PropUserID: q.UserID,
			knowledge.PropActive: true,
		}
	} else {
		filter.PropertyEqual = map[string]any{knowledge.PropActive: true}
	}
	records, err := r.store.FindNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	queryTokens := tokenize(q.Text)
	for _, n := range records {
		rec, err := knowledge.FromNode(n)
		if err != nil {
			continue
		}
		lexical := overlap(queryTokens, tokenize(rec.Statement+" "+rec.Key))
		if lexical == 0 {
			continue
		}
		score := 0.6*lexical + 0.4*rec.Confidence
		if score > scores[n.ID] {
			scores[n.ID] = score
		}
	}

	anchors := make([]anchor, 0, len(scores))
	for id, score := range scores {
		node, err := r.store.GetNode(ctx, id)
		if err != nil {
			continue // index entry for a node another partition has not written yet
		}
		if node.DecayScore > 0 {
			score *= 0.5 + 0.5*node.DecayScore
		}
		anchors = append(anchors, anchor{id: id, score: score})
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].score > anchors[j].score })
	if len(anchors) > r.config.AnchorLimit {
		anchors = anchors[:r.config.AnchorLimit]
	}
	return anchors, nil
}

// frontierEntry is a heap element for best-first expansion.
type frontierEntry struct {
	id    graph.NodeID
	score float64
	depth int
	via   graph.EdgeType
}

type frontier []frontierEntry

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return f[i].score > f[j].score }
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(frontierEntry)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	e := old[n-1]
	*f = old[:n-1]
	return e
}

// traverse runs weighted best-first expansion from the anchors.
func (r *Retriever) traverse(ctx context.Context, anchors []anchor, weights map[graph.Family]float64, maxDepth int) ([]Item, int, bool, error) {
	var (
		items     []Item
		truncated bool
	)
	visited := make(map[graph.NodeID]struct{})
	f := &frontier{}
	heap.Init(f)
	for _, a := range anchors {
		heap.Push(f, frontierEntry{id: a.id, score: a.score})
	}

	dampen := 0.85
	for f.Len() > 0 {
		select {
		case <-ctx.Done():
			truncated = true
			return r.finish(items), len(visited), truncated, nil
		default:
		}
		if len(visited) >= r.config.MaxNodes {
			truncated = true
			break
		}

		entry := heap.Pop(f).(frontierEntry)
		if _, seen := visited[entry.id]; seen {
			continue
		}
		visited[entry.id] = struct{}{}

		node, err := r.store.GetNode(ctx, entry.id)
		if err != nil {
			continue
		}
		items = append(items, Item{Node: node, Score: entry.score, Depth: entry.depth, Via: entry.via})

		if entry.depth >= maxDepth {
			continue
		}
		edges, err := r.neighbors(ctx, entry.id)
		if err != nil {
			return nil, len(visited), truncated, err
		}
		for _, e := range edges {
			next := e.To
			if next == entry.id {
				next = e.From
			}
			if _, seen := visited[next]; seen {
				continue
			}
			weight := weights[graph.FamilyOf(e.Type)]
			score := entry.score * weight * dampen
			if score < r.config.MinScore {
				continue
			}
			heap.Push(f, frontierEntry{id: next, score: score, depth: entry.depth + 1, via: e.Type})
		}
	}
	return r.finish(items), len(visited), truncated, nil
}

// finish orders items by score and applies the result cap.
func (r *Retriever) finish(items []Item) []Item {
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > r.config.MaxResults {
		items = items[:r.config.MaxResults]
	}
	return items
}

// neighbors returns both edge directions for a node.
func (r *Retriever) neighbors(ctx context.Context, id graph.NodeID) ([]*graph.Edge, error) {
	out, err := r.store.Outgoing(ctx, id)
	if err != nil {
		return nil, err
	}
	in, err := r.store.Incoming(ctx, id)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

// attachProvenance fills each item's derivation pointers so callers
// can trace claims without another round trip.
func (r *Retriever) attachProvenance(ctx context.Context, items []Item) error {
	for i := range items {
		node := items[i].Node
		if node.Kind != graph.KindKnowledge && node.Kind != graph.KindSummary {
			continue
		}
		edges, err := r.store.Outgoing(ctx, node.ID, graph.EdgeDerivedFrom, graph.EdgeSummarizes)
		if err != nil {
			return err
		}
		for _, e := range edges {
			items[i].Provenance = append(items[i].Provenance, e.To)
		}
	}
	return nil
}

// LineageFor traces a node to its sources: the supersession chain for
// knowledge nodes and the derivation targets for knowledge and summary
// nodes.
func (r *Retriever) LineageFor(ctx context.Context, id graph.NodeID) (*Lineage, error) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	lineage := &Lineage{Node: node}

	if node.Kind == graph.KindKnowledge {
		chain, err := r.engine.Chain(ctx, id)
		if err != nil {
			return nil, err
		}
		lineage.Chain = chain
	}

	edges, err := r.store.Outgoing(ctx, id, graph.EdgeDerivedFrom, graph.EdgeSummarizes, graph.EdgeCausedBy)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		src, err := r.store.GetNode(ctx, e.To)
		if err != nil {
			continue
		}
		lineage.Sources = append(lineage.Sources, src)
	}
	return lineage, nil
}

// tokenize lowercases and splits a string into unique tokens.
func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?\"'()")
		if len(w) > 2 {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

// overlap is the fraction of query tokens present in the target.
func overlap(query, target map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := target[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
