package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/annotate"
	"github.com/fyrsmithlabs/tracegraph/internal/conflict"
	"github.com/fyrsmithlabs/tracegraph/internal/embeddings"
	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		query string
		want  Intent
	}{
		{"why did the deploy fail", IntentWhy},
		{"what caused the outage", IntentWhy},
		{"when did we last touch billing", IntentWhen},
		{"what do you know about me", IntentWhat},
		{"what are the user's preferences", IntentWhat},
		{"what contact method does the user prefer for billing disputes", IntentWhat},
		{"anything similar to this error", IntentRelated},
		{"billing service staging", IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyIntent(tt.query))
		})
	}
}

func TestWeightsForUnknownIntent(t *testing.T) {
	assert.Equal(t, WeightsFor(IntentGeneral), WeightsFor(Intent("nonsense")))
}

// testGraph holds a hand-built fixture: a six-event FOLLOWS chain with
// the first event indexed, plus one active preference derived from it.
type testGraph struct {
	store  graph.Store
	index  *similarity.Index
	engine *conflict.Engine

	events  []graph.NodeID
	prefID  graph.NodeID
	ownerID graph.NodeID
}

func buildGraph(t *testing.T) *testGraph {
	t.Helper()
	ctx := context.Background()
	g := &testGraph{store: graph.NewMemoryStore()}

	var err error
	g.index, err = similarity.NewIndex(embeddings.NewLocalProvider(64))
	require.NoError(t, err)
	g.engine, err = conflict.NewEngine(g.store, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		id := graph.NodeID(fmt.Sprintf("evt_chain-%d", i))
		require.NoError(t, g.store.UpsertNode(ctx, &graph.Node{
			ID:   id,
			Kind: graph.KindEvent,
			Properties: map[string]any{
				"session_id": "sess-a",
			},
		}))
		if i > 0 {
			require.NoError(t, g.store.UpsertEdge(ctx, &graph.Edge{
				Type: graph.EdgeFollows, From: g.events[i-1], To: id,
			}))
		}
		g.events = append(g.events, id)
	}
	require.NoError(t, g.index.Add(ctx, similarity.CollectionEvents,
		string(g.events[0]), "deploy the billing service to staging", nil))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &knowledge.Record{
		UserID:           "user-1",
		Category:         knowledge.CategoryPreference,
		Key:              "contact.disputes",
		Statement:        "prefers email for disputes",
		Source:           knowledge.SourceExplicit,
		Confidence:       0.85,
		Evidence:         "I prefer email for disputes",
		FirstObservedAt:  now,
		LastConfirmedAt:  now,
		ObservationCount: 1,
		Stability:        0.3,
		SchemaVersion:    knowledge.SchemaVersion,
		Preference:       &knowledge.PreferenceAttrs{Polarity: knowledge.PolarityPositive, Strength: 0.8},
	}
	res, err := g.engine.Resolve(ctx, rec)
	require.NoError(t, err)
	g.prefID = res.Record.NodeID()

	g.ownerID = entity.IDFor("user-1", entity.TypeUser)
	ownerNode, err := entity.NewNode(entity.Mention{Name: "user-1", Type: entity.TypeUser}, now)
	require.NoError(t, err)
	require.NoError(t, g.store.UpsertNode(ctx, ownerNode))
	require.NoError(t, g.store.UpsertEdge(ctx, &graph.Edge{
		Type: graph.EdgeHasPreference, From: g.ownerID, To: g.prefID,
	}))
	require.NoError(t, g.store.UpsertEdge(ctx, &graph.Edge{
		Type: graph.EdgeDerivedFrom, From: g.prefID, To: g.events[0],
	}))
	return g
}

func (g *testGraph) retriever(t *testing.T, cfg Config, tracker *annotate.Tracker) *Retriever {
	t.Helper()
	r, err := NewRetriever(g.store, g.index, g.engine, tracker, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return r
}

func TestRetrieveSemanticAnchor(t *testing.T) {
	g := buildGraph(t)
	r := g.retriever(t, Config{}, nil)

	resp, err := r.Retrieve(context.Background(), Query{Text: "deploy the billing service to staging"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, g.events[0], resp.Items[0].Node.ID)
	assert.Equal(t, 0, resp.Items[0].Depth)
	assert.False(t, resp.Truncated)
}

func TestRetrieveKnowledgeAnchor(t *testing.T) {
	g := buildGraph(t)
	r := g.retriever(t, Config{}, nil)

	resp, err := r.Retrieve(context.Background(), Query{
		Text:   "what are the email preferences for disputes",
		UserID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, IntentWhat, resp.Intent)

	var item *Item
	for i := range resp.Items {
		if resp.Items[i].Node.ID == g.prefID {
			item = &resp.Items[i]
		}
	}
	require.NotNil(t, item, "active preference should anchor the result")
	assert.Equal(t, []graph.NodeID{g.events[0]}, item.Provenance)
}

func TestRetrieveDepthBoundIsNotTruncation(t *testing.T) {
	g := buildGraph(t)
	r := g.retriever(t, Config{MaxDepth: 2}, nil)

	resp, err := r.Retrieve(context.Background(), Query{
		Text:   "deploy the billing service to staging",
		Intent: IntentGeneral,
	})
	require.NoError(t, err)
	assert.False(t, resp.Truncated)

	// The tail of the chain sits five hops out, beyond the depth
	// bound. Its absence is an out-of-range answer, not truncation.
	for _, item := range resp.Items {
		assert.NotEqual(t, g.events[5], item.Node.ID)
		assert.LessOrEqual(t, item.Depth, 2)
	}
}

func TestRetrieveNodeBudgetTruncates(t *testing.T) {
	g := buildGraph(t)
	r := g.retriever(t, Config{MaxNodes: 2, MaxDepth: 5}, nil)

	resp, err := r.Retrieve(context.Background(), Query{
		Text:   "deploy the billing service to staging",
		Intent: IntentWhen,
	})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, 2, resp.Visited)
}

func TestRetrieveNoAnchors(t *testing.T) {
	g := buildGraph(t)
	r, err := NewRetriever(g.store, nil, g.engine, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, err)

	resp, err := r.Retrieve(context.Background(), Query{Text: "zzz qqq xyzzy"})
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.False(t, resp.Truncated)
}

func TestRetrieveTouchesTracker(t *testing.T) {
	g := buildGraph(t)
	tracker := annotate.NewTracker()
	r := g.retriever(t, Config{}, tracker)

	_, err := r.Retrieve(context.Background(), Query{Text: "deploy the billing service to staging"})
	require.NoError(t, err)

	a, err := annotate.NewAnnotator(g.store, tracker, annotate.Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Sweep(context.Background()))

	node, err := g.store.GetNode(context.Background(), g.events[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, node.AccessCount, int64(1))
}

func TestLineageForKnowledgeNode(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	r := g.retriever(t, Config{}, nil)

	// Supersede the preference so the chain has two links.
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rec := &knowledge.Record{
		UserID:           "user-1",
		Category:         knowledge.CategoryPreference,
		Key:              "contact.disputes",
		Statement:        "prefers SMS for disputes",
		Source:           knowledge.SourceExplicit,
		Confidence:       0.85,
		Evidence:         "actually, SMS is fine",
		FirstObservedAt:  now,
		LastConfirmedAt:  now,
		ObservationCount: 1,
		Stability:        0.3,
		SchemaVersion:    knowledge.SchemaVersion,
		Preference:       &knowledge.PreferenceAttrs{Polarity: knowledge.PolarityPositive, Strength: 0.8},
	}
	res, err := g.engine.Resolve(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, conflict.DecisionSupersede, res.Decision)

	lineage, err := r.LineageFor(ctx, g.prefID)
	require.NoError(t, err)
	require.Len(t, lineage.Chain, 2)
	assert.Equal(t, "prefers email for disputes", lineage.Chain[0].Statement)
	assert.Equal(t, "prefers SMS for disputes", lineage.Chain[1].Statement)

	require.Len(t, lineage.Sources, 1)
	assert.Equal(t, g.events[0], lineage.Sources[0].ID)
}

func TestLineageForMissingNode(t *testing.T) {
	g := buildGraph(t)
	r := g.retriever(t, Config{}, nil)

	_, err := r.LineageFor(context.Background(), "evt_nope")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}
