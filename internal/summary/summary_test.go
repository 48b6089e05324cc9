package summary

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/consolidate"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
)

type summaryEnv struct {
	ledger   *ledger.MemoryLedger
	payloads *ledger.MemoryPayloadStore
	store    *graph.MemoryStore
	sum      *Summarizer
}

func newSummaryEnv(t *testing.T) *summaryEnv {
	t.Helper()
	env := &summaryEnv{
		ledger:   ledger.NewMemoryLedger(),
		payloads: ledger.NewMemoryPayloadStore(),
		store:    graph.NewMemoryStore(),
	}
	var err error
	env.sum, err = NewSummarizer(env.ledger, env.payloads, env.store, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	return env
}

// seedEvent appends a ledger event with a text payload and its
// consolidated graph node.
func (env *summaryEnv) seedEvent(t *testing.T, i int, sessionID, text string) *ledger.Event {
	t.Helper()
	ctx := context.Background()
	ref, err := env.payloads.Put(ctx, []byte(fmt.Sprintf(`{"text": %q}`, text)))
	require.NoError(t, err)
	e := &ledger.Event{
		EventID:       fmt.Sprintf("%s-ev-%d", sessionID, i),
		EventType:     "tool.execute",
		OccurredAt:    time.Date(2026, 3, 1, 9, 0, i, 0, time.UTC),
		SessionID:     sessionID,
		AgentID:       "agent-1",
		PayloadRef:    ref,
		SchemaVersion: 1,
	}
	res, err := env.ledger.Append(ctx, e)
	require.NoError(t, err)
	e.GlobalPosition = res.GlobalPosition

	err = env.store.UpsertNode(ctx, &graph.Node{
		ID:   consolidate.EventNodeID(e.EventID),
		Kind: graph.KindEvent,
		Properties: map[string]any{
			consolidate.PropSessionID:      sessionID,
			consolidate.PropGlobalPosition: float64(e.GlobalPosition),
		},
	})
	require.NoError(t, err)
	return e
}

func TestSummarizeSessionLinksEvents(t *testing.T) {
	ctx := context.Background()
	env := newSummaryEnv(t)

	e1 := env.seedEvent(t, 1, "sess-a", "opened the billing dashboard")
	e2 := env.seedEvent(t, 2, "sess-a", "exported the monthly report")
	env.seedEvent(t, 3, "sess-b", "unrelated session")

	node, err := env.sum.SummarizeSession(ctx, "sess-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, NodeIDFor(ScopeSession, "sess-a"), node.ID)
	assert.Equal(t, "user-1", node.Properties[PropUserID])
	assert.Equal(t, float64(2), node.Properties[PropEventCount])

	text, _ := node.Properties[PropText].(string)
	assert.Contains(t, text, "opened the billing dashboard")
	assert.Contains(t, text, "exported the monthly report")

	out, err := env.store.Outgoing(ctx, node.ID, graph.EdgeSummarizes)
	require.NoError(t, err)
	require.Len(t, out, 2)
	targets := map[graph.NodeID]bool{out[0].To: true, out[1].To: true}
	assert.True(t, targets[consolidate.EventNodeID(e1.EventID)])
	assert.True(t, targets[consolidate.EventNodeID(e2.EventID)])

	// Each covered event also gets a provenance edge.
	derived, err := env.store.Outgoing(ctx, node.ID, graph.EdgeDerivedFrom)
	require.NoError(t, err)
	require.Len(t, derived, 2)
	provenance := map[graph.NodeID]bool{derived[0].To: true, derived[1].To: true}
	assert.True(t, provenance[consolidate.EventNodeID(e1.EventID)])
	assert.True(t, provenance[consolidate.EventNodeID(e2.EventID)])
}

func TestSummarizeSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newSummaryEnv(t)
	env.seedEvent(t, 1, "sess-a", "first step")

	_, err := env.sum.SummarizeSession(ctx, "sess-a", "user-1")
	require.NoError(t, err)
	nodes, err := env.store.NodeCount(ctx)
	require.NoError(t, err)

	// Re-summarizing refreshes the same node.
	env.seedEvent(t, 2, "sess-a", "second step")
	_, err = env.sum.SummarizeSession(ctx, "sess-a", "user-1")
	require.NoError(t, err)
	nodes2, err := env.store.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes+1, nodes2) // only the new event node

	node, err := env.store.GetNode(ctx, NodeIDFor(ScopeSession, "sess-a"))
	require.NoError(t, err)
	assert.Equal(t, float64(2), node.Properties[PropEventCount])
}

func TestSummarizeSessionEmpty(t *testing.T) {
	env := newSummaryEnv(t)
	_, err := env.sum.SummarizeSession(context.Background(), "missing", "user-1")
	require.Error(t, err)
}

func TestSummariesForUserOrdering(t *testing.T) {
	ctx := context.Background()
	env := newSummaryEnv(t)

	env.seedEvent(t, 1, "sess-a", "older session")
	env.seedEvent(t, 2, "sess-b", "newer session")

	_, err := env.sum.SummarizeSession(ctx, "sess-a", "user-1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = env.sum.SummarizeSession(ctx, "sess-b", "user-1")
	require.NoError(t, err)

	summaries, err := env.sum.SummariesForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "sess-b", summaries[0].Properties[PropSessionID])
	assert.Equal(t, "sess-a", summaries[1].Properties[PropSessionID])
}

func TestNodeIDForIsDeterministic(t *testing.T) {
	assert.Equal(t, NodeIDFor(ScopeSession, "sess-a"), NodeIDFor(ScopeSession, "sess-a"))
	assert.NotEqual(t, NodeIDFor(ScopeSession, "sess-a"), NodeIDFor(ScopeAgent, "sess-a"))
}
