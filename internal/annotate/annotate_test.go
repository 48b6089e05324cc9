package annotate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

func TestSweepAppliesAccessCounters(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	require.NoError(t, store.UpsertNode(ctx, &graph.Node{ID: "evt_a", Kind: graph.KindEvent}))

	tracker := NewTracker()
	a, err := NewAnnotator(store, tracker, Config{}, nil)
	require.NoError(t, err)

	tracker.Touch("evt_a")
	tracker.Touch("evt_a")
	tracker.Touch("evt_missing")

	require.NoError(t, a.Sweep(ctx))

	node, err := store.GetNode(ctx, "evt_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), node.AccessCount)
	assert.False(t, node.LastAccessed.IsZero())
	assert.Greater(t, node.DecayScore, 0.9)

	// Counters drain on sweep; a second sweep is a no-op.
	require.NoError(t, a.Sweep(ctx))
	node, err = store.GetNode(ctx, "evt_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), node.AccessCount)
}

func TestScoreDecaysWithAge(t *testing.T) {
	a, err := NewAnnotator(graph.NewMemoryStore(), NewTracker(), Config{HalfLife: 24 * time.Hour}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	fresh := &graph.Node{LastAccessed: now}
	stale := &graph.Node{LastAccessed: now.Add(-24 * time.Hour)}
	ancient := &graph.Node{LastAccessed: now.Add(-10 * 24 * time.Hour)}

	assert.InDelta(t, 1.0, a.Score(fresh), 1e-9)
	assert.InDelta(t, 0.5, a.Score(stale), 1e-9)
	assert.Less(t, a.Score(ancient), 0.01)

	// Frequently accessed nodes decay more slowly.
	popular := &graph.Node{LastAccessed: now.Add(-24 * time.Hour), AccessCount: 100}
	assert.Greater(t, a.Score(popular), a.Score(stale))
}

func TestScoreFallsBackToCreation(t *testing.T) {
	a, err := NewAnnotator(graph.NewMemoryStore(), NewTracker(), Config{HalfLife: 24 * time.Hour}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	n := &graph.Node{CreatedAt: now.Add(-48 * time.Hour)}
	assert.InDelta(t, 0.25, a.Score(n), 1e-9)
}
