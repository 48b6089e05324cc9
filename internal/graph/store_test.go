package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the shared Store conformance suite against both
// engines.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	memStore := NewMemoryStore()
	t.Cleanup(func() { _ = memStore.Close() })

	return map[string]Store{
		"memory": memStore,
		"badger": badgerStore,
	}
}

func seedEventNodes(t *testing.T, s Store, ids ...NodeID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.UpsertNode(context.Background(), &Node{ID: id, Kind: KindEvent}))
	}
}

func TestStore_UpsertNodeIdempotent(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := &Node{ID: "evt_1", Kind: KindEvent, Properties: map[string]any{"event_type": "tool.execute"}}

			require.NoError(t, s.UpsertNode(ctx, n))
			require.NoError(t, s.UpsertNode(ctx, n))

			count, err := s.NodeCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			got, err := s.GetNode(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, "tool.execute", got.Properties["event_type"])
		})
	}
}

func TestStore_UpsertNodeKindConflict(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "n1", Kind: KindEvent}))
			err := s.UpsertNode(ctx, &Node{ID: "n1", Kind: KindEntity})
			assert.ErrorIs(t, err, ErrKindMismatch)
		})
	}
}

func TestStore_EdgeRequiresEndpoints(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1")

			err := s.UpsertEdge(ctx, &Edge{Type: EdgeFollows, From: "e1", To: "ghost"})
			assert.ErrorIs(t, err, ErrMissingEndpoint)
		})
	}
}

func TestStore_EdgeEndpointKindEnforced(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1")
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "ent1", Kind: KindEntity}))

			// FOLLOWS may not terminate at an entity.
			err := s.UpsertEdge(ctx, &Edge{Type: EdgeFollows, From: "e1", To: "ent1"})
			assert.ErrorIs(t, err, ErrInvalidEdge)
		})
	}
}

func TestStore_UpsertEdgeIdempotent(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1", "e2")

			edge := &Edge{Type: EdgeFollows, From: "e1", To: "e2"}
			require.NoError(t, s.UpsertEdge(ctx, edge))
			require.NoError(t, s.UpsertEdge(ctx, edge))

			count, err := s.EdgeCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestStore_AdjacencyAndViews(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1", "e2", "e3")
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "ent1", Kind: KindEntity}))

			require.NoError(t, s.UpsertEdge(ctx, &Edge{Type: EdgeFollows, From: "e1", To: "e2"}))
			require.NoError(t, s.UpsertEdge(ctx, &Edge{Type: EdgeCausedBy, From: "e2", To: "e1"}))
			require.NoError(t, s.UpsertEdge(ctx, &Edge{Type: EdgeReferences, From: "e1", To: "ent1",
				Properties: map[string]any{"role": "object"}}))

			// Unfiltered outgoing sees both edge families.
			out, err := s.Outgoing(ctx, "e1")
			require.NoError(t, err)
			assert.Len(t, out, 2)

			// Filtering by type selects a single view.
			out, err = s.Outgoing(ctx, "e1", EdgeFollows)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, NodeID("e2"), out[0].To)

			in, err := s.Incoming(ctx, "e1", EdgeCausedBy)
			require.NoError(t, err)
			require.Len(t, in, 1)
			assert.Equal(t, NodeID("e2"), in[0].From)
		})
	}
}

func TestStore_SimilarToVisibleFromBothEndpoints(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1", "e2")

			require.NoError(t, s.UpsertEdge(ctx, &Edge{Type: EdgeSimilarTo, From: "e1", To: "e2",
				Properties: map[string]any{"score": 0.87}}))

			for _, id := range []NodeID{"e1", "e2"} {
				out, err := s.Outgoing(ctx, id, EdgeSimilarTo)
				require.NoError(t, err)
				assert.Len(t, out, 1, "node %s should see the undirected edge", id)
			}
		})
	}
}

func TestStore_FindNodesByKindAndProperty(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "ent_a", Kind: KindEntity,
				Properties: map[string]any{"entity_type": "tool"}}))
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "ent_b", Kind: KindEntity,
				Properties: map[string]any{"entity_type": "user"}}))
			seedEventNodes(t, s, "e1")

			nodes, err := s.FindNodes(ctx, NodeFilter{Kind: KindEntity,
				PropertyEqual: map[string]any{"entity_type": "tool"}})
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, NodeID("ent_a"), nodes[0].ID)
		})
	}
}

func TestStore_UpdateAnnotations(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1")

			seen := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, s.UpdateAnnotations(ctx, "e1", 3, seen, 0.75))

			got, err := s.GetNode(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.AccessCount)
			assert.True(t, got.LastAccessed.Equal(seen))
			assert.InDelta(t, 0.75, got.DecayScore, 1e-9)

			// A later property upsert must not clobber annotations.
			require.NoError(t, s.UpsertNode(ctx, &Node{ID: "e1", Kind: KindEvent, Properties: map[string]any{"event_type": "tool.execute"}}))
			got, err = s.GetNode(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.AccessCount)
			assert.InDelta(t, 0.75, got.DecayScore, 1e-9)

			err = s.UpdateAnnotations(ctx, "missing", 1, seen, 0.5)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Reset(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedEventNodes(t, s, "e1", "e2")
			require.NoError(t, s.UpsertEdge(ctx, &Edge{Type: EdgeFollows, From: "e1", To: "e2"}))

			require.NoError(t, s.Reset(ctx))

			nodes, err := s.NodeCount(ctx)
			require.NoError(t, err)
			assert.Zero(t, nodes)
			edges, err := s.EdgeCount(ctx)
			require.NoError(t, err)
			assert.Zero(t, edges)

			_, err = s.GetNode(ctx, "e1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
