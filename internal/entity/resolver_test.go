package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tracegraph/internal/embeddings"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Billing Service", "billing service"},
		{"  billing   service  ", "billing service"},
		{"billing-service!", "billing-service"},
		{"GPT-4", "gpt-4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestIDFor_CanonicalPerNameAndType(t *testing.T) {
	assert.Equal(t, IDFor("Billing Service", TypeService), IDFor("billing  service", TypeService))
	assert.NotEqual(t, IDFor("billing service", TypeService), IDFor("billing service", TypeConcept))
}

func TestMention_Validate(t *testing.T) {
	assert.NoError(t, Mention{Name: "grep", Type: TypeTool}.Validate())
	assert.ErrorIs(t, Mention{Name: " ", Type: TypeTool}.Validate(), ErrInvalidMention)
	assert.ErrorIs(t, Mention{Name: "x", Type: "planet"}.Validate(), ErrInvalidMention)
}

func newResolver(t *testing.T, withIndex bool) (*Resolver, graph.Store) {
	t.Helper()
	store := graph.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	var idx *similarity.Index
	if withIndex {
		var err error
		idx, err = similarity.NewIndex(embeddings.NewLocalProvider(256))
		require.NoError(t, err)
	}
	r, err := NewResolver(store, idx, ResolverConfig{}, nil)
	require.NoError(t, err)
	return r, store
}

func TestResolver_ExactTierMergesIdenticalMentions(t *testing.T) {
	r, store := newResolver(t, false)
	ctx := context.Background()
	now := time.Now()

	id1, err := r.ResolveExact(ctx, Mention{Name: "Billing Service", Type: TypeService}, now)
	require.NoError(t, err)
	id2, err := r.ResolveExact(ctx, Mention{Name: "billing  service", Type: TypeService}, now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	node, err := store.GetNode(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, float64(2), node.Properties[PropMentionCount])

	count, err := store.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResolver_ExactTierPreservesFirstSeen(t *testing.T) {
	r, store := newResolver(t, false)
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, err := r.ResolveExact(ctx, Mention{Name: "grep", Type: TypeTool}, first)
	require.NoError(t, err)
	_, err = r.ResolveExact(ctx, Mention{Name: "grep", Type: TypeTool}, first.Add(48*time.Hour))
	require.NoError(t, err)

	node, err := store.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Format(time.RFC3339Nano), node.Properties[PropFirstSeen])
	assert.Equal(t, first.Add(48*time.Hour).Format(time.RFC3339Nano), node.Properties[PropLastSeen])
}

func TestResolver_CloseTierLinksWithoutMerging(t *testing.T) {
	r, store := newResolver(t, true)
	ctx := context.Background()
	now := time.Now()

	id1, err := r.ResolveExact(ctx, Mention{Name: "billing payments service", Type: TypeService}, now)
	require.NoError(t, err)
	id2, err := r.ResolveExact(ctx, Mention{Name: "billing payments services", Type: TypeService}, now)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	links, err := r.ResolveClose(ctx, id2, false)
	require.NoError(t, err)
	require.NotEmpty(t, links)
	assert.Equal(t, graph.EdgeSameAs, links[0].EdgeType)
	assert.Equal(t, id1, links[0].Other)

	// Both canonical nodes still exist: linked, not merged.
	_, err = store.GetNode(ctx, id1)
	assert.NoError(t, err)
	_, err = store.GetNode(ctx, id2)
	assert.NoError(t, err)

	// The SAME_AS edge carries confidence and justification.
	edges, err := store.Outgoing(ctx, id2, graph.EdgeSameAs)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.NotEmpty(t, edges[0].Properties["justification"])
	conf, ok := edges[0].Properties["confidence"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, conf, 0.92)
}

func TestResolver_DissimilarEntitiesNotLinked(t *testing.T) {
	r, store := newResolver(t, true)
	ctx := context.Background()
	now := time.Now()

	_, err := r.ResolveExact(ctx, Mention{Name: "postgres database", Type: TypeService}, now)
	require.NoError(t, err)
	id, err := r.ResolveExact(ctx, Mention{Name: "customer support inbox", Type: TypeService}, now)
	require.NoError(t, err)

	links, err := r.ResolveClose(ctx, id, true)
	require.NoError(t, err)
	assert.Empty(t, links)

	edges, err := store.Outgoing(ctx, id, graph.EdgeSameAs, graph.EdgeRelatedTo)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestResolverConfig_Validate(t *testing.T) {
	cfg := ResolverConfig{CloseThreshold: 0.5, RelatedThreshold: 0.8}
	assert.Error(t, cfg.Validate())
}
