package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_Deterministic(t *testing.T) {
	p := NewLocalProvider(128)
	ctx := context.Background()

	a, err := p.Embed(ctx, []string{"prefers email for disputes"})
	require.NoError(t, err)
	b, err := p.Embed(ctx, []string{"prefers email for disputes"})
	require.NoError(t, err)

	assert.Equal(t, a[0], b[0])
	assert.Len(t, a[0], 128)
}

func TestLocalProvider_SimilarTextsScoreHigher(t *testing.T) {
	p := NewLocalProvider(256)
	ctx := context.Background()

	vecs, err := p.Embed(ctx, []string{
		"prefers email for billing disputes",
		"prefers email for all disputes",
		"deployed the payment service to production",
	})
	require.NoError(t, err)

	near := CosineSimilarity(vecs[0], vecs[1])
	far := CosineSimilarity(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestLocalProvider_MorphologicalVariantsScoreClose(t *testing.T) {
	p := NewLocalProvider(256)
	ctx := context.Background()

	vecs, err := p.Embed(ctx, []string{
		"billing payments service",
		"billing payments services",
		"postgres database",
		"customer support inbox",
	})
	require.NoError(t, err)

	variant := CosineSimilarity(vecs[0], vecs[1])
	assert.GreaterOrEqual(t, variant, 0.92,
		"singular/plural variants should clear the close-match threshold")

	unrelated := CosineSimilarity(vecs[2], vecs[3])
	assert.Less(t, unrelated, 0.75,
		"unrelated descriptions should stay below the related threshold")
}

func TestLocalProvider_EmptyInput(t *testing.T) {
	p := NewLocalProvider(64)
	_, err := p.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestCosineSimilarity_Bounds(t *testing.T) {
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)
}

func TestEmbeddingFunc(t *testing.T) {
	p := NewLocalProvider(32)
	fn := EmbeddingFunc(p)
	vec, err := fn(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 32)
}
