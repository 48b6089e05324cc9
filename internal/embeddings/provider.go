// Package embeddings provides text embedding generation.
//
// The Provider interface abstracts the embedding-similarity service,
// which is an external collaborator. A langchaingo-backed adapter
// covers real providers (TEI, OpenAI); the deterministic local
// provider keeps tests and offline deployments hermetic.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
)

// Common errors.
var (
	ErrEmptyInput  = errors.New("embeddings: empty input")
	ErrNilEmbedder = errors.New("embeddings: nil embedder")
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the output vector size.
	Dimension() int
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// LangchainProvider adapts a langchaingo embedder to Provider.
type LangchainProvider struct {
	embedder  lcembeddings.Embedder
	dimension int
}

// NewLangchainProvider wraps a langchaingo embedder. The dimension
// must match the embedder's output size.
func NewLangchainProvider(embedder lcembeddings.Embedder, dimension int) (*LangchainProvider, error) {
	if embedder == nil {
		return nil, ErrNilEmbedder
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embeddings: dimension must be positive, got %d", dimension)
	}
	return &LangchainProvider{embedder: embedder, dimension: dimension}, nil
}

// Embed generates embeddings via the wrapped embedder.
func (p *LangchainProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	return vectors, nil
}

// Dimension returns the configured vector size.
func (p *LangchainProvider) Dimension() int {
	return p.dimension
}

// LocalProvider is a deterministic hashing embedder.
//
// It hashes boundary-padded character trigrams of each token into a
// fixed-size vector and L2-normalizes. Trigrams rather than whole
// tokens so morphological variants ("service"/"services") land close
// together, which the similarity tiers of entity resolution rely on.
// Not semantically meaningful like a learned model, but stable across
// runs, which is what replay determinism and tests need.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a deterministic local embedder.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalProvider{dimension: dimension}
}

// Embed hashes tokens into the vector space.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range tokenize(text) {
		for _, gram := range trigrams(token) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(gram))
			sum := h.Sum32()
			idx := int(sum) % p.dimension
			if idx < 0 {
				idx += p.dimension
			}
			// Sign from a second hash bit reduces collisions piling
			// up in one direction.
			if sum&0x8000 != 0 {
				vec[idx] -= 1
			} else {
				vec[idx] += 1
			}
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// Dimension returns the vector size.
func (p *LocalProvider) Dimension() int {
	return p.dimension
}

// trigrams returns the character trigrams of a token padded with
// word-boundary markers, so prefixes and suffixes contribute features
// of their own.
func trigrams(token string) []string {
	padded := "\x02" + token + "\x03"
	grams := make([]string, 0, len(padded)-2)
	for i := 0; i+3 <= len(padded); i++ {
		grams = append(grams, padded[i:i+3])
	}
	return grams
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// EmbeddingFunc adapts a Provider to the single-text signature used by
// chromem-go collections.
func EmbeddingFunc(p Provider) func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := p.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	}
}
