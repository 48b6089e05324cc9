// Package similarity provides the embedding-similarity index used for
// SIMILAR_TO edge derivation, close/related entity resolution and
// retrieval anchor scoring.
//
// The index is backed by chromem-go, an embeddable vector database
// with no external service dependency. Like the graph, the index is
// disposable: it is repopulated during consolidation and replay.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/fyrsmithlabs/tracegraph/internal/embeddings"
)

// Collection names used by the engine.
const (
	CollectionEvents   = "events"
	CollectionEntities = "entities"
	CollectionNodes    = "nodes"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("similarity: invalid config")
)

// Match is a nearest-neighbor result.
type Match struct {
	ID         string
	Content    string
	Similarity float64
	Metadata   map[string]string
}

// Index wraps chromem-go collections keyed by name.
type Index struct {
	db       *chromem.DB
	provider embeddings.Provider

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewIndex creates an in-memory similarity index.
func NewIndex(provider embeddings.Provider) (*Index, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	return &Index{
		db:          chromem.NewDB(),
		provider:    provider,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// NewPersistentIndex creates an index persisted under dir.
func NewPersistentIndex(dir string, provider embeddings.Provider, compress bool) (*Index, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, fmt.Errorf("opening similarity index: %w", err)
	}
	return &Index{
		db:          db,
		provider:    provider,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (i *Index) collection(name string) (*chromem.Collection, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.collections[name]; ok {
		return c, nil
	}
	c, err := i.db.GetOrCreateCollection(name, nil, chromem.EmbeddingFunc(embeddings.EmbeddingFunc(i.provider)))
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}
	i.collections[name] = c
	return c, nil
}

// Add indexes content under id in the named collection. Re-adding the
// same id replaces the previous document, keeping the index idempotent
// with respect to event replay.
func (i *Index) Add(ctx context.Context, collection, id, content string, metadata map[string]string) error {
	if id == "" || content == "" {
		return fmt.Errorf("%w: id and content are required", ErrInvalidConfig)
	}
	c, err := i.collection(collection)
	if err != nil {
		return err
	}
	doc := chromem.Document{ID: id, Content: content, Metadata: metadata}
	if err := c.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns up to k nearest neighbors for the query text.
func (i *Index) Query(ctx context.Context, collection, query string, k int, where map[string]string) ([]Match, error) {
	c, err := i.collection(collection)
	if err != nil {
		return nil, err
	}
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := c.Query(ctx, query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	out := make([]Match, len(results))
	for idx, r := range results {
		out[idx] = Match{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			Metadata:   r.Metadata,
		}
	}
	return out, nil
}

// Count returns the number of indexed documents in a collection.
func (i *Index) Count(collection string) int {
	c, err := i.collection(collection)
	if err != nil {
		return 0
	}
	return c.Count()
}

// Reset drops all collections. Called before a full replay.
func (i *Index) Reset(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for name := range i.collections {
		if err := i.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("deleting collection %s: %w", name, err)
		}
	}
	i.collections = make(map[string]*chromem.Collection)
	return nil
}
