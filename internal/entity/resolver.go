package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
)

// ResolverConfig tunes the similarity tiers.
type ResolverConfig struct {
	// CloseThreshold is the minimum similarity for a SAME_AS link.
	// Default 0.92.
	CloseThreshold float64 `koanf:"close_threshold"`

	// RelatedThreshold is the minimum similarity for a RELATED_TO
	// link. Default 0.75.
	RelatedThreshold float64 `koanf:"related_threshold"`

	// Neighbors is how many candidates to examine per mention.
	// Default 5.
	Neighbors int `koanf:"neighbors"`
}

// ApplyDefaults fills unset fields.
func (c *ResolverConfig) ApplyDefaults() {
	if c.CloseThreshold == 0 {
		c.CloseThreshold = 0.92
	}
	if c.RelatedThreshold == 0 {
		c.RelatedThreshold = 0.75
	}
	if c.Neighbors == 0 {
		c.Neighbors = 5
	}
}

// Validate checks threshold ordering.
func (c *ResolverConfig) Validate() error {
	if c.CloseThreshold <= c.RelatedThreshold {
		return fmt.Errorf("entity: close threshold %v must exceed related threshold %v",
			c.CloseThreshold, c.RelatedThreshold)
	}
	if c.CloseThreshold > 1 || c.RelatedThreshold < 0 {
		return fmt.Errorf("entity: thresholds must lie in [0,1]")
	}
	return nil
}

// Resolver reconciles mentions against the graph.
type Resolver struct {
	store  graph.Store
	index  *similarity.Index
	config ResolverConfig
	logger *zap.Logger
}

// NewResolver creates a resolver. The index may be nil, in which case
// only the exact tier is available.
func NewResolver(store graph.Store, index *similarity.Index, cfg ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("entity: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{store: store, index: index, config: cfg, logger: logger}, nil
}

// ResolveExact performs tier-1 resolution: upsert the canonical node
// for the mention's (normalized name, type) and index the name for the
// later tiers. Returns the canonical node ID.
func (r *Resolver) ResolveExact(ctx context.Context, m Mention, seenAt time.Time) (graph.NodeID, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id := IDFor(m.Name, m.Type)

	existing, err := r.store.GetNode(ctx, id)
	switch {
	case err == nil:
		Touch(existing, seenAt)
		if err := r.store.UpsertNode(ctx, existing); err != nil {
			return "", fmt.Errorf("updating entity %s: %w", id, err)
		}
	case errors.Is(err, graph.ErrNotFound):
		node, err := NewNode(m, seenAt)
		if err != nil {
			return "", err
		}
		if err := r.store.UpsertNode(ctx, node); err != nil {
			return "", fmt.Errorf("creating entity %s: %w", id, err)
		}
	default:
		return "", err
	}

	if r.index != nil {
		meta := map[string]string{"entity_type": string(m.Type)}
		if err := r.index.Add(ctx, similarity.CollectionEntities, string(id), Normalize(m.Name), meta); err != nil {
			// Index failures degrade close/related resolution but must
			// not fail consolidation.
			r.logger.Warn("entity index update failed",
				zap.String("entity_id", string(id)),
				zap.Error(err))
		}
	}
	return id, nil
}

// LinkResult describes a tier-2/3 outcome.
type LinkResult struct {
	EdgeType   graph.EdgeType
	Other      graph.NodeID
	Confidence float64
}

// ResolveClose performs tier-2 resolution for an existing entity node:
// it searches the index for near-duplicate entities of the same type
// and creates SAME_AS links above the close threshold. Tier-3
// (RELATED_TO) links are created for the band between the related and
// close thresholds when relatedTier is true.
//
// Nodes are never merged here; links carry confidence and a
// justification so a later review can collapse or sever them.
func (r *Resolver) ResolveClose(ctx context.Context, id graph.NodeID, relatedTier bool) ([]LinkResult, error) {
	if r.index == nil {
		return nil, nil
	}
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized, _ := node.Properties[PropNormalized].(string)
	entityType, _ := node.Properties[PropEntityType].(string)
	if normalized == "" {
		return nil, fmt.Errorf("entity: node %s has no normalized name", id)
	}

	matches, err := r.index.Query(ctx, similarity.CollectionEntities, normalized,
		r.config.Neighbors, map[string]string{"entity_type": entityType})
	if err != nil {
		return nil, err
	}

	var links []LinkResult
	for _, m := range matches {
		if m.ID == string(id) {
			continue
		}
		var edgeType graph.EdgeType
		switch {
		case m.Similarity >= r.config.CloseThreshold:
			edgeType = graph.EdgeSameAs
		case relatedTier && m.Similarity >= r.config.RelatedThreshold:
			edgeType = graph.EdgeRelatedTo
		default:
			continue
		}

		edge := &graph.Edge{
			Type: edgeType,
			From: id,
			To:   graph.NodeID(m.ID),
			Properties: map[string]any{
				"confidence": m.Similarity,
				"justification": fmt.Sprintf("name similarity %.3f between %q and %q",
					m.Similarity, normalized, m.Content),
			},
		}
		if err := r.store.UpsertEdge(ctx, edge); err != nil {
			return nil, fmt.Errorf("linking %s to %s: %w", id, m.ID, err)
		}
		links = append(links, LinkResult{EdgeType: edgeType, Other: graph.NodeID(m.ID), Confidence: m.Similarity})
	}
	return links, nil
}
