// Package entity reconciles mentions of real-world referents (agents,
// users, tools, services, resources, concepts) into canonical graph
// nodes.
//
// Resolution runs at three tiers of decreasing certainty:
//
//   - exact: deterministic name+type normalization. Mentions that
//     normalize identically share one node. Irreversible, confidence
//     1.0, used inline during consolidation.
//   - close: embedding similarity above a high threshold. Produces a
//     SAME_AS link edge carrying confidence and justification; the
//     nodes are never merged.
//   - related: lower similarity. Produces a RELATED_TO link edge.
//
// Over-merging is strictly worse than under-merging, so only the exact
// tier collapses mentions into one node.
package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

// Common errors.
var (
	ErrInvalidMention = errors.New("entity: invalid mention")
)

// Type enumerates entity types.
type Type string

const (
	TypeAgent    Type = "agent"
	TypeUser     Type = "user"
	TypeTool     Type = "tool"
	TypeService  Type = "service"
	TypeResource Type = "resource"
	TypeConcept  Type = "concept"
)

// knownTypes gates mention validation. Unknown types in stored data
// are tolerated by readers; new mentions must use a known type.
var knownTypes = map[Type]struct{}{
	TypeAgent: {}, TypeUser: {}, TypeTool: {},
	TypeService: {}, TypeResource: {}, TypeConcept: {},
}

// Entity node property names.
const (
	PropName         = "name"
	PropEntityType   = "entity_type"
	PropNormalized   = "normalized"
	PropFirstSeen    = "first_seen"
	PropLastSeen     = "last_seen"
	PropMentionCount = "mention_count"
)

// Mention is a raw reference to an entity found in an event.
type Mention struct {
	Name string
	Type Type

	// Role the entity plays in the referencing event: agent,
	// instrument, object, result or participant.
	Role string
}

// Validate checks mention shape.
func (m Mention) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMention)
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMention, m.Type)
	}
	return nil
}

// Normalize canonicalizes an entity name: lowercase, collapsed
// whitespace, trimmed punctuation.
func Normalize(name string) string {
	trimmed := strings.TrimFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(strings.Fields(trimmed), " ")
}

// IDFor derives the deterministic node ID for a (name, type) pair.
// One canonical node exists per (normalized name, type).
func IDFor(name string, t Type) graph.NodeID {
	return graph.DeriveNodeID("ent", Normalize(name)+"\x00"+string(t))
}

// NewNode builds the canonical entity node for a mention at the given
// observation time.
func NewNode(m Mention, seenAt time.Time) (*graph.Node, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &graph.Node{
		ID:   IDFor(m.Name, m.Type),
		Kind: graph.KindEntity,
		Properties: map[string]any{
			PropName:         strings.TrimSpace(m.Name),
			PropEntityType:   string(m.Type),
			PropNormalized:   Normalize(m.Name),
			PropFirstSeen:    seenAt.UTC().Format(time.RFC3339Nano),
			PropLastSeen:     seenAt.UTC().Format(time.RFC3339Nano),
			PropMentionCount: float64(1),
		},
	}, nil
}

// Touch updates an existing entity node's last_seen and mention_count
// for a new observation. first_seen is preserved.
func Touch(n *graph.Node, seenAt time.Time) {
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	count, _ := n.Properties[PropMentionCount].(float64)
	n.Properties[PropMentionCount] = count + 1
	n.Properties[PropLastSeen] = seenAt.UTC().Format(time.RFC3339Nano)
}
