package knowledge

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

// recordProperty is the graph node property under which the serialized
// record lives. Storing the record as one document keeps the tagged
// union intact instead of scattering variant fields across untyped
// properties.
const recordProperty = "record"

// Top-level properties duplicated for filterable queries.
const (
	PropUserID       = "user_id"
	PropCategory     = "category"
	PropKey          = "key"
	PropActive       = "active"
	PropConflictKey  = "conflict_key"
	PropSupersededBy = "superseded_by"
)

// ToNode converts a validated record into its graph node.
func (r *Record) ToNode() (*graph.Node, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &graph.Node{
		ID:   r.NodeID(),
		Kind: graph.KindKnowledge,
		Properties: map[string]any{
			recordProperty:  string(data),
			PropUserID:      r.UserID,
			PropCategory:    string(r.Category),
			PropKey:         r.Key,
			PropActive:      r.SupersededBy == "",
			PropConflictKey: r.ConflictKey(),
		},
	}, nil
}

// FromNode parses a graph node back into a record.
func FromNode(n *graph.Node) (*Record, error) {
	if n == nil || n.Kind != graph.KindKnowledge {
		return nil, fmt.Errorf("%w: not a knowledge node", ErrInvalidRecord)
	}
	raw, ok := n.Properties[recordProperty].(string)
	if !ok {
		return nil, fmt.Errorf("%w: node %s has no record document", ErrInvalidRecord, n.ID)
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decoding record from node %s: %w", n.ID, err)
	}
	return &r, nil
}
