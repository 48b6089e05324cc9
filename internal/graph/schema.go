package graph

import (
	"fmt"
)

// endpointRule constrains the node kinds an edge type may connect.
type endpointRule struct {
	from []NodeKind
	to   []NodeKind
}

// propertyRule validates a single edge or node property.
type propertyRule struct {
	required bool
	check    func(v any) error
}

// edgeRules is the closed registry of legal edge types. Unknown edge
// types are rejected; new types are added here, never inferred.
var edgeRules = map[EdgeType]endpointRule{
	EdgeFollows:       {from: []NodeKind{KindEvent}, to: []NodeKind{KindEvent}},
	EdgeCausedBy:      {from: []NodeKind{KindEvent}, to: []NodeKind{KindEvent}},
	EdgeSimilarTo:     {from: []NodeKind{KindEvent}, to: []NodeKind{KindEvent}},
	EdgeReferences:    {from: []NodeKind{KindEvent}, to: []NodeKind{KindEntity}},
	EdgeSameAs:        {from: []NodeKind{KindEntity}, to: []NodeKind{KindEntity}},
	EdgeRelatedTo:     {from: []NodeKind{KindEntity}, to: []NodeKind{KindEntity}},
	EdgeAbout:         {from: []NodeKind{KindKnowledge}, to: []NodeKind{KindEntity}},
	EdgeHasPreference: {from: []NodeKind{KindEntity}, to: []NodeKind{KindKnowledge}},
	EdgeHasSkill:      {from: []NodeKind{KindEntity}, to: []NodeKind{KindKnowledge}},
	EdgeHasInterest:   {from: []NodeKind{KindEntity}, to: []NodeKind{KindKnowledge}},
	EdgeHasPattern:    {from: []NodeKind{KindEntity}, to: []NodeKind{KindKnowledge}},
	EdgeDerivedFrom:   {from: []NodeKind{KindKnowledge, KindSummary}, to: []NodeKind{KindEvent, KindSummary}},
	EdgeSummarizes:    {from: []NodeKind{KindSummary}, to: []NodeKind{KindEvent, KindSummary}},
}

// referenceRoles enumerates legal values for the REFERENCES role
// property.
var referenceRoles = map[string]struct{}{
	"agent":       {},
	"instrument":  {},
	"object":      {},
	"result":      {},
	"participant": {},
}

// edgePropertyRules validates edge properties per type. Properties not
// listed here pass through unvalidated; consumers must tolerate
// unrecognized keys (additive schema evolution).
var edgePropertyRules = map[EdgeType]map[string]propertyRule{
	EdgeSimilarTo: {
		"score": {required: true, check: unitInterval},
	},
	EdgeReferences: {
		"role": {required: true, check: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("role must be a string")
			}
			if _, ok := referenceRoles[s]; !ok {
				return fmt.Errorf("unknown role %q", s)
			}
			return nil
		}},
	},
	EdgeSameAs: {
		"confidence":    {required: true, check: unitInterval},
		"justification": {required: true, check: nonEmptyString},
	},
	EdgeRelatedTo: {
		"confidence":    {required: true, check: unitInterval},
		"justification": {required: false, check: nonEmptyString},
	},
}

func unitInterval(v any) error {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("must be numeric")
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("value %v outside [0,1]", f)
	}
	return nil
}

func nonEmptyString(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return fmt.Errorf("must be a non-empty string")
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ValidateNode checks node identity fields before any write.
func ValidateNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	switch n.Kind {
	case KindEvent, KindEntity, KindKnowledge, KindSummary:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidNode, n.Kind)
	}
	return nil
}

// ValidateEdge checks edge shape and per-type property rules. Endpoint
// existence and kind constraints are enforced by the store at write
// time via CheckEndpoints, since only the store can see both nodes.
func ValidateEdge(e *Edge) error {
	if e == nil {
		return fmt.Errorf("%w: nil edge", ErrInvalidEdge)
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidEdge)
	}
	if _, ok := edgeRules[e.Type]; !ok {
		return fmt.Errorf("%w: unknown edge type %q", ErrInvalidEdge, e.Type)
	}
	rules := edgePropertyRules[e.Type]
	for name, rule := range rules {
		v, present := e.Properties[name]
		if !present {
			if rule.required {
				return fmt.Errorf("%w: %s edge missing %q", ErrInvalidEdge, e.Type, name)
			}
			continue
		}
		if err := rule.check(v); err != nil {
			return fmt.Errorf("%w: %s property %q: %v", ErrInvalidEdge, e.Type, name, err)
		}
	}
	if e.ID == "" {
		e.ID = EdgeIDFor(e.Type, e.From, e.To)
	}
	return nil
}

// CheckEndpoints enforces the per-edge-type endpoint kind constraint
// given the two resolved endpoint nodes.
func CheckEndpoints(e *Edge, from, to *Node) error {
	rule, ok := edgeRules[e.Type]
	if !ok {
		return fmt.Errorf("%w: unknown edge type %q", ErrInvalidEdge, e.Type)
	}
	if from == nil || to == nil {
		return fmt.Errorf("%w: %s %s -> %s", ErrMissingEndpoint, e.Type, e.From, e.To)
	}
	if !kindAllowed(from.Kind, rule.from) {
		return fmt.Errorf("%w: %s cannot originate at %s node %s", ErrInvalidEdge, e.Type, from.Kind, from.ID)
	}
	if !kindAllowed(to.Kind, rule.to) {
		return fmt.Errorf("%w: %s cannot terminate at %s node %s", ErrInvalidEdge, e.Type, to.Kind, to.ID)
	}
	return nil
}

func kindAllowed(k NodeKind, allowed []NodeKind) bool {
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

// KnowledgeEdgeTypes lists the HAS_* attachment edge types.
func KnowledgeEdgeTypes() []EdgeType {
	return []EdgeType{EdgeHasPreference, EdgeHasSkill, EdgeHasInterest, EdgeHasPattern}
}
