package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		edgeType EdgeType
		want     Family
	}{
		{EdgeFollows, FamilyTemporal},
		{EdgeCausedBy, FamilyCausal},
		{EdgeSimilarTo, FamilySemantic},
		{EdgeReferences, FamilyEntity},
		{EdgeSameAs, FamilyEntity},
		{EdgeHasPreference, FamilyEntity},
		{EdgeDerivedFrom, FamilySummary},
		{EdgeSummarizes, FamilySummary},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FamilyOf(tt.edgeType), string(tt.edgeType))
	}
}

func TestValidateEdge_PropertyRules(t *testing.T) {
	tests := []struct {
		name    string
		edge    *Edge
		wantErr bool
	}{
		{
			name: "references requires role",
			edge: &Edge{Type: EdgeReferences, From: "e1", To: "ent1"},

			wantErr: true,
		},
		{
			name: "references with valid role",
			edge: &Edge{Type: EdgeReferences, From: "e1", To: "ent1",
				Properties: map[string]any{"role": "instrument"}},
			wantErr: false,
		},
		{
			name: "references with unknown role",
			edge: &Edge{Type: EdgeReferences, From: "e1", To: "ent1",
				Properties: map[string]any{"role": "villain"}},
			wantErr: true,
		},
		{
			name: "similar_to requires score",
			edge: &Edge{Type: EdgeSimilarTo, From: "e1", To: "e2"},

			wantErr: true,
		},
		{
			name: "similar_to score out of range",
			edge: &Edge{Type: EdgeSimilarTo, From: "e1", To: "e2",
				Properties: map[string]any{"score": 1.5}},
			wantErr: true,
		},
		{
			name: "same_as requires confidence and justification",
			edge: &Edge{Type: EdgeSameAs, From: "a", To: "b",
				Properties: map[string]any{"confidence": 0.95}},
			wantErr: true,
		},
		{
			name: "same_as complete",
			edge: &Edge{Type: EdgeSameAs, From: "a", To: "b",
				Properties: map[string]any{"confidence": 0.95, "justification": "alias"}},
			wantErr: false,
		},
		{
			name:    "unknown edge type",
			edge:    &Edge{Type: EdgeType("KNOWS"), From: "a", To: "b"},
			wantErr: true,
		},
		{
			name:    "empty endpoint",
			edge:    &Edge{Type: EdgeFollows, From: "", To: "b"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEdge(tt.edge)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEdge_AssignsDeterministicID(t *testing.T) {
	e1 := &Edge{Type: EdgeFollows, From: "a", To: "b"}
	e2 := &Edge{Type: EdgeFollows, From: "a", To: "b"}
	require.NoError(t, ValidateEdge(e1))
	require.NoError(t, ValidateEdge(e2))
	assert.Equal(t, e1.ID, e2.ID)
}

func TestEdgeIDFor_UndirectedCanonicalization(t *testing.T) {
	// SIMILAR_TO is undirected: either endpoint order yields one ID.
	assert.Equal(t, EdgeIDFor(EdgeSimilarTo, "a", "b"), EdgeIDFor(EdgeSimilarTo, "b", "a"))

	// Directed types keep order significant.
	assert.NotEqual(t, EdgeIDFor(EdgeFollows, "a", "b"), EdgeIDFor(EdgeFollows, "b", "a"))
}

func TestCheckEndpoints(t *testing.T) {
	event := &Node{ID: "ev", Kind: KindEvent}
	entity := &Node{ID: "en", Kind: KindEntity}
	knowledge := &Node{ID: "kn", Kind: KindKnowledge}
	summary := &Node{ID: "su", Kind: KindSummary}

	tests := []struct {
		name     string
		edgeType EdgeType
		from, to *Node
		wantErr  bool
	}{
		{"follows event to event", EdgeFollows, event, event, false},
		{"follows rejects entity endpoint", EdgeFollows, event, entity, true},
		{"references event to entity", EdgeReferences, event, entity, false},
		{"references rejects reversed", EdgeReferences, entity, event, true},
		{"derived_from knowledge to event", EdgeDerivedFrom, knowledge, event, false},
		{"derived_from summary to event", EdgeDerivedFrom, summary, event, false},
		{"derived_from rejects entity source", EdgeDerivedFrom, entity, event, true},
		{"summarizes summary to summary", EdgeSummarizes, summary, summary, false},
		{"has_skill entity to knowledge", EdgeHasSkill, entity, knowledge, false},
		{"about knowledge to entity", EdgeAbout, knowledge, entity, false},
		{"missing endpoint", EdgeFollows, event, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Edge{Type: tt.edgeType, From: "x", To: "y"}
			err := CheckEndpoints(e, tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
