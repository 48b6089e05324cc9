// Package retrieval serves context queries over the consolidated
// graph: intent-weighted traversal from scored anchors, with bounded
// depth, node and time budgets, and provenance on every returned item.
package retrieval

import (
	"strings"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

// Intent classifies what kind of context a query is after. The intent
// selects a weight vector over edge families, biasing the traversal
// toward the views that can answer it.
type Intent string

const (
	// IntentWhy asks for causes and rationale.
	IntentWhy Intent = "why"

	// IntentWhen asks about ordering and time.
	IntentWhen Intent = "when"

	// IntentWhat asks what is known about the user or an entity.
	IntentWhat Intent = "what"

	// IntentRelated asks for similar or connected material.
	IntentRelated Intent = "related"

	// IntentGeneral is the fallback for everything else.
	IntentGeneral Intent = "general"
)

var intentCues = []struct {
	intent Intent
	words  []string
}{
	{IntentWhy, []string{"why", "because", "cause", "caused", "reason", "rationale", "led to"}},
	{IntentWhen, []string{"when", "before", "after", "order", "first", "last time", "recently", "history"}},
	{IntentWhat, []string{"what do", "know about", "preference", "preferences", "skill", "skills", "interested", "about me", "about the user"}},
	{IntentRelated, []string{"related", "similar", "like this", "comparable", "connected"}},
}

// ClassifyIntent maps a query to an intent with keyword cues. First
// cue wins; a leading "what" catches phrasings the cues miss, and
// queries with no cue are general.
func ClassifyIntent(query string) Intent {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, cue := range intentCues {
		for _, w := range cue.words {
			if strings.Contains(q, w) {
				return cue.intent
			}
		}
	}
	if strings.HasPrefix(q, "what ") {
		return IntentWhat
	}
	return IntentGeneral
}

// intentWeights defines the per-family traversal weights each intent
// uses. Weights scale the score passed across an edge; a zero weight
// prunes the family entirely.
var intentWeights = map[Intent]map[graph.Family]float64{
	IntentWhy: {
		graph.FamilyCausal:   1.0,
		graph.FamilyTemporal: 0.6,
		graph.FamilySummary:  0.5,
		graph.FamilyEntity:   0.4,
		graph.FamilySemantic: 0.3,
	},
	IntentWhen: {
		graph.FamilyTemporal: 1.0,
		graph.FamilyCausal:   0.5,
		graph.FamilySummary:  0.3,
		graph.FamilyEntity:   0.3,
		graph.FamilySemantic: 0.2,
	},
	IntentWhat: {
		graph.FamilyEntity:   1.0,
		graph.FamilySummary:  0.8,
		graph.FamilySemantic: 0.5,
		graph.FamilyTemporal: 0.2,
		graph.FamilyCausal:   0.2,
	},
	IntentRelated: {
		graph.FamilySemantic: 1.0,
		graph.FamilyEntity:   0.8,
		graph.FamilySummary:  0.4,
		graph.FamilyCausal:   0.3,
		graph.FamilyTemporal: 0.2,
	},
	IntentGeneral: {
		graph.FamilyEntity:   0.6,
		graph.FamilySemantic: 0.6,
		graph.FamilySummary:  0.5,
		graph.FamilyCausal:   0.5,
		graph.FamilyTemporal: 0.5,
	},
}

// WeightsFor returns the family weight vector for an intent.
func WeightsFor(intent Intent) map[graph.Family]float64 {
	if w, ok := intentWeights[intent]; ok {
		return w
	}
	return intentWeights[IntentGeneral]
}
