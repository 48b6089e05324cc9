package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
)

func testCandidate(source knowledge.Source, confidence float64, evidence string) Candidate {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Candidate{
		Record: &knowledge.Record{
			UserID:           "user-1",
			Category:         knowledge.CategoryPreference,
			Key:              "communication.style",
			Statement:        "prefers concise answers",
			Source:           source,
			Confidence:       confidence,
			Evidence:         evidence,
			FirstObservedAt:  now,
			LastConfirmedAt:  now,
			ObservationCount: 1,
			Stability:        0.3,
			SchemaVersion:    knowledge.SchemaVersion,
			Preference:       &knowledge.PreferenceAttrs{Polarity: knowledge.PolarityPositive, Strength: 0.8},
		},
	}
}

var testDocs = []Document{
	{EventID: "ev-1", Text: "user said: please keep   answers short, thanks"},
	{EventID: "ev-2", Text: "agent ran a search"},
}

func TestValidatorAcceptsExactEvidence(t *testing.T) {
	v := NewValidator(ValidatorConfig{}, nil)
	verdict := v.Validate(testCandidate(knowledge.SourceExplicit, 0.85, "please keep   answers short"), testDocs)

	require.Equal(t, OutcomeAccepted, verdict.Outcome)
	assert.Equal(t, "ev-1", verdict.Candidate.Span.DocumentID)
	assert.False(t, verdict.Candidate.Span.Approximate)
	assert.Equal(t, []string{"ev-1"}, verdict.Candidate.SourceEvents)
}

func TestValidatorRejectsUnlocatedEvidence(t *testing.T) {
	v := NewValidator(ValidatorConfig{}, nil)
	verdict := v.Validate(testCandidate(knowledge.SourceExplicit, 0.85, "never said this"), testDocs)

	require.Equal(t, OutcomeRejected, verdict.Outcome)
	assert.Contains(t, verdict.Reason, "not found")
}

func TestValidatorEntailmentTiers(t *testing.T) {
	// Whitespace differences force the fuzzy matcher.
	fuzzy := "please keep answers short"
	v := NewValidator(ValidatorConfig{}, nil)

	// Explicit records demand a verbatim quote.
	verdict := v.Validate(testCandidate(knowledge.SourceExplicit, 0.85, fuzzy), testDocs)
	assert.Equal(t, OutcomeRejected, verdict.Outcome)

	// Weaker sources pass with a confidence penalty.
	verdict = v.Validate(testCandidate(knowledge.SourceImplicitIntentional, 0.8, fuzzy), testDocs)
	require.Equal(t, OutcomeAccepted, verdict.Outcome)
	assert.True(t, verdict.Candidate.Span.Approximate)
	assert.InDelta(t, 0.72, verdict.Candidate.Record.Confidence, 1e-9)
}

func TestValidatorClampsConfidenceToBand(t *testing.T) {
	v := NewValidator(ValidatorConfig{}, nil)

	// Inferred knowledge never starts above 0.7.
	c := testCandidate(knowledge.SourceInferred, 0.95, "please keep   answers short")
	verdict := v.Validate(c, testDocs)
	require.Equal(t, OutcomeAdjusted, verdict.Outcome)
	assert.InDelta(t, 0.7, verdict.Candidate.Record.Confidence, 1e-9)

	// Explicit statements never start below 0.7.
	c = testCandidate(knowledge.SourceExplicit, 0.4, "please keep   answers short")
	verdict = v.Validate(c, testDocs)
	require.Equal(t, OutcomeAdjusted, verdict.Outcome)
	assert.InDelta(t, 0.7, verdict.Candidate.Record.Confidence, 1e-9)
}

func TestValidatorPatternFloor(t *testing.T) {
	v := NewValidator(ValidatorConfig{PatternFloor: 0.5, StageMargin: 0.15}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pattern := func(confidence float64) Candidate {
		return Candidate{Record: &knowledge.Record{
			UserID:           "user-1",
			Category:         knowledge.CategoryPattern,
			Key:              "workflow.tests_first",
			Statement:        "writes tests before implementing",
			Source:           knowledge.SourceInferred,
			Confidence:       confidence,
			Evidence:         "agent ran a search",
			FirstObservedAt:  now,
			LastConfirmedAt:  now,
			ObservationCount: 1,
			Stability:        0.3,
			SchemaVersion:    knowledge.SchemaVersion,
			Pattern:          &knowledge.PatternAttrs{Consistency: 0.5, SessionSpan: 2},
		}}
	}

	assert.Equal(t, OutcomeAccepted, v.Validate(pattern(0.55), testDocs).Outcome)

	verdict := v.Validate(pattern(0.4), testDocs)
	assert.Equal(t, OutcomeStaged, verdict.Outcome)
	assert.Contains(t, verdict.Reason, "below floor")

	assert.Equal(t, OutcomeRejected, v.Validate(pattern(0.2), testDocs).Outcome)
}

func TestLocateEvidence(t *testing.T) {
	tests := []struct {
		name        string
		evidence    string
		wantFound   bool
		wantDoc     string
		approximate bool
	}{
		{name: "exact", evidence: "agent ran a search", wantFound: true, wantDoc: "ev-2"},
		{name: "case folded", evidence: "Agent RAN a search", wantFound: true, wantDoc: "ev-2", approximate: true},
		{name: "missing", evidence: "no such text", wantFound: false},
		{name: "empty", evidence: "   ", wantFound: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, ok := locateEvidence(tt.evidence, testDocs)
			require.Equal(t, tt.wantFound, ok)
			if ok {
				assert.Equal(t, tt.wantDoc, span.DocumentID)
				assert.Equal(t, tt.approximate, span.Approximate)
			}
		})
	}
}
