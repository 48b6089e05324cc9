package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

func validPreference() *Record {
	now := time.Now()
	return &Record{
		UserID:           "user-1",
		Category:         CategoryPreference,
		Key:              "communication.disputes.channel",
		Statement:        "prefers email for disputes",
		Source:           SourceExplicit,
		Confidence:       0.85,
		Evidence:         "I prefer email for disputes",
		FirstObservedAt:  now,
		LastConfirmedAt:  now,
		ObservationCount: 1,
		Stability:        0.5,
		SchemaVersion:    SchemaVersion,
		Preference:       &PreferenceAttrs{Polarity: PolarityPositive, Strength: 0.8},
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr error
	}{
		{"valid", func(r *Record) {}, nil},
		{"missing user", func(r *Record) { r.UserID = "" }, ErrInvalidRecord},
		{"missing key", func(r *Record) { r.Key = "" }, ErrInvalidRecord},
		{"missing statement", func(r *Record) { r.Statement = "  " }, ErrInvalidRecord},
		{"missing evidence", func(r *Record) { r.Evidence = "" }, ErrMissingEvidence},
		{"unknown source", func(r *Record) { r.Source = "psychic" }, ErrUnknownSource},
		{"confidence too high", func(r *Record) { r.Confidence = 1.2 }, ErrConfidenceRange},
		{"confidence negative", func(r *Record) { r.Confidence = -0.1 }, ErrConfidenceRange},
		{"no variant", func(r *Record) { r.Preference = nil }, ErrVariantMismatch},
		{"two variants", func(r *Record) { r.Skill = &SkillAttrs{Proficiency: 0.5} }, ErrVariantMismatch},
		{"wrong variant", func(r *Record) {
			r.Preference = nil
			r.Skill = &SkillAttrs{Proficiency: 0.5}
		}, ErrVariantMismatch},
		{"unknown category", func(r *Record) { r.Category = "habit" }, ErrUnknownCategory},
		{"bad polarity", func(r *Record) { r.Preference.Polarity = "meh" }, ErrInvalidRecord},
		{"strength out of range", func(r *Record) { r.Preference.Strength = 2 }, ErrInvalidRecord},
		{"zero schema version", func(r *Record) { r.SchemaVersion = 0 }, ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validPreference()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRecord_ValidateSkillAndPattern(t *testing.T) {
	r := validPreference()
	r.Category = CategorySkill
	r.Preference = nil
	r.Skill = &SkillAttrs{Proficiency: 0.6}
	assert.NoError(t, r.Validate())

	r.Skill.Proficiency = 1.5
	assert.Error(t, r.Validate())

	p := validPreference()
	p.Category = CategoryPattern
	p.Preference = nil
	p.Pattern = &PatternAttrs{Consistency: 0.7, SessionSpan: 3}
	assert.NoError(t, p.Validate())
}

func TestBandFor(t *testing.T) {
	band, ok := BandFor(SourceExplicit)
	require.True(t, ok)
	assert.Equal(t, 0.7, band.Low)
	assert.Equal(t, 1.0, band.High)

	band, ok = BandFor(SourceInferred)
	require.True(t, ok)
	assert.Equal(t, 0.7, band.High)

	_, ok = BandFor("psychic")
	assert.False(t, ok)
}

func TestRecord_NodeIDDeterminism(t *testing.T) {
	a := validPreference()
	b := validPreference()
	assert.Equal(t, a.NodeID(), b.NodeID())

	// Whitespace and case in the statement do not change identity.
	b.Statement = "  Prefers EMAIL   for disputes "
	assert.Equal(t, a.NodeID(), b.NodeID())

	// A different statement is a different node.
	b.Statement = "prefers sms for disputes"
	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

func TestRecord_NodeRoundTrip(t *testing.T) {
	r := validPreference()
	n, err := r.ToNode()
	require.NoError(t, err)
	assert.Equal(t, graph.KindKnowledge, n.Kind)
	assert.Equal(t, true, n.Properties[PropActive])
	assert.Equal(t, "user-1", n.Properties[PropUserID])

	back, err := FromNode(n)
	require.NoError(t, err)
	assert.Equal(t, r.Statement, back.Statement)
	assert.Equal(t, r.Preference.Polarity, back.Preference.Polarity)
	assert.Equal(t, r.ConflictKey(), back.ConflictKey())
}

func TestRecord_AttachEdgeType(t *testing.T) {
	r := validPreference()
	assert.Equal(t, graph.EdgeHasPreference, r.AttachEdgeType())
	r.Category = CategorySkill
	assert.Equal(t, graph.EdgeHasSkill, r.AttachEdgeType())
	r.Category = CategoryInterest
	assert.Equal(t, graph.EdgeHasInterest, r.AttachEdgeType())
	r.Category = CategoryPattern
	assert.Equal(t, graph.EdgeHasPattern, r.AttachEdgeType())
}
