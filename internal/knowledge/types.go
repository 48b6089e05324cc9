// Package knowledge defines the typed knowledge records derived from
// interaction events: preferences, skills, interests and behavioral
// patterns.
//
// Records are a closed tagged union: the Category selects exactly one
// variant struct, validated at the boundary. Free-form attribute maps
// are deliberately not supported. Records are versioned and carry a
// supersession pointer that forms an acyclic, singly-linked history
// chain; superseded records are retained, never deleted.
package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
)

// Common errors for knowledge record validation.
var (
	ErrInvalidRecord     = errors.New("knowledge: invalid record")
	ErrUnknownCategory   = errors.New("knowledge: unknown category")
	ErrUnknownSource     = errors.New("knowledge: unknown source")
	ErrConfidenceRange   = errors.New("knowledge: confidence outside [0,1]")
	ErrVariantMismatch   = errors.New("knowledge: variant does not match category")
	ErrMissingEvidence   = errors.New("knowledge: evidence quote is required")
	ErrMissingProvenance = errors.New("knowledge: at least one source event is required")
)

// SchemaVersion is the current knowledge record schema version.
// Enum values are additive-only; consumers tolerate unknown values.
const SchemaVersion = 1

// Category enumerates the knowledge variants.
type Category string

const (
	CategoryPreference Category = "preference"
	CategorySkill      Category = "skill"
	CategoryInterest   Category = "interest"
	CategoryPattern    Category = "behavioral_pattern"
)

// Source classifies how a record was obtained. The source determines
// the expected confidence band and the entailment bar applied during
// extraction validation.
type Source string

const (
	SourceExplicit              Source = "explicit"
	SourceImplicitIntentional   Source = "implicit_intentional"
	SourceImplicitUnintentional Source = "implicit_unintentional"
	SourceInferred              Source = "inferred"
)

// Polarity of a preference.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityNeutral  Polarity = "neutral"
)

// Band is an inclusive confidence range.
type Band struct {
	Low  float64
	High float64
}

// confidenceBands maps each source to its expected confidence band.
// Explicit statements start at 0.7 per the confidence-bounds contract;
// inferred knowledge never starts above 0.7.
var confidenceBands = map[Source]Band{
	SourceExplicit:              {Low: 0.7, High: 1.0},
	SourceImplicitIntentional:   {Low: 0.5, High: 0.9},
	SourceImplicitUnintentional: {Low: 0.3, High: 0.8},
	SourceInferred:              {Low: 0.1, High: 0.7},
}

// BandFor returns the expected confidence band for a source.
func BandFor(s Source) (Band, bool) {
	b, ok := confidenceBands[s]
	return b, ok
}

// PreferenceAttrs holds the preference variant.
type PreferenceAttrs struct {
	Polarity Polarity `json:"polarity"`
	Strength float64  `json:"strength"`
}

// SkillAttrs holds the skill variant.
type SkillAttrs struct {
	Proficiency float64 `json:"proficiency"`
}

// InterestAttrs holds the interest variant.
type InterestAttrs struct {
	Strength float64 `json:"strength"`
}

// PatternAttrs holds the behavioral-pattern variant.
type PatternAttrs struct {
	// Consistency measures how reliably the pattern repeats, in [0,1].
	Consistency float64 `json:"consistency"`

	// SessionSpan is the number of distinct sessions the pattern was
	// observed across. Patterns require cross-session corroboration.
	SessionSpan int `json:"session_span"`
}

// Record is a versioned knowledge node.
type Record struct {
	UserID   string   `json:"user_id"`
	Category Category `json:"category"`

	// Key is the normalized subject of the record within its category,
	// e.g. "communication.disputes.channel". Records with the same
	// (user, category, key, about) compete in conflict resolution.
	Key string `json:"key"`

	// Statement is the human-readable content of the record.
	Statement string `json:"statement"`

	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`

	// Evidence is the verbatim span from the source text that supports
	// this record. Mandatory: extraction without located evidence is
	// treated as hallucination.
	Evidence string `json:"evidence"`

	FirstObservedAt  time.Time `json:"first_observed_at"`
	LastConfirmedAt  time.Time `json:"last_confirmed_at"`
	ObservationCount int       `json:"observation_count"`

	// Stability is decay resistance in [0,1]; reinforced records decay
	// more slowly.
	Stability float64 `json:"stability"`

	// SupersededBy holds the node ID of the record that replaced this
	// one. Empty for active records; written at most once.
	SupersededBy string `json:"superseded_by,omitempty"`

	// AboutEntity is the graph node ID of the entity this record is
	// about, if any.
	AboutEntity string `json:"about_entity,omitempty"`

	SchemaVersion int `json:"schema_version"`

	// Revision disambiguates re-assertions of a previously superseded
	// statement. Zero for first assertions; the conflict engine bumps
	// it when the same statement re-enters an existing history chain,
	// which keeps supersession pointers acyclic.
	Revision int `json:"revision,omitempty"`

	// Exactly one variant must be set, matching Category.
	Preference *PreferenceAttrs `json:"preference,omitempty"`
	Skill      *SkillAttrs      `json:"skill,omitempty"`
	Interest   *InterestAttrs   `json:"interest,omitempty"`
	Pattern    *PatternAttrs    `json:"pattern,omitempty"`
}

// Validate checks the record's shape, enum membership, numeric ranges
// and variant/category agreement.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRecord)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Statement) == "" {
		return fmt.Errorf("%w: statement is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Evidence) == "" {
		return ErrMissingEvidence
	}
	if _, ok := confidenceBands[r.Source]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, r.Source)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrConfidenceRange, r.Confidence)
	}
	if r.Stability < 0 || r.Stability > 1 {
		return fmt.Errorf("%w: stability %v outside [0,1]", ErrInvalidRecord, r.Stability)
	}
	if r.SchemaVersion < 1 {
		return fmt.Errorf("%w: schema_version must be >= 1", ErrInvalidRecord)
	}
	return r.validateVariant()
}

func (r *Record) validateVariant() error {
	set := 0
	if r.Preference != nil {
		set++
	}
	if r.Skill != nil {
		set++
	}
	if r.Interest != nil {
		set++
	}
	if r.Pattern != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one variant must be set, got %d", ErrVariantMismatch, set)
	}

	switch r.Category {
	case CategoryPreference:
		if r.Preference == nil {
			return fmt.Errorf("%w: category %s without preference attrs", ErrVariantMismatch, r.Category)
		}
		switch r.Preference.Polarity {
		case PolarityPositive, PolarityNegative, PolarityNeutral:
		default:
			return fmt.Errorf("%w: unknown polarity %q", ErrInvalidRecord, r.Preference.Polarity)
		}
		if r.Preference.Strength < 0 || r.Preference.Strength > 1 {
			return fmt.Errorf("%w: strength %v outside [0,1]", ErrInvalidRecord, r.Preference.Strength)
		}
	case CategorySkill:
		if r.Skill == nil {
			return fmt.Errorf("%w: category %s without skill attrs", ErrVariantMismatch, r.Category)
		}
		if r.Skill.Proficiency < 0 || r.Skill.Proficiency > 1 {
			return fmt.Errorf("%w: proficiency %v outside [0,1]", ErrInvalidRecord, r.Skill.Proficiency)
		}
	case CategoryInterest:
		if r.Interest == nil {
			return fmt.Errorf("%w: category %s without interest attrs", ErrVariantMismatch, r.Category)
		}
		if r.Interest.Strength < 0 || r.Interest.Strength > 1 {
			return fmt.Errorf("%w: strength %v outside [0,1]", ErrInvalidRecord, r.Interest.Strength)
		}
	case CategoryPattern:
		if r.Pattern == nil {
			return fmt.Errorf("%w: category %s without pattern attrs", ErrVariantMismatch, r.Category)
		}
		if r.Pattern.Consistency < 0 || r.Pattern.Consistency > 1 {
			return fmt.Errorf("%w: consistency %v outside [0,1]", ErrInvalidRecord, r.Pattern.Consistency)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, r.Category)
	}
	return nil
}

// NodeID derives the deterministic graph node ID for this record.
// The statement participates in the key, so a superseding record with
// different content gets its own node while re-extraction of the same
// content converges on one node.
func (r *Record) NodeID() graph.NodeID {
	parts := []string{
		r.UserID,
		string(r.Category),
		r.Key,
		normalizeStatement(r.Statement),
	}
	if r.Revision > 0 {
		parts = append(parts, fmt.Sprintf("rev%d", r.Revision))
	}
	return graph.DeriveNodeID("knw", strings.Join(parts, "\x00"))
}

// ConflictKey identifies the scope within which records compete:
// (user, category, key, about-entity).
func (r *Record) ConflictKey() string {
	return strings.Join([]string{r.UserID, string(r.Category), r.Key, r.AboutEntity}, "\x00")
}

// AttachEdgeType returns the HAS_* edge type linking the user entity
// to this record.
func (r *Record) AttachEdgeType() graph.EdgeType {
	switch r.Category {
	case CategorySkill:
		return graph.EdgeHasSkill
	case CategoryInterest:
		return graph.EdgeHasInterest
	case CategoryPattern:
		return graph.EdgeHasPattern
	default:
		return graph.EdgeHasPreference
	}
}

func normalizeStatement(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
