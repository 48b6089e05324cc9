package extraction

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
)

// Outcome classifies what validation did with a candidate.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeAdjusted Outcome = "adjusted"
	OutcomeStaged   Outcome = "staged"
	OutcomeRejected Outcome = "rejected"
)

// Verdict is the result of running a candidate through the ontology,
// evidence and gating layers (schema already ran in the extractor).
type Verdict struct {
	Outcome   Outcome
	Candidate Candidate

	// Reason is set for staged and rejected candidates.
	Reason string
}

// ValidatorConfig tunes the post-schema layers.
type ValidatorConfig struct {
	// PatternFloor overrides the gating floor for behavioral patterns.
	// Cross-session claims carry more weight, so the bar is higher
	// than the inferred band minimum.
	PatternFloor float64 `koanf:"pattern_floor"`

	// StageMargin is how far below its floor a candidate may fall and
	// still be staged for corroboration instead of rejected outright.
	StageMargin float64 `koanf:"stage_margin"`
}

// ApplyDefaults fills unset fields.
func (c *ValidatorConfig) ApplyDefaults() {
	if c.PatternFloor == 0 {
		c.PatternFloor = 0.4
	}
	if c.StageMargin == 0 {
		c.StageMargin = 0.15
	}
}

// Validator runs the ontology, evidence and gating layers.
type Validator struct {
	config ValidatorConfig
	logger *zap.Logger
}

// NewValidator builds a validator.
func NewValidator(cfg ValidatorConfig, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Validator{config: cfg, logger: logger}
}

// Validate runs one candidate through the remaining layers against the
// documents it was extracted from.
func (v *Validator) Validate(c Candidate, docs []Document) Verdict {
	adjusted := v.clampToBand(&c)

	verdict := v.checkEvidence(&c, docs)
	if verdict != nil {
		return *verdict
	}

	return v.gate(c, adjusted)
}

// clampToBand pulls out-of-band confidence to the nearest bound of the
// band the record's source permits. Out-of-band values are a model
// calibration error, not grounds for rejection. Reports whether an
// adjustment happened.
func (v *Validator) clampToBand(c *Candidate) bool {
	band, ok := knowledge.BandFor(c.Record.Source)
	if !ok {
		return false
	}
	switch {
	case c.Record.Confidence < band.Low:
		v.logger.Debug("confidence raised to band floor",
			zap.String("key", c.Record.Key),
			zap.Float64("was", c.Record.Confidence),
			zap.Float64("floor", band.Low))
		c.Record.Confidence = band.Low
		return true
	case c.Record.Confidence > band.High:
		v.logger.Debug("confidence lowered to band ceiling",
			zap.String("key", c.Record.Key),
			zap.Float64("was", c.Record.Confidence),
			zap.Float64("ceiling", band.High))
		c.Record.Confidence = band.High
		return true
	}
	return false
}

// checkEvidence locates the evidence quote in the source documents and
// applies the entailment tier the source demands. Explicit records
// need an exact quote; weaker sources tolerate a fuzzy match at a
// confidence penalty. Returns a non-nil rejection verdict on failure.
func (v *Validator) checkEvidence(c *Candidate, docs []Document) *Verdict {
	span, ok := locateEvidence(c.Record.Evidence, docs)
	if !ok {
		return &Verdict{
			Outcome:   OutcomeRejected,
			Candidate: *c,
			Reason:    "evidence not found in source documents",
		}
	}
	if span.Approximate && c.Record.Source == knowledge.SourceExplicit {
		return &Verdict{
			Outcome:   OutcomeRejected,
			Candidate: *c,
			Reason:    "explicit record requires a verbatim evidence quote",
		}
	}
	if span.Approximate {
		// Fuzzy evidence weakens the claim.
		c.Record.Confidence *= 0.9
	}
	c.Span = span
	if len(c.SourceEvents) == 0 {
		c.SourceEvents = []string{span.DocumentID}
	} else if !containsString(c.SourceEvents, span.DocumentID) {
		c.SourceEvents = append(c.SourceEvents, span.DocumentID)
	}
	return nil
}

// gate applies the source-specific confidence floor. Candidates just
// below the floor are staged for corroboration; anything further below
// is rejected.
func (v *Validator) gate(c Candidate, adjusted bool) Verdict {
	floor := v.floorFor(c.Record)
	switch {
	case c.Record.Confidence >= floor:
		outcome := OutcomeAccepted
		if adjusted {
			outcome = OutcomeAdjusted
		}
		return Verdict{Outcome: outcome, Candidate: c}
	case c.Record.Confidence >= floor-v.config.StageMargin:
		return Verdict{
			Outcome:   OutcomeStaged,
			Candidate: c,
			Reason:    fmt.Sprintf("confidence %.2f below floor %.2f", c.Record.Confidence, floor),
		}
	default:
		return Verdict{
			Outcome:   OutcomeRejected,
			Candidate: c,
			Reason:    fmt.Sprintf("confidence %.2f far below floor %.2f", c.Record.Confidence, floor),
		}
	}
}

// floorFor returns the gating floor: the source band minimum, raised
// for behavioral patterns.
func (v *Validator) floorFor(r *knowledge.Record) float64 {
	floor := 0.0
	if band, ok := knowledge.BandFor(r.Source); ok {
		floor = band.Low
	}
	if r.Category == knowledge.CategoryPattern && v.config.PatternFloor > floor {
		floor = v.config.PatternFloor
	}
	return floor
}

// locateEvidence finds the evidence quote in the documents: exact
// substring match first, then a whitespace- and case-insensitive pass.
func locateEvidence(evidence string, docs []Document) (Span, bool) {
	quote := strings.TrimSpace(evidence)
	if quote == "" {
		return Span{}, false
	}
	for _, doc := range docs {
		if idx := strings.Index(doc.Text, quote); idx >= 0 {
			return Span{DocumentID: doc.EventID, Start: idx, End: idx + len(quote)}, true
		}
	}

	folded := foldSpace(strings.ToLower(quote))
	for _, doc := range docs {
		lowered := foldSpace(strings.ToLower(doc.Text))
		if idx := strings.Index(lowered, folded); idx >= 0 {
			// Offsets into the folded text are approximate by nature.
			return Span{DocumentID: doc.EventID, Start: idx, End: idx + len(folded), Approximate: true}, true
		}
	}
	return Span{}, false
}

// foldSpace collapses runs of whitespace to single spaces.
func foldSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
