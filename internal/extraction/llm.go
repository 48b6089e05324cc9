package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
)

// LLMConfig tunes the model-backed extractor.
type LLMConfig struct {
	// Temperature for extraction calls. Low by default; extraction
	// wants recall of what the text says, not creativity.
	Temperature float64 `koanf:"temperature"`

	// MaxAttempts bounds retries on transient model failures.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseBackoff is the first retry delay; subsequent delays double.
	BaseBackoff time.Duration `koanf:"base_backoff"`

	// MaxRepairs bounds schema-repair re-prompts. A repair sends the
	// model its own invalid output plus the validation error.
	MaxRepairs int `koanf:"max_repairs"`

	// RequestsPerSecond rate-limits outbound model calls across
	// sessions sharing this extractor. Zero disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// ApplyDefaults fills unset fields.
func (c *LLMConfig) ApplyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxRepairs < 0 {
		c.MaxRepairs = 0
	} else if c.MaxRepairs == 0 {
		c.MaxRepairs = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// LLMExtractor extracts candidates with a langchaingo model.
type LLMExtractor struct {
	model   llms.Model
	config  LLMConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMExtractor wires a model-backed extractor.
func NewLLMExtractor(model llms.Model, cfg LLMConfig, logger *zap.Logger) (*LLMExtractor, error) {
	if model == nil {
		return nil, fmt.Errorf("extraction: model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &LLMExtractor{model: model, config: cfg, limiter: limiter, logger: logger}, nil
}

// rawCandidate is the flattened JSON shape the model is asked for.
// Variant attributes are inlined; toRecord moves them into the typed
// variant the category selects.
type rawCandidate struct {
	Category    string  `json:"category"`
	Key         string  `json:"key"`
	Statement   string  `json:"statement"`
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Evidence    string  `json:"evidence"`
	SourceEvent string  `json:"source_event,omitempty"`
	About       string  `json:"about,omitempty"`
	Polarity    string  `json:"polarity,omitempty"`
	Strength    float64 `json:"strength,omitempty"`
	Proficiency float64 `json:"proficiency,omitempty"`
	Consistency float64 `json:"consistency,omitempty"`
}

type modelOutput struct {
	Candidates []rawCandidate `json:"candidates"`
}

// Extract calls the model and returns schema-valid candidates.
// Transient failures are retried with exponential backoff; invalid
// output triggers up to MaxRepairs repair re-prompts before the run
// is rejected.
func (x *LLMExtractor) Extract(ctx context.Context, req Request) ([]Candidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	prompt := buildPrompt(req)
	out, err := x.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	for repair := 0; ; repair++ {
		candidates, verr := x.parse(out, req)
		if verr == nil {
			return candidates, nil
		}
		if repair >= x.config.MaxRepairs {
			return nil, fmt.Errorf("%w: %v", ErrSchemaRejected, verr)
		}
		x.logger.Warn("extraction output rejected, repairing",
			zap.String("session_id", req.SessionID),
			zap.Int("repair", repair+1),
			zap.Error(verr))
		out, err = x.generate(ctx, repairPrompt(prompt, out, verr))
		if err != nil {
			return nil, err
		}
	}
}

// generate performs one rate-limited, retried model call.
func (x *LLMExtractor) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= x.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := x.config.BaseBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if x.limiter != nil {
			if err := x.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		out, err := llms.GenerateFromSinglePrompt(ctx, x.model, prompt,
			llms.WithTemperature(x.config.Temperature))
		if err == nil {
			return out, nil
		}
		lastErr = err
		x.logger.Warn("model call failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
}

// parse decodes model output into schema-valid candidates. Any
// malformed candidate fails the whole batch so the repair prompt can
// show the model its error.
func (x *LLMExtractor) parse(out string, req Request) ([]Candidate, error) {
	raw := extractJSON(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in output")
	}
	var parsed modelOutput
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decoding output: %w", err)
	}

	candidates := make([]Candidate, 0, len(parsed.Candidates))
	for i, rc := range parsed.Candidates {
		rec, err := rc.toRecord(req)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		c := Candidate{Record: rec}
		if rc.SourceEvent != "" {
			c.SourceEvents = []string{rc.SourceEvent}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// toRecord maps a flattened candidate onto the typed record and runs
// schema validation.
func (rc rawCandidate) toRecord(req Request) (*knowledge.Record, error) {
	now := req.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	rec := &knowledge.Record{
		UserID:           req.UserID,
		Category:         knowledge.Category(rc.Category),
		Key:              strings.TrimSpace(rc.Key),
		Statement:        strings.TrimSpace(rc.Statement),
		Source:           knowledge.Source(rc.Source),
		Confidence:       rc.Confidence,
		Evidence:         rc.Evidence,
		FirstObservedAt:  now,
		LastConfirmedAt:  now,
		ObservationCount: 1,
		Stability:        0.3,
		AboutEntity:      rc.About,
		SchemaVersion:    knowledge.SchemaVersion,
	}
	switch rec.Category {
	case knowledge.CategoryPreference:
		polarity := knowledge.Polarity(rc.Polarity)
		if polarity == "" {
			polarity = knowledge.PolarityNeutral
		}
		strength := rc.Strength
		if strength == 0 {
			strength = 0.5
		}
		rec.Preference = &knowledge.PreferenceAttrs{Polarity: polarity, Strength: strength}
	case knowledge.CategorySkill:
		rec.Skill = &knowledge.SkillAttrs{Proficiency: rc.Proficiency}
	case knowledge.CategoryInterest:
		strength := rc.Strength
		if strength == 0 {
			strength = 0.5
		}
		rec.Interest = &knowledge.InterestAttrs{Strength: strength}
	case knowledge.CategoryPattern:
		span := 1
		if req.Scope == ScopeUser {
			// Consistency is reported as the fraction of input
			// summaries showing the pattern.
			span = int(rc.Consistency*float64(len(req.Documents)) + 0.5)
			if span < 1 {
				span = 1
			}
		}
		rec.Pattern = &knowledge.PatternAttrs{Consistency: rc.Consistency, SessionSpan: span}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// extractJSON strips code fences and surrounding prose, returning the
// outermost JSON object.
func extractJSON(out string) string {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return ""
	}
	return out[start : end+1]
}

const promptHeader = `You extract durable knowledge about a user from agent interaction logs.

Return a single JSON object of the form:
{"candidates": [{"category": "...", "key": "...", "statement": "...", "source": "...", "confidence": 0.0, "evidence": "...", "source_event": "...", "polarity": "...", "strength": 0.0, "proficiency": 0.0, "consistency": 0.0}]}

Rules:
- category is one of: preference, skill, interest, behavioral_pattern.
- source is one of: explicit, implicit_intentional, implicit_unintentional, inferred.
- key is a stable dot-separated subject, e.g. "communication.disputes.channel".
- evidence MUST be a verbatim quote from the input documents.
- source_event is the id of the document the evidence came from.
- Only include knowledge about the user, not about the task at hand.
- Return {"candidates": []} when nothing qualifies. Output JSON only.`

const userScopeAddendum = `
The documents are per-session summaries for one user. Extract only
cross-session behavioral_pattern candidates that recur in several
documents; set consistency to the fraction of documents showing the
pattern.`

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	if req.Scope == ScopeUser {
		b.WriteString(userScopeAddendum)
	}
	b.WriteString("\n\nDocuments:\n")
	for _, doc := range req.Documents {
		fmt.Fprintf(&b, "[%s] %s\n", doc.EventID, doc.Text)
	}
	return b.String()
}

func repairPrompt(original, invalid string, verr error) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nYour previous output was rejected: ")
	b.WriteString(verr.Error())
	b.WriteString("\nPrevious output:\n")
	b.WriteString(invalid)
	b.WriteString("\nReturn a corrected JSON object only.")
	return b.String()
}
