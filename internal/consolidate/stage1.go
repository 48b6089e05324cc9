package consolidate

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/knowledge"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
)

// Stage-1 extraction is strictly rule-based: entity mentions from the
// structured payload, plus explicit-preference pattern matching on the
// payload text. No model call happens on this path; its latency budget
// is a few milliseconds per event.

// payloadDoc is the structured payload shape stage 1 understands.
// Unknown fields are ignored; everything here is optional.
type payloadDoc struct {
	Text          string `json:"text"`
	UserID        string `json:"user_id"`
	PreferenceKey string `json:"preference_key"`
	Entities      []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Role string `json:"role"`
	} `json:"entities"`
}

func parsePayload(raw []byte) payloadDoc {
	var doc payloadDoc
	if len(raw) == 0 {
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Unstructured payloads are treated as plain text.
		doc.Text = string(raw)
	}
	return doc
}

// mentionsFrom collects entity mentions for an event: the acting agent
// plus any structured entity references in the payload.
func mentionsFrom(e *ledger.Event, doc payloadDoc) []entity.Mention {
	mentions := []entity.Mention{
		{Name: e.AgentID, Type: entity.TypeAgent, Role: "agent"},
	}
	for _, ref := range doc.Entities {
		m := entity.Mention{Name: ref.Name, Type: entity.Type(ref.Type), Role: ref.Role}
		if m.Role == "" {
			m.Role = "participant"
		}
		if m.Validate() == nil {
			mentions = append(mentions, m)
		}
	}
	return mentions
}

// Explicit-statement patterns. These catch first-person preference
// phrasing as well as reported forms like "prefers email for
// disputes" and corrections like "actually, SMS is fine for disputes".
var (
	preferPattern  = regexp.MustCompile(`(?i)\b(?:i\s+)?prefers?\s+(.+)`)
	isFinePattern  = regexp.MustCompile(`(?i)\b(.+?)\s+(?:is|are)\s+(?:fine|better|preferred)\b`)
	dislikePattern = regexp.MustCompile(`(?i)\b(?:i\s+)?(?:dislikes?|hates?|avoids?|don't want)\s+(.+)`)
	topicPattern   = regexp.MustCompile(`(?i)\bfor\s+([a-z0-9 _-]+?)[.!?]?\s*$`)
)

// synthesizePreference builds the knowledge record for an explicit
// preference event. Returns nil when the event is not an explicit
// preference or no statement can be detected.
//
// The conflict key is taken from the structured payload when present;
// otherwise it is derived from the statement's trailing topic ("... for
// disputes" -> "stated.disputes") so that restatements about the same
// topic land in the same conflict scope.
func synthesizePreference(e *ledger.Event, doc payloadDoc, userID string) *knowledge.Record {
	if e.EventType != ledger.EventTypePreferenceStated {
		return nil
	}
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil
	}

	polarity := knowledge.PolarityPositive
	switch {
	case dislikePattern.MatchString(text):
		polarity = knowledge.PolarityNegative
	case preferPattern.MatchString(text), isFinePattern.MatchString(text):
	default:
		// The event type asserts an explicit preference even when the
		// phrasing is unusual; keep it with neutral polarity.
		polarity = knowledge.PolarityNeutral
	}

	key := doc.PreferenceKey
	if key == "" {
		if m := topicPattern.FindStringSubmatch(text); m != nil {
			key = "stated." + strings.Join(strings.Fields(strings.ToLower(m[1])), "_")
		} else {
			key = "stated.general"
		}
	}

	now := e.OccurredAt
	return &knowledge.Record{
		UserID:           userID,
		Category:         knowledge.CategoryPreference,
		Key:              key,
		Statement:        text,
		Source:           knowledge.SourceExplicit,
		Confidence:       0.85,
		Evidence:         text,
		FirstObservedAt:  now,
		LastConfirmedAt:  now,
		ObservationCount: 1,
		Stability:        0.3,
		SchemaVersion:    knowledge.SchemaVersion,
		Preference:       &knowledge.PreferenceAttrs{Polarity: polarity, Strength: 0.8},
	}
}

// userIDFor picks the user identity a knowledge record belongs to:
// the structured payload's user_id, falling back to a session-scoped
// pseudo user when the emitting agent did not identify one.
func userIDFor(e *ledger.Event, doc payloadDoc) string {
	if doc.UserID != "" {
		return doc.UserID
	}
	return "session:" + e.SessionID
}

// occurredOrNow guards against events with zero timestamps slipping
// into derived records (validation rejects them at ingestion, but the
// worker also consolidates replayed historical data).
func occurredOrNow(e *ledger.Event) time.Time {
	if e.OccurredAt.IsZero() {
		return time.Now()
	}
	return e.OccurredAt
}
