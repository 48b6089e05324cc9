// Package summary condenses consolidated sessions into summary nodes.
//
// Summaries are derived, disposable and rebuildable like the rest of
// the graph. Session summaries feed cross-session pattern extraction;
// they are linked to the events they cover with SUMMARIZES coverage
// edges and DERIVED_FROM provenance edges so every summarized claim
// stays traceable.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/consolidate"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
)

// Scope classifies what a summary covers.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeGlobal  Scope = "global"
)

// Summary node property names.
const (
	PropScope      = "scope"
	PropSessionID  = "session_id"
	PropUserID     = "user_id"
	PropText       = "text"
	PropEventCount = "event_count"
	PropCreatedAt  = "created_at"
)

// NodeIDFor derives the deterministic summary node ID for a scope and
// key, so re-summarizing overwrites instead of duplicating.
func NodeIDFor(scope Scope, key string) graph.NodeID {
	return graph.DeriveNodeID("sum", string(scope)+"\x00"+key)
}

// Config tunes the summarizer.
type Config struct {
	// MaxEvents caps how many events one summary covers.
	MaxEvents int `koanf:"max_events"`

	// MaxChars truncates the fallback extractive summary.
	MaxChars int `koanf:"max_chars"`

	// Temperature for model-backed summarization.
	Temperature float64 `koanf:"temperature"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 200
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 2000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
}

// Summarizer writes session summary nodes. The model is optional;
// without one an extractive fallback concatenates the session's event
// texts, which keeps the stage-3 pipeline functional in minimal
// deployments.
type Summarizer struct {
	ledger   ledger.Ledger
	payloads ledger.PayloadStore
	store    graph.Store
	model    llms.Model
	config   Config
	logger   *zap.Logger
}

// NewSummarizer wires a summarizer. model and payloads may be nil.
func NewSummarizer(led ledger.Ledger, payloads ledger.PayloadStore, store graph.Store, model llms.Model, cfg Config, logger *zap.Logger) (*Summarizer, error) {
	if led == nil || store == nil {
		return nil, fmt.Errorf("summary: ledger and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Summarizer{
		ledger:   led,
		payloads: payloads,
		store:    store,
		model:    model,
		config:   cfg,
		logger:   logger,
	}, nil
}

// SummarizeSession builds or refreshes the summary node for one
// session and links it to the covered events.
func (s *Summarizer) SummarizeSession(ctx context.Context, sessionID, userID string) (*graph.Node, error) {
	events, err := s.ledger.Find(ctx, ledger.Query{SessionID: sessionID, Limit: s.config.MaxEvents})
	if err != nil {
		return nil, fmt.Errorf("reading session events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("summary: session %q has no events", sessionID)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].GlobalPosition < events[j].GlobalPosition
	})

	lines := make([]string, 0, len(events))
	for _, e := range events {
		if text := s.eventText(ctx, e); text != "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", e.EventType, text))
		}
	}

	text, err := s.compose(ctx, lines)
	if err != nil {
		return nil, err
	}

	node := &graph.Node{
		ID:   NodeIDFor(ScopeSession, sessionID),
		Kind: graph.KindSummary,
		Properties: map[string]any{
			PropScope:      string(ScopeSession),
			PropSessionID:  sessionID,
			PropUserID:     userID,
			PropText:       text,
			PropEventCount: float64(len(events)),
			PropCreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return nil, fmt.Errorf("upserting summary node: %w", err)
	}

	for _, e := range events {
		target := consolidate.EventNodeID(e.EventID)
		if _, err := s.store.GetNode(ctx, target); err != nil {
			continue // not yet consolidated; the next refresh covers it
		}
		edge := &graph.Edge{Type: graph.EdgeSummarizes, From: node.ID, To: target}
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return nil, fmt.Errorf("linking SUMMARIZES: %w", err)
		}
		// Provenance runs on DERIVED_FROM, so summaries carry it too:
		// lineage walks must reach the source events, not just the
		// coverage links.
		derived := &graph.Edge{Type: graph.EdgeDerivedFrom, From: node.ID, To: target}
		if err := s.store.UpsertEdge(ctx, derived); err != nil {
			return nil, fmt.Errorf("linking DERIVED_FROM: %w", err)
		}
	}
	return node, nil
}

// SummariesForUser returns the user's session summaries, most recent
// first.
func (s *Summarizer) SummariesForUser(ctx context.Context, userID string) ([]*graph.Node, error) {
	nodes, err := s.store.FindNodes(ctx, graph.NodeFilter{
		Kind:          graph.KindSummary,
		PropertyEqual: map[string]any{PropUserID: userID, PropScope: string(ScopeSession)},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, _ := nodes[i].Properties[PropCreatedAt].(string)
		b, _ := nodes[j].Properties[PropCreatedAt].(string)
		return a > b
	})
	return nodes, nil
}

// eventText pulls the payload text for an event, empty on erasure or
// unstructured content.
func (s *Summarizer) eventText(ctx context.Context, e *ledger.Event) string {
	if e.PayloadRef == "" || s.payloads == nil {
		return ""
	}
	raw, err := s.payloads.Get(ctx, e.PayloadRef)
	if err != nil {
		return ""
	}
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(doc.Text)
}

const summaryPrompt = `Summarize this agent session transcript in a short paragraph.
Keep concrete facts about the user: stated preferences, recurring habits,
skills shown, topics of interest. Drop tool noise and transient task detail.

Transcript:
`

// compose produces the summary text, via the model when configured.
func (s *Summarizer) compose(ctx context.Context, lines []string) (string, error) {
	joined := strings.Join(lines, "\n")
	if s.model == nil {
		if len(joined) > s.config.MaxChars {
			joined = joined[:s.config.MaxChars]
		}
		return joined, nil
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, s.model, summaryPrompt+joined,
		llms.WithTemperature(s.config.Temperature))
	if err != nil {
		return "", fmt.Errorf("summary: model call failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}
