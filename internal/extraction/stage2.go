package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/consolidate"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
)

// SessionRunner performs per-session model extraction over the raw
// transcript. It runs after session end, asynchronously from both
// ingestion and consolidation.
type SessionRunner struct {
	ledger   ledger.Ledger
	payloads ledger.PayloadStore
	pipeline *Pipeline
	logger   *zap.Logger

	// MaxEvents caps the transcript length handed to the model.
	MaxEvents int
}

// NewSessionRunner wires the per-session extraction stage.
func NewSessionRunner(led ledger.Ledger, payloads ledger.PayloadStore, pipeline *Pipeline, logger *zap.Logger) (*SessionRunner, error) {
	if led == nil || pipeline == nil {
		return nil, fmt.Errorf("extraction: ledger and pipeline are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRunner{
		ledger:    led,
		payloads:  payloads,
		pipeline:  pipeline,
		logger:    logger,
		MaxEvents: 500,
	}, nil
}

// Run extracts knowledge from one finished session.
func (r *SessionRunner) Run(ctx context.Context, sessionID string) (Report, error) {
	events, err := r.ledger.Find(ctx, ledger.Query{SessionID: sessionID, Limit: r.MaxEvents})
	if err != nil {
		return Report{}, fmt.Errorf("reading session events: %w", err)
	}
	if len(events) == 0 {
		return Report{}, nil
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].GlobalPosition < events[j].GlobalPosition
	})

	userID := "session:" + sessionID
	docs := make([]Document, 0, len(events))
	for _, e := range events {
		text, uid := r.eventText(ctx, e)
		if uid != "" && userID == "session:"+sessionID {
			userID = uid
		}
		if text != "" {
			docs = append(docs, Document{EventID: e.EventID, Text: text})
		}
	}
	if len(docs) == 0 {
		return Report{}, nil
	}

	req := Request{
		UserID:     userID,
		SessionID:  sessionID,
		Scope:      ScopeSession,
		Documents:  docs,
		ObservedAt: events[len(events)-1].OccurredAt,
	}
	report, err := r.pipeline.Process(ctx, req)
	if err != nil {
		return report, err
	}
	r.logger.Info("session extraction finished",
		zap.String("session_id", sessionID),
		zap.Int("extracted", report.Extracted),
		zap.Int("accepted", report.Accepted),
		zap.Int("staged", report.Staged),
		zap.Int("rejected", report.Rejected))
	return report, nil
}

// eventText returns the payload text and the user id it names, if any.
func (r *SessionRunner) eventText(ctx context.Context, e *ledger.Event) (string, string) {
	if e.PayloadRef == "" || r.payloads == nil {
		return "", ""
	}
	raw, err := r.payloads.Get(ctx, e.PayloadRef)
	if err != nil {
		return "", ""
	}
	var doc struct {
		Text   string `json:"text"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return strings.TrimSpace(string(raw)), ""
	}
	return strings.TrimSpace(doc.Text), doc.UserID
}

// SessionSourceNode maps session-scope document IDs (event IDs) to
// their graph nodes, for pipeline provenance edges.
func SessionSourceNode(eventID string) graph.NodeID {
	return consolidate.EventNodeID(eventID)
}
