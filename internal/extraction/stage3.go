package extraction

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/summary"
)

// UserRunner performs cross-session pattern synthesis over one user's
// session summaries. It only proposes behavioral patterns; single
// sessions cannot establish those, which is why this stage reads
// summaries instead of raw transcripts.
type UserRunner struct {
	store      graph.Store
	summarizer *summary.Summarizer
	pipeline   *Pipeline
	logger     *zap.Logger

	// MinSessions is the smallest number of summarized sessions worth
	// a model call.
	MinSessions int

	// MaxSummaries caps the input window, most recent first.
	MaxSummaries int
}

// NewUserRunner wires the cross-session extraction stage.
func NewUserRunner(store graph.Store, summarizer *summary.Summarizer, pipeline *Pipeline, logger *zap.Logger) (*UserRunner, error) {
	if store == nil || summarizer == nil || pipeline == nil {
		return nil, fmt.Errorf("extraction: store, summarizer and pipeline are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserRunner{
		store:        store,
		summarizer:   summarizer,
		pipeline:     pipeline,
		logger:       logger,
		MinSessions:  3,
		MaxSummaries: 20,
	}, nil
}

// Run synthesizes behavioral patterns for one user.
func (r *UserRunner) Run(ctx context.Context, userID string) (Report, error) {
	summaries, err := r.summarizer.SummariesForUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("reading summaries: %w", err)
	}
	if len(summaries) < r.MinSessions {
		r.logger.Debug("too few sessions for pattern synthesis",
			zap.String("user_id", userID),
			zap.Int("sessions", len(summaries)))
		return Report{}, nil
	}
	if len(summaries) > r.MaxSummaries {
		summaries = summaries[:r.MaxSummaries]
	}

	docs := make([]Document, 0, len(summaries))
	for _, n := range summaries {
		text, _ := n.Properties[summary.PropText].(string)
		if text == "" {
			continue
		}
		docs = append(docs, Document{EventID: string(n.ID), Text: text})
	}
	if len(docs) < r.MinSessions {
		return Report{}, nil
	}

	req := Request{
		UserID:     userID,
		Scope:      ScopeUser,
		Documents:  docs,
		ObservedAt: time.Now().UTC(),
	}
	report, err := r.pipeline.Process(ctx, req)
	if err != nil {
		return report, err
	}
	r.logger.Info("pattern synthesis finished",
		zap.String("user_id", userID),
		zap.Int("sessions", len(docs)),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected))
	return report, nil
}

// SummarySourceNode maps user-scope document IDs (summary node IDs)
// straight through, for pipeline provenance edges.
func SummarySourceNode(summaryNodeID string) graph.NodeID {
	return graph.NodeID(summaryNodeID)
}
