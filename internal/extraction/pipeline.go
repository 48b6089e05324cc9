package extraction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/conflict"
	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// Report summarizes one pipeline run.
type Report struct {
	Extracted  int `json:"extracted"`
	Accepted   int `json:"accepted"`
	Reinforced int `json:"reinforced"`
	Superseded int `json:"superseded"`
	Staged     int `json:"staged"`
	Promoted   int `json:"promoted"`
	Rejected   int `json:"rejected"`
}

// Pipeline runs extraction end to end: model call, validation layers,
// conflict resolution and graph attachment. The conflict engine owns
// all knowledge node writes; the pipeline only adds edges.
type Pipeline struct {
	extractor Extractor
	validator *Validator
	staging   *Staging
	engine    *conflict.Engine
	resolver  *entity.Resolver
	store     graph.Store

	// sourceNode maps a document ID to the graph node provenance
	// edges should point at: event nodes for session scope, summary
	// nodes for user scope.
	sourceNode func(string) graph.NodeID

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewPipeline wires the extraction pipeline.
func NewPipeline(
	extractor Extractor,
	validator *Validator,
	staging *Staging,
	engine *conflict.Engine,
	resolver *entity.Resolver,
	store graph.Store,
	sourceNode func(string) graph.NodeID,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) (*Pipeline, error) {
	if extractor == nil || validator == nil || engine == nil || resolver == nil || store == nil {
		return nil, fmt.Errorf("extraction: extractor, validator, engine, resolver and store are required")
	}
	if sourceNode == nil {
		return nil, fmt.Errorf("extraction: sourceNode mapping is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		extractor:  extractor,
		validator:  validator,
		staging:    staging,
		engine:     engine,
		resolver:   resolver,
		store:      store,
		sourceNode: sourceNode,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Process runs one extraction request. Individual candidate failures
// are recorded in the report, not returned as errors; only extraction
// or storage failures abort the run.
func (p *Pipeline) Process(ctx context.Context, req Request) (Report, error) {
	var report Report

	candidates, err := p.extractor.Extract(ctx, req)
	if err != nil {
		return report, err
	}
	report.Extracted = len(candidates)

	for _, c := range candidates {
		verdict := p.validator.Validate(c, req.Documents)
		p.metrics.RecordCandidate(ctx, string(verdict.Outcome))

		switch verdict.Outcome {
		case OutcomeRejected:
			report.Rejected++
			p.logger.Debug("candidate rejected",
				zap.String("key", c.Record.Key),
				zap.String("reason", verdict.Reason))
		case OutcomeStaged:
			report.Staged++
			if p.staging == nil {
				continue
			}
			promoted, ok := p.staging.Offer(verdict.Candidate)
			if !ok {
				continue
			}
			report.Promoted++
			if err := p.apply(ctx, req, promoted, &report); err != nil {
				return report, err
			}
		default:
			if err := p.apply(ctx, req, verdict.Candidate, &report); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// apply routes one validated candidate through the conflict engine and
// attaches it to the graph.
func (p *Pipeline) apply(ctx context.Context, req Request, c Candidate, report *Report) error {
	seenAt := c.Record.LastConfirmedAt

	owner, err := p.resolver.ResolveExact(ctx,
		entity.Mention{Name: req.UserID, Type: entity.TypeUser, Role: "agent"}, seenAt)
	if err != nil {
		return fmt.Errorf("resolving owner entity: %w", err)
	}

	// The model names the subject entity; conflict scoping needs its
	// canonical node ID before resolution runs.
	var about graph.NodeID
	if c.Record.AboutEntity != "" {
		about, err = p.resolver.ResolveExact(ctx,
			entity.Mention{Name: c.Record.AboutEntity, Type: entity.TypeConcept, Role: "object"}, seenAt)
		if err != nil {
			return fmt.Errorf("resolving subject entity: %w", err)
		}
		c.Record.AboutEntity = string(about)
	}

	res, err := p.engine.Resolve(ctx, c.Record)
	if err != nil {
		return fmt.Errorf("resolving candidate %q: %w", c.Record.Key, err)
	}
	switch res.Decision {
	case conflict.DecisionNoop:
		return nil
	case conflict.DecisionAdd:
		report.Accepted++
	case conflict.DecisionReinforce:
		report.Reinforced++
	case conflict.DecisionSupersede:
		report.Superseded++
	}

	nodeID := res.Record.NodeID()
	attach := &graph.Edge{Type: res.Record.AttachEdgeType(), From: owner, To: nodeID}
	if err := p.store.UpsertEdge(ctx, attach); err != nil {
		return fmt.Errorf("attaching knowledge: %w", err)
	}
	if about != "" {
		edge := &graph.Edge{Type: graph.EdgeAbout, From: nodeID, To: about}
		if err := p.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("linking ABOUT: %w", err)
		}
	}
	for _, src := range c.SourceEvents {
		edge := &graph.Edge{Type: graph.EdgeDerivedFrom, From: nodeID, To: p.sourceNode(src)}
		if err := p.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("linking DERIVED_FROM: %w", err)
		}
	}
	return nil
}
