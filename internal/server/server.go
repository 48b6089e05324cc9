// Package server provides the HTTP API for tracegraphd: event
// ingestion, context retrieval, lineage and subgraph queries, and
// payload erasure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/extraction"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
	"github.com/fyrsmithlabs/tracegraph/internal/logging"
	"github.com/fyrsmithlabs/tracegraph/internal/retrieval"
	"github.com/fyrsmithlabs/tracegraph/internal/summary"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Server exposes the ledger and graph over HTTP.
type Server struct {
	echo      *echo.Echo
	ledger    ledger.Ledger
	payloads  ledger.PayloadStore
	store     graph.Store
	retriever *retrieval.Retriever
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	config    Config
}

// NewServer wires the API handlers. The metrics handle may be nil.
func NewServer(led ledger.Ledger, payloads ledger.PayloadStore, store graph.Store, retriever *retrieval.Retriever, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Server, error) {
	if led == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if payloads == nil {
		return nil, fmt.Errorf("payload store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8844"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			requestID := c.Request().Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = c.Response().Header().Get(echo.HeaderXRequestID)
			}
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		ledger:    led,
		payloads:  payloads,
		store:     store,
		retriever: retriever,
		logger:    logger,
		metrics:   metrics,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleAppendEvent)
	v1.GET("/events/:id", s.handleGetEvent)
	v1.GET("/context/:session", s.handleContext)
	v1.GET("/lineage/:node", s.handleLineage)
	v1.GET("/subgraph", s.handleSubgraph)
	v1.DELETE("/payloads/:ref", s.handleErasePayload)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// AppendEventRequest is the request body for POST /api/v1/events. The
// payload body is stored separately; the event carries only its ref.
type AppendEventRequest struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	EndedAt       time.Time       `json:"ended_at,omitzero"`
	SessionID     string          `json:"session_id"`
	AgentID       string          `json:"agent_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// AppendEventResponse is the response body for POST /api/v1/events.
type AppendEventResponse struct {
	EventID        string `json:"event_id"`
	Status         string `json:"status"`
	GlobalPosition uint64 `json:"global_position"`
	PayloadRef     string `json:"payload_ref,omitempty"`
}

func (s *Server) handleAppendEvent(c echo.Context) error {
	var req AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	if req.SchemaVersion == 0 {
		req.SchemaVersion = 1
	}

	e := &ledger.Event{
		EventID:       req.EventID,
		EventType:     req.EventType,
		OccurredAt:    req.OccurredAt,
		EndedAt:       req.EndedAt,
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
		TraceID:       req.TraceID,
		ParentEventID: req.ParentEventID,
		SchemaVersion: req.SchemaVersion,
	}
	if len(req.Payload) > 0 {
		ref, err := s.payloads.Put(ctx, req.Payload)
		if err != nil {
			s.logger.Error("payload store failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "storing payload failed")
		}
		e.PayloadRef = ref
	}

	res, err := s.ledger.Append(ctx, e)
	if err != nil {
		if errors.Is(err, ledger.ErrSchemaViolation) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("append failed", zap.String("event_id", e.EventID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "append failed")
	}
	s.metrics.RecordAppend(ctx, string(res.Status))

	status := http.StatusAccepted
	if res.Status == ledger.StatusDuplicate {
		status = http.StatusOK
	}
	return c.JSON(status, AppendEventResponse{
		EventID:        e.EventID,
		Status:         string(res.Status),
		GlobalPosition: res.GlobalPosition,
		PayloadRef:     e.PayloadRef,
	})
}

// GetEventResponse is the response body for GET /api/v1/events/:id.
type GetEventResponse struct {
	Event         *ledger.Event   `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadErased bool            `json:"payload_erased,omitempty"`
}

func (s *Server) handleGetEvent(c echo.Context) error {
	ctx := c.Request().Context()
	e, err := s.ledger.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "reading event failed")
	}

	resp := GetEventResponse{Event: e}
	if e.PayloadRef != "" {
		content, err := s.payloads.Get(ctx, e.PayloadRef)
		switch {
		case errors.Is(err, ledger.ErrPayloadErased):
			resp.PayloadErased = true
		case err != nil:
			return echo.NewHTTPError(http.StatusInternalServerError, "reading payload failed")
		default:
			resp.Payload = content
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// ContextItem is one scored result in a context response.
type ContextItem struct {
	Node       *graph.Node    `json:"node"`
	Score      float64        `json:"score"`
	Depth      int            `json:"depth"`
	Via        graph.EdgeType `json:"via,omitempty"`
	Provenance []graph.NodeID `json:"provenance,omitempty"`
}

// ContextResponse is the response body for GET /api/v1/context/:session.
type ContextResponse struct {
	Intent    string        `json:"intent"`
	Items     []ContextItem `json:"items"`
	Truncated bool          `json:"truncated"`
	Visited   int           `json:"visited"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

func (s *Server) handleContext(c echo.Context) error {
	text := c.QueryParam("q")
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q query parameter is required")
	}
	ctx := logging.WithSessionID(c.Request().Context(), c.Param("session"))

	q := retrieval.Query{
		Text:   text,
		UserID: c.QueryParam("user"),
		Intent: retrieval.Intent(c.QueryParam("intent")),
	}
	if raw := c.QueryParam("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "depth must be a non-negative integer")
		}
		q.MaxDepth = depth
	}

	resp, err := s.retriever.Retrieve(ctx, q)
	if err != nil {
		s.logger.Error("retrieval failed", zap.String("query", text), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval failed")
	}

	out := ContextResponse{
		Intent:    string(resp.Intent),
		Items:     make([]ContextItem, 0, len(resp.Items)),
		Truncated: resp.Truncated,
		Visited:   resp.Visited,
		ElapsedMS: resp.Elapsed.Milliseconds(),
	}
	for _, it := range resp.Items {
		out.Items = append(out.Items, ContextItem{
			Node:       it.Node,
			Score:      it.Score,
			Depth:      it.Depth,
			Via:        it.Via,
			Provenance: it.Provenance,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// LineageResponse is the response body for GET /api/v1/lineage/:node.
type LineageResponse struct {
	Node    *graph.Node   `json:"node"`
	Chain   []*graph.Node `json:"chain,omitempty"`
	Sources []*graph.Node `json:"sources,omitempty"`
}

func (s *Server) handleLineage(c echo.Context) error {
	ctx := c.Request().Context()
	id := graph.NodeID(c.Param("node"))

	lin, err := s.retriever.LineageFor(ctx, id)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "node not found")
		}
		s.logger.Error("lineage failed", zap.String("node", string(id)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lineage failed")
	}

	resp := LineageResponse{Node: lin.Node, Sources: lin.Sources}
	for _, rec := range lin.Chain {
		n, err := s.store.GetNode(ctx, rec.NodeID())
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "lineage failed")
		}
		resp.Chain = append(resp.Chain, n)
	}
	return c.JSON(http.StatusOK, resp)
}

// SubgraphResponse is the response body for GET /api/v1/subgraph.
type SubgraphResponse struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

const maxSubgraphDepth = 5

func (s *Server) handleSubgraph(c echo.Context) error {
	ctx := c.Request().Context()

	root := graph.NodeID(c.QueryParam("node"))
	if root == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node query parameter is required")
	}
	depth := 1
	if raw := c.QueryParam("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "depth must be a non-negative integer")
		}
		depth = d
	}
	if depth > maxSubgraphDepth {
		depth = maxSubgraphDepth
	}
	var types []graph.EdgeType
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, graph.EdgeType(strings.TrimSpace(t)))
		}
	}

	resp, err := s.collectSubgraph(ctx, root, depth, types)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "node not found")
		}
		s.logger.Error("subgraph failed", zap.String("node", string(root)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "subgraph failed")
	}
	return c.JSON(http.StatusOK, resp)
}

// collectSubgraph walks breadth-first from root up to depth hops,
// following edges in both directions.
func (s *Server) collectSubgraph(ctx context.Context, root graph.NodeID, depth int, types []graph.EdgeType) (*SubgraphResponse, error) {
	start, err := s.store.GetNode(ctx, root)
	if err != nil {
		return nil, err
	}

	resp := &SubgraphResponse{Nodes: []*graph.Node{start}}
	seenNodes := map[graph.NodeID]bool{root: true}
	seenEdges := map[graph.EdgeID]bool{}

	frontier := []graph.NodeID{root}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []graph.NodeID
		for _, id := range frontier {
			out, err := s.store.Outgoing(ctx, id, types...)
			if err != nil {
				return nil, err
			}
			in, err := s.store.Incoming(ctx, id, types...)
			if err != nil {
				return nil, err
			}
			for _, e := range append(out, in...) {
				if seenEdges[e.ID] {
					continue
				}
				seenEdges[e.ID] = true
				resp.Edges = append(resp.Edges, e)

				other := e.To
				if other == id {
					other = e.From
				}
				if seenNodes[other] {
					continue
				}
				n, err := s.store.GetNode(ctx, other)
				if errors.Is(err, graph.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				seenNodes[other] = true
				resp.Nodes = append(resp.Nodes, n)
				next = append(next, other)
			}
		}
		frontier = next
	}
	return resp, nil
}

// RegisterExtraction adds the knowledge-extraction routes. Called only
// when a language model is configured; without it the routes do not
// exist and the API degrades to ingestion and retrieval.
func (s *Server) RegisterExtraction(sessions *extraction.SessionRunner, users *extraction.UserRunner, summarizer *summary.Summarizer) {
	v1 := s.echo.Group("/api/v1")
	if summarizer != nil {
		v1.POST("/sessions/:id/summarize", func(c echo.Context) error {
			sessionID := c.Param("id")
			ctx := logging.WithSessionID(c.Request().Context(), sessionID)
			node, err := summarizer.SummarizeSession(ctx, sessionID, c.QueryParam("user"))
			if err != nil {
				s.logger.Error("summarize failed", zap.String("session_id", sessionID), zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "summarize failed")
			}
			return c.JSON(http.StatusOK, node)
		})
	}
	if sessions != nil {
		v1.POST("/sessions/:id/extract", func(c echo.Context) error {
			sessionID := c.Param("id")
			ctx := logging.WithSessionID(c.Request().Context(), sessionID)
			report, err := sessions.Run(ctx, sessionID)
			if err != nil {
				s.logger.Error("session extraction failed", zap.String("session_id", sessionID), zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "extraction failed")
			}
			return c.JSON(http.StatusOK, report)
		})
	}
	if users != nil {
		v1.POST("/users/:id/extract", func(c echo.Context) error {
			report, err := users.Run(c.Request().Context(), c.Param("id"))
			if err != nil {
				s.logger.Error("user extraction failed", zap.String("user_id", c.Param("id")), zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "extraction failed")
			}
			return c.JSON(http.StatusOK, report)
		})
	}
}

func (s *Server) handleErasePayload(c echo.Context) error {
	ref := c.Param("ref")
	if err := s.payloads.Erase(c.Request().Context(), ref); err != nil {
		if errors.Is(err, ledger.ErrPayloadNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "payload not found")
		}
		s.logger.Error("erase failed", zap.String("ref", ref), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "erase failed")
	}
	s.logger.Info("payload erased", zap.String("ref", ref))
	return c.NoContent(http.StatusNoContent)
}

// Start starts the HTTP listener and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
