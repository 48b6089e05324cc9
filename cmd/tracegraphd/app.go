package main

import (
	"context"
	"fmt"
	"path/filepath"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tracegraph/internal/annotate"
	"github.com/fyrsmithlabs/tracegraph/internal/config"
	"github.com/fyrsmithlabs/tracegraph/internal/conflict"
	"github.com/fyrsmithlabs/tracegraph/internal/consolidate"
	"github.com/fyrsmithlabs/tracegraph/internal/embeddings"
	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/extraction"
	"github.com/fyrsmithlabs/tracegraph/internal/graph"
	"github.com/fyrsmithlabs/tracegraph/internal/ledger"
	"github.com/fyrsmithlabs/tracegraph/internal/logging"
	"github.com/fyrsmithlabs/tracegraph/internal/retrieval"
	"github.com/fyrsmithlabs/tracegraph/internal/server"
	"github.com/fyrsmithlabs/tracegraph/internal/similarity"
	"github.com/fyrsmithlabs/tracegraph/internal/summary"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// app holds the wired daemon components. Construction order matters:
// storage first, then the graph services, then the HTTP surface.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	tel     *telemetry.Telemetry
	metrics *telemetry.Metrics

	ledger   ledger.Ledger
	payloads ledger.PayloadStore
	store    graph.Store
	cursors  consolidate.CursorStore
	index    *similarity.Index

	worker     *consolidate.Worker
	annotator  *annotate.Annotator
	retriever  *retrieval.Retriever
	summarizer *summary.Summarizer
	server     *server.Server
}

// newApp loads configuration and wires every component.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tel.Meter())
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, tel: tel, metrics: metrics}
	if err := a.openStorage(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.wireServices(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// openStorage opens the ledger, payload, cursor, graph and similarity
// stores, in memory or on disk per configuration. The payload and
// cursor keyspaces share the ledger's badger database.
func (a *app) openStorage() error {
	provider, err := a.embeddingProvider()
	if err != nil {
		return err
	}

	if a.cfg.Storage.InMemory {
		led := ledger.NewMemoryLedger()
		a.ledger = led
		a.payloads = ledger.NewMemoryPayloadStore()
		a.cursors = consolidate.NewMemoryCursorStore()
		a.store = graph.NewMemoryStore()
		index, err := similarity.NewIndex(provider)
		if err != nil {
			return fmt.Errorf("opening similarity index: %w", err)
		}
		a.index = index
		return nil
	}

	dir := a.cfg.Storage.Dir
	led, err := ledger.NewBadgerLedger(filepath.Join(dir, "ledger"))
	if err != nil {
		return err
	}
	a.ledger = led
	a.payloads = ledger.NewBadgerPayloadStore(led.DB())
	a.cursors = consolidate.NewBadgerCursorStore(led.DB())

	store, err := graph.NewBadgerStore(filepath.Join(dir, "graph"))
	if err != nil {
		return err
	}
	a.store = store

	index, err := similarity.NewPersistentIndex(filepath.Join(dir, "index"), provider, true)
	if err != nil {
		return fmt.Errorf("opening similarity index: %w", err)
	}
	a.index = index
	return nil
}

func (a *app) embeddingProvider() (embeddings.Provider, error) {
	ec := a.cfg.Embeddings
	if ec.Provider == "local" {
		return embeddings.NewLocalProvider(ec.Dimension), nil
	}

	// langchaingo requires a token; TEI endpoints ignore it.
	apiKey := ec.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(ec.Model),
		openai.WithToken(apiKey),
	}
	if ec.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(ec.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embeddings.NewLangchainProvider(embedder, ec.Dimension)
}

func (a *app) languageModel() (llms.Model, error) {
	mc := a.cfg.Extraction.Model
	if !mc.Enabled {
		return nil, nil
	}
	apiKey := mc.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(mc.Model),
		openai.WithToken(apiKey),
	}
	if mc.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(mc.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	return llm, nil
}

func (a *app) wireServices() error {
	resolver, err := entity.NewResolver(a.store, a.index, a.cfg.Entity, a.logger)
	if err != nil {
		return err
	}
	engine, err := conflict.NewEngine(a.store, a.logger)
	if err != nil {
		return err
	}

	a.worker, err = consolidate.NewWorker(a.ledger, a.payloads, a.store, resolver, engine, a.index, a.cursors, a.cfg.Consolidate, a.logger, a.metrics)
	if err != nil {
		return err
	}

	tracker := annotate.NewTracker()
	a.annotator, err = annotate.NewAnnotator(a.store, tracker, a.cfg.Annotate, a.logger)
	if err != nil {
		return err
	}

	a.retriever, err = retrieval.NewRetriever(a.store, a.index, engine, tracker, a.cfg.Retrieval, a.logger, a.metrics)
	if err != nil {
		return err
	}

	model, err := a.languageModel()
	if err != nil {
		return err
	}
	a.summarizer, err = summary.NewSummarizer(a.ledger, a.payloads, a.store, model, a.cfg.Summary, a.logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(a.ledger, a.payloads, a.store, a.retriever,
		server.Config{Addr: a.cfg.Server.Addr, ShutdownTimeout: a.cfg.Server.ShutdownTimeout},
		a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.server = srv

	if model == nil {
		a.logger.Info("no language model configured, knowledge extraction disabled")
		srv.RegisterExtraction(nil, nil, a.summarizer)
		return nil
	}

	extractor, err := extraction.NewLLMExtractor(model, a.cfg.Extraction.LLM, a.logger)
	if err != nil {
		return err
	}
	validator := extraction.NewValidator(a.cfg.Extraction.Validator, a.logger)
	staging := extraction.NewStaging(a.cfg.Extraction.Staging, a.logger)

	sessionPipeline, err := extraction.NewPipeline(extractor, validator, staging, engine, resolver, a.store, extraction.SessionSourceNode, a.logger, a.metrics)
	if err != nil {
		return err
	}
	sessions, err := extraction.NewSessionRunner(a.ledger, a.payloads, sessionPipeline, a.logger)
	if err != nil {
		return err
	}

	userPipeline, err := extraction.NewPipeline(extractor, validator, staging, engine, resolver, a.store, extraction.SummarySourceNode, a.logger, a.metrics)
	if err != nil {
		return err
	}
	users, err := extraction.NewUserRunner(a.store, a.summarizer, userPipeline, a.logger)
	if err != nil {
		return err
	}

	srv.RegisterExtraction(sessions, users, a.summarizer)
	return nil
}

// Close releases storage and telemetry in reverse wiring order.
func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing graph store", zap.Error(err))
		}
	}
	if a.payloads != nil {
		if err := a.payloads.Close(); err != nil {
			a.logger.Warn("closing payload store", zap.Error(err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("closing ledger", zap.Error(err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn("shutting down telemetry", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
