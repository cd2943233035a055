package engine

import (
	"context"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/contextfmt"
	"github.com/tashfeenahmed/scallop/internal/embedding"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/patterns"
	"github.com/tashfeenahmed/scallop/internal/retrieval"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Engine is the foreground surface of the memory core: ingest and recall.
// Background maintenance lives in the gardener.
type Engine struct {
	db       *store.DB
	embedder embedding.Embedder
	detector *graph.Detector
	pipeline *retrieval.Pipeline
	tracker  *patterns.Tracker
	cfg      config.Config
}

// New wires the foreground engine
func New(db *store.DB, embedder embedding.Embedder, g *graph.Graph, client llm.Client, tracker *patterns.Tracker, cfg config.Config) *Engine {
	return &Engine{
		db:       db,
		embedder: embedder,
		detector: graph.NewDetector(db, client, cfg.Graph),
		pipeline: retrieval.New(db, embedder, g, client, cfg.Retrieval, cfg.Graph, cfg.LLM.RerankTimeout),
		tracker:  tracker,
		cfg:      cfg,
	}
}

// IngestOptions tweaks a single ingest call
type IngestOptions struct {
	Category        store.Category
	Kind            store.MemoryKind
	Importance      int
	EventDate       int64
	SourceChunk     string
	Metadata        map[string]any
	DetectRelations *bool // nil = config default
}

// Ingest embeds and persists a memory, then runs relation detection against
// the persisted id. The entity write always completes before any relation
// call; detection failures never fail the ingest.
func (e *Engine) Ingest(ctx context.Context, userID, content string, opts IngestOptions) (*store.Memory, error) {
	m := &store.Memory{
		UserID:      userID,
		Content:     content,
		Category:    opts.Category,
		Kind:        opts.Kind,
		Importance:  opts.Importance,
		EventDate:   opts.EventDate,
		SourceChunk: opts.SourceChunk,
		Metadata:    opts.Metadata,
	}
	if e.embedder != nil {
		if emb, err := e.embedder.Embed(ctx, content); err == nil {
			m.Embedding = emb
		} else {
			logging.Debug("engine", "ingest embedding unavailable: %v", err)
		}
	}
	if err := e.db.AddMemory(m); err != nil {
		return nil, err
	}

	detect := e.cfg.Graph.DetectRelations
	if opts.DetectRelations != nil {
		detect = *opts.DetectRelations
	}
	if detect {
		if n, err := e.detector.DetectForMemory(ctx, m); err != nil {
			logging.Warn("engine", "relation detection for %s: %v", m.ID, err)
		} else if n > 0 {
			logging.Debug("engine", "detected %d relations for %s", n, m.ID)
		}
	}

	if e.tracker != nil {
		e.tracker.RecordMessage(userID, content, time.Now())
	}
	return m, nil
}

// Recall runs the retrieval pipeline
func (e *Engine) Recall(ctx context.Context, userID, query string, k int, opts retrieval.Options) ([]retrieval.Result, error) {
	return e.pipeline.Search(ctx, query, userID, k, opts)
}

// RecallContext retrieves and formats a prompt-ready context block
func (e *Engine) RecallContext(ctx context.Context, userID, query string, k int) (string, error) {
	results, err := e.pipeline.Search(ctx, query, userID, k, retrieval.Options{})
	if err != nil {
		return "", err
	}
	var p *store.BehavioralPatterns
	if e.tracker != nil {
		p, _ = e.tracker.Get(userID)
	}
	return contextfmt.Format(results, p), nil
}
