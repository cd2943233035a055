package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tashfeenahmed/scallop/internal/board"
	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/decay"
	"github.com/tashfeenahmed/scallop/internal/embedding"
	"github.com/tashfeenahmed/scallop/internal/explore"
	"github.com/tashfeenahmed/scallop/internal/fusion"
	"github.com/tashfeenahmed/scallop/internal/gaps"
	"github.com/tashfeenahmed/scallop/internal/gardener"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/journal"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/reflect"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// logChannel is the delivery fallback when no transport adapter is wired:
// nudges land in the process log. Real deployments plug a channel adapter
// in through the same interface.
type logChannel struct{}

func (logChannel) Name() string { return "log" }

func (logChannel) SendMessage(userID, text string) error {
	logging.Info("channel", "-> %s: %s", userID, logging.Truncate(text, 120))
	return nil
}

func (logChannel) SendFile(userID, path, caption string) error {
	logging.Info("channel", "-> %s: file %s (%s)", userID, path, caption)
	return nil
}

func main() {
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("SCALLOP_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}
	if env := os.Getenv("SCALLOP_STATE"); env != "" {
		cfg.StatePath = env
	}

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("[main] store: %v", err)
	}
	defer db.Close()

	// One-time legacy journal migration, if a journal file is present
	journalPath := filepath.Join(cfg.StatePath, "memories.jsonl")
	if _, _, err := journal.Import(journalPath, db); err != nil {
		logging.Warn("main", "legacy journal import: %v", err)
	}

	_ = embedding.NewOllamaClient(cfg.Embedding.BaseURL, cfg.Embedding.Model)
	language := llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)

	g := graph.New(db)
	brd := board.New(db, cfg.Board, logChannel{}, nil)
	decayEngine := decay.New(cfg.Decay)
	fusionEngine := fusion.New(db, language, cfg.Fusion)
	exploreEngine := explore.New(db, g, language, cfg.Explore)
	reflectEngine := reflect.New(db, language, cfg.StatePath)
	gapPipeline := gaps.NewPipeline(db, language, brd, cfg.Gaps)

	grd := gardener.New(db, decayEngine, fusionEngine, exploreEngine, reflectEngine, gapPipeline, brd, cfg.Gardener, cfg.Board)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grd.Start(ctx)

	logging.Info("main", "scallop memory engine running (state=%s)", cfg.StatePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("main", "shutting down")
	cancel()
}
