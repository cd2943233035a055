package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/tashfeenahmed/scallop/internal/board"
	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/embedding"
	"github.com/tashfeenahmed/scallop/internal/engine"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/mcptool"
	"github.com/tashfeenahmed/scallop/internal/patterns"
	"github.com/tashfeenahmed/scallop/internal/store"
)

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

	embedder := embedding.NewOllamaClient(cfg.Embedding.BaseURL, cfg.Embedding.Model)
	language := llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)

	g := graph.New(db)
	tracker := patterns.New(db)
	eng := engine.New(db, embedder, g, language, tracker, cfg)
	brd := board.New(db, cfg.Board, nil, nil)

	server := mcptool.NewServer()
	mcptool.RegisterMemoryTools(server, eng, brd, db)
	if err := server.Run(); err != nil {
		log.Fatalf("[main] mcp server: %v", err)
	}
}
