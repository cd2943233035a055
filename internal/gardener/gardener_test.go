package gardener

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/board"
	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/decay"
	"github.com/tashfeenahmed/scallop/internal/explore"
	"github.com/tashfeenahmed/scallop/internal/fusion"
	"github.com/tashfeenahmed/scallop/internal/gaps"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/reflect"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// brokenLLM fails every call; the cycles must shrug it off
type brokenLLM struct{}

func (brokenLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("model offline")
}

func setupGardener(t *testing.T) (*Gardener, *store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "gardener-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	cfg := config.Defaults()
	cfg.Gardener.CPUGateLimit = 0 // no load gate in tests
	client := brokenLLM{}
	g := graph.NewSeeded(db, 1)
	brd := board.New(db, cfg.Board, nil, nil)
	grd := New(db,
		decay.New(cfg.Decay),
		fusion.New(db, client, cfg.Fusion),
		explore.NewSeeded(db, g, client, cfg.Explore, 1),
		reflect.New(db, client, tmpDir),
		gaps.NewPipeline(db, client, brd, cfg.Gaps),
		brd, cfg.Gardener, cfg.Board)
	return grd, db, cleanup
}

func TestCyclesSurviveLLMOutage(t *testing.T) {
	grd, db, cleanup := setupGardener(t)
	defer cleanup()

	// Seed enough state to give every component something to chew on
	for i := 0; i < 3; i++ {
		m := &store.Memory{UserID: "u1", Content: fmt.Sprintf("dormant memory %d about coffee", i), Prominence: 0.2}
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory: %v", err)
		}
	}
	db.AddScheduledItem(&store.ScheduledItem{UserID: "u1", Message: "water the plants tomorrow morning"})
	db.AddScheduledItem(&store.ScheduledItem{UserID: "u1", Message: "water the plants tomorrow morning please"})

	now := time.Now()
	grd.RunLight(context.Background(), now)
	grd.RunDeep(context.Background(), now)
	grd.RunSleep(context.Background(), now)

	// Light tick consolidated the near-duplicate items despite the outage
	pending, _ := db.ListScheduledItems("u1", store.StatusPending)
	if len(pending) != 1 {
		t.Errorf("duplicate items should be consolidated, %d pending", len(pending))
	}
}

func TestLightTickAppliesDecay(t *testing.T) {
	grd, db, cleanup := setupGardener(t)
	defer cleanup()

	m := &store.Memory{UserID: "u1", Content: "an old event", Category: store.CategoryEvent, Importance: 2}
	if err := db.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	old := time.Now().AddDate(0, 0, -120).UnixMilli()
	db.TestSetMemoryTimestamps(m.ID, old, old, 0)

	grd.RunLight(context.Background(), time.Now())

	got, _ := db.GetMemory(m.ID)
	if got.Prominence >= 0.5 {
		t.Errorf("light tick should have decayed the old event, got %f", got.Prominence)
	}
}
