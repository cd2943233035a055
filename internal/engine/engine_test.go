package engine

import (
	"context"
	"hash/fnv"
	"os"
	"testing"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/patterns"
	"github.com/tashfeenahmed/scallop/internal/store"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, f.dim)
	for _, tok := range store.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[int(h.Sum32())%f.dim] += 1.0
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int                   { return f.dim }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }

type fakeLLM struct {
	response string
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	return &llm.Response{Content: []llm.ContentBlock{{Type: llm.BlockText, Text: f.response}}}, nil
}

func setupEngine(t *testing.T, client llm.Client) (*Engine, *store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "engine-test-*")
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
	cfg.Graph.ExtendThreshold = 0.2 // bag-of-words fakes overlap less than real embeddings
	g := graph.NewSeeded(db, 1)
	eng := New(db, &fakeEmbedder{dim: 64}, g, client, patterns.New(db), cfg)
	return eng, db, cleanup
}

func TestIngestDetectsRelations(t *testing.T) {
	client := &fakeLLM{response: `{"type": "EXTENDS", "confidence": 0.8}`}
	eng, db, cleanup := setupEngine(t, client)
	defer cleanup()

	off := false
	first, err := eng.Ingest(context.Background(), "u1",
		"User got a new job at Google as a software engineer",
		IngestOptions{Category: store.CategoryEvent, DetectRelations: &off})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if client.calls != 0 {
		t.Fatal("detection-off ingest must not call the language client")
	}

	second, err := eng.Ingest(context.Background(), "u1",
		"User's salary at Google is $200k",
		IngestOptions{Category: store.CategoryFact})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rels, err := db.RelationsFor(second.ID)
	if err != nil {
		t.Fatalf("RelationsFor: %v", err)
	}
	var linked bool
	for _, r := range rels {
		other := r.TargetID
		if other == second.ID {
			other = r.SourceID
		}
		if other == first.ID && (r.Type == store.RelExtends || r.Type == store.RelUpdates) && r.Confidence > 0.3 {
			linked = true
		}
	}
	if !linked {
		t.Errorf("expected a detected relation between the two memories, got %+v", rels)
	}
}

func TestRecallContextFormats(t *testing.T) {
	eng, _, cleanup := setupEngine(t, nil)
	defer cleanup()

	if _, err := eng.Ingest(context.Background(), "u1", "User loves Italian food",
		IngestOptions{Category: store.CategoryPreference}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	block, err := eng.RecallContext(context.Background(), "u1", "food preferences", 3)
	if err != nil {
		t.Fatalf("RecallContext: %v", err)
	}
	if block == "" {
		t.Error("expected a formatted context block")
	}
}
