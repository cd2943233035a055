package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// fakeEmbedder hashes tokens into a fixed-width bag-of-words vector, so
// texts sharing words come out cosine-similar. Deterministic and offline.
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

// fakeLLM returns scripted responses in order, then repeats the last one
type fakeLLM struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: f.responses[i]}},
		StopReason: "end_turn",
	}, nil
}

func setupPipeline(t *testing.T, client llm.Client) (*Pipeline, *store.DB, *fakeEmbedder, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "retrieval-test-*")
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
	emb := &fakeEmbedder{dim: 64}
	cfg := config.Defaults()
	p := New(db, emb, graph.NewSeeded(db, 1), client, cfg.Retrieval, cfg.Graph, time.Second)
	return p, db, emb, cleanup
}

func ingest(t *testing.T, db *store.DB, emb *fakeEmbedder, user, content string) *store.Memory {
	t.Helper()
	vec, _ := emb.Embed(context.Background(), content)
	m := &store.Memory{UserID: user, Content: content, Embedding: vec}
	if err := db.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	return m
}

func TestSearchBySimilarity(t *testing.T) {
	p, db, emb, cleanup := setupPipeline(t, nil)
	defer cleanup()

	italian := ingest(t, db, emb, "u1", "User loves Italian food")
	toyota := ingest(t, db, emb, "u1", "User drives a Toyota")

	results, err := p.Search(context.Background(), "What are my food preferences?", "u1", 3, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Memory.ID != italian.ID {
		t.Errorf("food query should rank the Italian-food entry first, got %q", results[0].Memory.Content)
	}
	for i, r := range results {
		if r.Memory.ID == toyota.ID && i == 0 {
			t.Error("Toyota entry should not outrank the food entry")
		}
	}
}

func TestSearchUniqueToken(t *testing.T) {
	p, db, emb, cleanup := setupPipeline(t, nil)
	defer cleanup()

	target := ingest(t, db, emb, "u1", "User plays the xylophone on Sundays")
	ingest(t, db, emb, "u1", "User works as an accountant")
	ingest(t, db, emb, "u1", "User has two cats")

	results, err := p.Search(context.Background(), "xylophone", "u1", 3, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Memory.ID == target.ID {
			return
		}
	}
	t.Errorf("unique token query missed its memory; got %d results", len(results))
}

func TestSearchEmptyCandidates(t *testing.T) {
	p, _, _, cleanup := setupPipeline(t, nil)
	defer cleanup()

	results, err := p.Search(context.Background(), "anything", "nobody", 5, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("empty candidate set should return empty, got %d", len(results))
	}
}

func TestSearchActivationPullsNeighbors(t *testing.T) {
	p, db, emb, cleanup := setupPipeline(t, nil)
	defer cleanup()

	a := ingest(t, db, emb, "u1", "User lives in San Francisco")
	b := ingest(t, db, emb, "u1", "The apartment is in Mission District")
	c := ingest(t, db, emb, "u1", "Rent is $3000 per month")
	db.AddRelation(&store.Relation{SourceID: a.ID, TargetID: b.ID, Type: store.RelExtends, Confidence: 0.9})
	db.AddRelation(&store.Relation{SourceID: b.ID, TargetID: c.ID, Type: store.RelExtends, Confidence: 0.9})

	results, err := p.Search(context.Background(), "Tell me about San Francisco living", "u1", 3, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	var gotA, gotNeighbor bool
	for _, r := range results {
		if r.Memory.ID == a.ID {
			gotA = true
		}
		if r.Memory.ID == b.ID || r.Memory.ID == c.ID {
			gotNeighbor = true
		}
	}
	if !gotA {
		t.Error("direct match should be in results")
	}
	if !gotNeighbor {
		t.Error("graph-adjacent memory should be surfaced via activation")
	}
}

func TestSearchBumpsAccess(t *testing.T) {
	p, db, emb, cleanup := setupPipeline(t, nil)
	defer cleanup()

	m := ingest(t, db, emb, "u1", "User likes hiking")
	if _, err := p.Search(context.Background(), "hiking", "u1", 3, Options{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	got, _ := db.GetMemory(m.ID)
	if got.AccessCount != 1 || got.LastAccessed == 0 {
		t.Errorf("retrieval should bump access, got count=%d last=%d", got.AccessCount, got.LastAccessed)
	}
}

func TestRerankFailureFallsBack(t *testing.T) {
	client := &fakeLLM{err: fmt.Errorf("model offline")}
	p, db, emb, cleanup := setupPipeline(t, client)
	defer cleanup()

	ingest(t, db, emb, "u1", "User likes green tea")
	ingest(t, db, emb, "u1", "User likes black coffee")

	results, err := p.Search(context.Background(), "green tea", "u1", 2, Options{EnableRerank: true})
	if err != nil {
		t.Fatalf("Search with failing reranker must not error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected pre-rerank results on fallback")
	}
	if client.calls == 0 {
		t.Error("reranker should have been attempted")
	}
}

func TestRerankReorders(t *testing.T) {
	client := &fakeLLM{responses: []string{`[{"index": 2, "score": 0.9}, {"index": 1, "score": 0.1}]`}}
	p, db, emb, cleanup := setupPipeline(t, client)
	defer cleanup()

	ingest(t, db, emb, "u1", "User likes green tea in the morning")
	second := ingest(t, db, emb, "u1", "User likes green smoothies")

	results, err := p.Search(context.Background(), "green tea", "u1", 2, Options{EnableRerank: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Memory.ID != second.ID {
		t.Errorf("reranker scores should reorder results, got %q first", results[0].Memory.Content)
	}
}

func TestBM25PrefersTermDensity(t *testing.T) {
	docs := []string{
		"coffee coffee coffee",
		"coffee and tea",
		"nothing relevant here",
	}
	scores := bm25Scores("coffee", docs)
	if scores[0] <= scores[1] {
		t.Errorf("denser doc should score higher: %v", scores)
	}
	if scores[2] != 0 {
		t.Errorf("non-matching doc should score 0, got %f", scores[2])
	}
}

func TestRankNormalize(t *testing.T) {
	out := rankNormalize([]float64{0.2, 0, 3.5, 1.0})
	if out[2] != 1.0 {
		t.Errorf("best score should normalize to 1.0, got %f", out[2])
	}
	if out[3] != 0.5 {
		t.Errorf("second best should normalize to 0.5, got %f", out[3])
	}
	if out[1] != 0 {
		t.Errorf("zero stays zero, got %f", out[1])
	}
}

func TestMMRDiversifies(t *testing.T) {
	mk := func(id, content string, score float64) Result {
		return Result{Memory: &store.Memory{ID: id, Content: content}, Score: score}
	}
	results := []Result{
		mk("a", "coffee dark roast morning", 1.0),
		mk("b", "coffee dark roast morning brew", 0.95),
		mk("c", "weekend hiking in the mountains", 0.9),
	}
	ordered := mmrOrder(results, 0.5)
	if ordered[0].Memory.ID != "a" {
		t.Errorf("highest relevance should stay first, got %s", ordered[0].Memory.ID)
	}
	if ordered[1].Memory.ID != "c" {
		t.Errorf("diverse candidate should displace the near-duplicate, got %s", ordered[1].Memory.ID)
	}
}
