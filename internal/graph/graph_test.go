package graph

import (
	"os"
	"testing"

	"github.com/tashfeenahmed/scallop/internal/store"
)

func setupTestDB(t *testing.T) (*store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "graph-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func addMemory(t *testing.T, db *store.DB, id, content string) {
	t.Helper()
	if err := db.AddMemory(&store.Memory{ID: id, UserID: "u1", Content: content}); err != nil {
		t.Fatalf("AddMemory %s: %v", id, err)
	}
}

func addEdge(t *testing.T, db *store.DB, from, to string, confidence float64) {
	t.Helper()
	if err := db.AddRelation(&store.Relation{SourceID: from, TargetID: to, Type: store.RelExtends, Confidence: confidence}); err != nil {
		t.Fatalf("AddRelation %s->%s: %v", from, to, err)
	}
}

func TestSpreadChain(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// A -> B -> C, B -> D
	addMemory(t, db, "mem-A", "User lives in San Francisco")
	addMemory(t, db, "mem-B", "User's apartment is in Mission District")
	addMemory(t, db, "mem-C", "User pays $3000 rent")
	addMemory(t, db, "mem-D", "User bikes to work")
	addEdge(t, db, "mem-A", "mem-B", 0.8)
	addEdge(t, db, "mem-B", "mem-C", 0.6)
	addEdge(t, db, "mem-B", "mem-D", 0.4)

	g := NewSeeded(db, 1)
	params := DefaultParams()
	params.ActivationThreshold = 0.01
	params.ResultThreshold = 0.05
	results, err := g.Spread(map[string]float64{"mem-A": 1.0}, params)
	if err != nil {
		t.Fatalf("Spread: %v", err)
	}

	energies := make(map[string]float64, len(results))
	for _, r := range results {
		energies[r.ID] = r.Energy
	}

	if _, ok := energies["mem-A"]; ok {
		t.Error("seed must never appear in results")
	}
	if energies["mem-B"] == 0 {
		t.Error("direct neighbor B should be activated")
	}
	if energies["mem-C"] == 0 {
		t.Error("two-hop neighbor C should be activated")
	}
	if energies["mem-B"] <= energies["mem-C"] {
		t.Errorf("closer node should carry more energy: B=%f C=%f", energies["mem-B"], energies["mem-C"])
	}
}

func TestSpreadCycleSafety(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// A -> B -> C -> A cycle
	addMemory(t, db, "cyc-A", "a")
	addMemory(t, db, "cyc-B", "b")
	addMemory(t, db, "cyc-C", "c")
	addEdge(t, db, "cyc-A", "cyc-B", 0.9)
	addEdge(t, db, "cyc-B", "cyc-C", 0.9)
	addEdge(t, db, "cyc-C", "cyc-A", 0.9)

	g := NewSeeded(db, 1)
	params := DefaultParams()
	params.MaxSteps = 10
	results, err := g.Spread(map[string]float64{"cyc-A": 1.0}, params)
	if err != nil {
		t.Fatalf("Spread: %v", err)
	}
	// Termination itself is the point; energies must stay finite and the
	// seed excluded.
	for _, r := range results {
		if r.ID == "cyc-A" {
			t.Error("seed leaked into results")
		}
		if r.Energy < 0 || r.Energy > 100 {
			t.Errorf("unstable energy for %s: %f", r.ID, r.Energy)
		}
	}
}

func TestSpreadEmptySeeds(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	g := New(db)
	results, err := g.Spread(nil, DefaultParams())
	if err != nil || results != nil {
		t.Errorf("empty seeds should return nothing, got (%v, %v)", results, err)
	}
}

func TestSpreadThresholdPrunes(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	addMemory(t, db, "thr-A", "a")
	addMemory(t, db, "thr-B", "b")
	addEdge(t, db, "thr-A", "thr-B", 0.1) // weak edge

	g := NewSeeded(db, 1)
	params := DefaultParams()
	params.ResultThreshold = 0.5
	results, err := g.Spread(map[string]float64{"thr-A": 1.0}, params)
	if err != nil {
		t.Fatalf("Spread: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("weakly connected node should fall under result threshold, got %v", results)
	}
}
