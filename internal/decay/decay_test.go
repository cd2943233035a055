package decay

import (
	"os"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/store"
)

func setupTestDB(t *testing.T) (*store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "decay-test-*")
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

func newEngine() *Engine {
	return New(config.Defaults().Decay)
}

func TestStaticProfileAlwaysOne(t *testing.T) {
	e := newEngine()
	m := &store.Memory{
		Kind:       store.KindStaticProfile,
		Importance: 1,
		CreatedAt:  time.Now().AddDate(-2, 0, 0).UnixMilli(),
	}
	if p := e.Prominence(m, time.Now()); p != 1.0 {
		t.Errorf("static profile should decay to 1.0, got %f", p)
	}
}

func TestProminenceMonotoneInAge(t *testing.T) {
	e := newEngine()
	now := time.Now()
	m := &store.Memory{
		Kind:       store.KindRegular,
		Category:   store.CategoryFact,
		Importance: 5,
		CreatedAt:  now.UnixMilli(),
	}

	prev := e.Prominence(m, now)
	for _, days := range []int{1, 7, 30, 180, 365} {
		p := e.Prominence(m, now.AddDate(0, 0, days))
		if p > prev {
			t.Errorf("prominence rose with age at day %d: %f > %f", days, p, prev)
		}
		prev = p
	}
}

func TestProminenceBounds(t *testing.T) {
	e := newEngine()
	now := time.Now()
	cases := []*store.Memory{
		{Kind: store.KindRegular, Category: store.CategoryEvent, Importance: 1, CreatedAt: now.AddDate(-3, 0, 0).UnixMilli()},
		{Kind: store.KindRegular, Category: store.CategoryPreference, Importance: 10, AccessCount: 100, LastAccessed: now.UnixMilli(), CreatedAt: now.UnixMilli()},
		{Kind: store.KindDerived, Category: store.CategoryInsight, Importance: 10, AccessCount: 10, CreatedAt: now.UnixMilli()},
	}
	for i, m := range cases {
		p := e.Prominence(m, now)
		if p < 0 || p > 1 {
			t.Errorf("case %d: prominence %f out of [0, 1]", i, p)
		}
	}
}

func TestEventDecaysFasterThanPreference(t *testing.T) {
	e := newEngine()
	now := time.Now()
	created := now.AddDate(0, 0, -60).UnixMilli()

	event := &store.Memory{Kind: store.KindRegular, Category: store.CategoryEvent, Importance: 5, CreatedAt: created}
	pref := &store.Memory{Kind: store.KindRegular, Category: store.CategoryPreference, Importance: 5, CreatedAt: created}

	if pe, pp := e.Prominence(event, now), e.Prominence(pref, now); pe >= pp {
		t.Errorf("event (%f) should decay below preference (%f) at 60 days", pe, pp)
	}
}

func TestRunBatchEmitsOnlyChanged(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	e := newEngine()

	m := &store.Memory{UserID: "u1", Content: "old event", Category: store.CategoryEvent, Importance: 3}
	if err := db.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	old := time.Now().AddDate(0, 0, -90).UnixMilli()
	db.TestSetMemoryTimestamps(m.ID, old, old, 0)

	static := &store.Memory{UserID: "u1", Content: "name", Kind: store.KindStaticProfile}
	if err := db.AddMemory(static); err != nil {
		t.Fatalf("AddMemory static: %v", err)
	}

	n, err := e.RunBatch(db, time.Now())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 updated memory, got %d", n)
	}

	got, _ := db.GetMemory(m.ID)
	if got.Prominence >= 0.5 {
		t.Errorf("90-day-old event should have dropped below 0.5, got %f", got.Prominence)
	}
	gotStatic, _ := db.GetMemory(static.ID)
	if gotStatic.Prominence != 1.0 {
		t.Errorf("static profile prominence moved: %f", gotStatic.Prominence)
	}

	// Second run right after should change nothing
	n2, _ := e.RunBatch(db, time.Now())
	if n2 != 0 {
		t.Errorf("immediate rerun should emit nothing, got %d", n2)
	}
}

func TestUtilityArchival(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	e := newEngine()

	low := &store.Memory{UserID: "u1", Content: "forgotten", Category: store.CategoryEvent, Importance: 1, Prominence: 0.05}
	if err := db.AddMemory(low); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	keep := &store.Memory{UserID: "u1", Content: "kept", Category: store.CategoryFact, Importance: 8, Prominence: 0.6}
	if err := db.AddMemory(keep); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	n, err := e.RunUtilityArchival(db)
	if err != nil {
		t.Fatalf("RunUtilityArchival: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived, got %d", n)
	}
	got, _ := db.GetMemory(low.ID)
	if got.Kind != store.KindSuperseded || got.IsLatest {
		t.Errorf("low-utility memory should be archived by flag, got kind=%s latest=%v", got.Kind, got.IsLatest)
	}
	if kept, _ := db.GetMemory(keep.ID); kept.Kind != store.KindRegular {
		t.Errorf("in-band memory should stay regular, got %s", kept.Kind)
	}
}

func TestUtilityFormula(t *testing.T) {
	m := &store.Memory{Prominence: 0.5, AccessCount: 0}
	if u := Utility(m); u != 0 {
		t.Errorf("zero accesses should give zero utility, got %f", u)
	}
	m.AccessCount = 5
	if u := Utility(m); u <= 0 {
		t.Errorf("accessed memory should have positive utility, got %f", u)
	}
}
