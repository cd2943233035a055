package board

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// fakeChannel records deliveries
type fakeChannel struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) SendMessage(userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("channel down")
	}
	f.sent = append(f.sent, userID+": "+text)
	return nil
}

func (f *fakeChannel) SendFile(userID, path, caption string) error { return nil }

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeRunner executes task items
type fakeRunner struct {
	result string
	err    error
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, goal string, _ []string) (string, int, error) {
	f.calls++
	if f.err != nil {
		return "", 0, f.err
	}
	return f.result, 2, nil
}

func setupBoard(t *testing.T, channel Channel, runner SkillRunner) (*Manager, *store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "board-test-*")
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
	return New(db, config.Defaults().Board, channel, runner), db, cleanup
}

// middayLocal returns a time safely outside the default quiet window
func middayLocal() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.Local)
}

func TestSchedulerFiresAndTracksEngagement(t *testing.T) {
	channel := &fakeChannel{}
	m, db, cleanup := setupBoard(t, channel, nil)
	defer cleanup()

	now := middayLocal()
	item := &store.ScheduledItem{
		UserID:    "u1",
		Source:    store.SourceAgent,
		Kind:      store.ItemNudge,
		Type:      "follow_up",
		Message:   "Checking in on your goal",
		TriggerAt: now.Add(-time.Minute).UnixMilli(),
	}
	if err := m.CreateItem(item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	fired, err := m.Evaluate(context.Background(), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fired != 1 || channel.count() != 1 {
		t.Fatalf("expected 1 delivery, fired=%d sent=%d", fired, channel.count())
	}

	got, _ := db.GetScheduledItem(item.ID)
	if got.Status != store.StatusFired || got.FiredAt == 0 {
		t.Errorf("item should be fired with a stamp, got %s/%d", got.Status, got.FiredAt)
	}

	// User replies within the engagement window
	if err := m.NoteUserActivity("u1", now.Add(5*time.Minute)); err != nil {
		t.Fatalf("NoteUserActivity: %v", err)
	}
	got, _ = db.GetScheduledItem(item.ID)
	if got.Status != store.StatusActed {
		t.Errorf("engaged item should be acted, got %s", got.Status)
	}
}

func TestSchedulerQuietHoursHoldNudges(t *testing.T) {
	channel := &fakeChannel{}
	m, db, cleanup := setupBoard(t, channel, nil)
	defer cleanup()

	now := time.Now()
	night := time.Date(now.Year(), now.Month(), now.Day(), 23, 0, 0, 0, time.Local)
	item := &store.ScheduledItem{
		UserID:    "u1",
		Kind:      store.ItemNudge,
		Message:   "late nudge",
		TriggerAt: night.Add(-time.Hour).UnixMilli(),
	}
	m.CreateItem(item)

	fired, err := m.Evaluate(context.Background(), night)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fired != 0 || channel.count() != 0 {
		t.Errorf("quiet hours must suppress nudges, fired=%d", fired)
	}
	got, _ := db.GetScheduledItem(item.ID)
	if got.Status != store.StatusPending {
		t.Errorf("suppressed item should stay pending for retry, got %s", got.Status)
	}
}

func TestSchedulerDeliveryFailureRetries(t *testing.T) {
	channel := &fakeChannel{fail: true}
	m, db, cleanup := setupBoard(t, channel, nil)
	defer cleanup()

	now := middayLocal()
	item := &store.ScheduledItem{UserID: "u1", Message: "x", TriggerAt: now.Add(-time.Minute).UnixMilli()}
	m.CreateItem(item)

	fired, _ := m.Evaluate(context.Background(), now)
	if fired != 0 {
		t.Errorf("failed delivery must not count as fired, got %d", fired)
	}
	got, _ := db.GetScheduledItem(item.ID)
	if got.Status != store.StatusPending {
		t.Errorf("undeliverable item should return to pending, got %s", got.Status)
	}
}

func TestTaskDispatchesToRunner(t *testing.T) {
	channel := &fakeChannel{}
	runner := &fakeRunner{result: "summary of findings"}
	m, db, cleanup := setupBoard(t, channel, runner)
	defer cleanup()

	now := middayLocal()
	item := &store.ScheduledItem{
		UserID:    "u1",
		Kind:      store.ItemTask,
		Type:      "research",
		Message:   "Summarize the quarterly report",
		TriggerAt: now.Add(-time.Minute).UnixMilli(),
	}
	m.CreateItem(item)

	fired, err := m.Evaluate(context.Background(), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fired != 1 || runner.calls != 1 {
		t.Fatalf("task should dispatch once, fired=%d calls=%d", fired, runner.calls)
	}
	got, _ := db.GetScheduledItem(item.ID)
	if got.Result != "summary of findings" || got.CompletedAt == 0 {
		t.Errorf("task result should be stored, got %q/%d", got.Result, got.CompletedAt)
	}
}

func TestRecurringItemReschedules(t *testing.T) {
	channel := &fakeChannel{}
	m, db, cleanup := setupBoard(t, channel, nil)
	defer cleanup()

	now := middayLocal()
	item := &store.ScheduledItem{
		UserID:    "u1",
		Message:   "daily standup reminder",
		TriggerAt: now.Add(-time.Minute).UnixMilli(),
		Recurring: "@every 24h",
	}
	m.CreateItem(item)

	if fired, _ := m.Evaluate(context.Background(), now); fired != 1 {
		t.Fatal("recurring item should fire")
	}

	pending, _ := db.ListScheduledItems("u1", store.StatusPending)
	if len(pending) != 1 {
		t.Fatalf("a successor should be pending, got %d", len(pending))
	}
	next := pending[0]
	if next.ID == item.ID {
		t.Error("successor should be a new item")
	}
	wantTrigger := now.Add(24 * time.Hour).UnixMilli()
	if next.TriggerAt != wantTrigger {
		t.Errorf("successor trigger: got %d, want %d", next.TriggerAt, wantTrigger)
	}
}

func TestGoalBridgeProgress(t *testing.T) {
	m, db, cleanup := setupBoard(t, &fakeChannel{}, nil)
	defer cleanup()

	parent := &store.Memory{UserID: "u1", Content: "Run a marathon", Metadata: map[string]any{"type": "goal", "status": "active"}}
	c1 := &store.Memory{UserID: "u1", Content: "Buy running shoes", Metadata: map[string]any{"type": "goal", "status": "active"}}
	c2 := &store.Memory{UserID: "u1", Content: "Complete a half marathon", Metadata: map[string]any{"type": "goal", "status": "active"}}
	for _, mem := range []*store.Memory{parent, c1, c2} {
		if err := db.AddMemory(mem); err != nil {
			t.Fatalf("AddMemory: %v", err)
		}
	}
	db.AddRelation(&store.Relation{SourceID: c1.ID, TargetID: parent.ID, Type: store.RelExtends, Confidence: 1})
	db.AddRelation(&store.Relation{SourceID: c2.ID, TargetID: parent.ID, Type: store.RelExtends, Confidence: 1})

	item := &store.ScheduledItem{UserID: "u1", Message: "buy the shoes", GoalID: c1.ID}
	m.CreateItem(item)

	if err := m.Move(item.ID, store.BoardDone); err != nil {
		t.Fatalf("Move: %v", err)
	}

	child, _ := db.GetMemory(c1.ID)
	if status, _ := child.Metadata["status"].(string); status != "completed" {
		t.Errorf("linked goal should be completed, got %v", child.Metadata["status"])
	}
	p, _ := db.GetMemory(parent.ID)
	progress, _ := p.Metadata["progress"].(float64)
	if int(progress) != 50 {
		t.Errorf("parent progress should be 50, got %v", p.Metadata["progress"])
	}
}

func TestPlanDelivery(t *testing.T) {
	m, db, cleanup := setupBoard(t, &fakeChannel{}, nil)
	defer cleanup()

	now := middayLocal()
	if got := m.PlanDelivery("u1", store.PriorityUrgent, now); got != now.UnixMilli() {
		t.Errorf("urgent should fire now, got %d", got)
	}

	low := m.PlanDelivery("u1", store.PriorityLow, now)
	if low <= now.UnixMilli() {
		t.Error("low priority should defer to next morning")
	}
	lowTime := time.UnixMilli(low).In(time.Local)
	if lowTime.Hour() != config.Defaults().Board.QuietEndHour {
		t.Errorf("low priority should land at the quiet-end hour, got %d", lowTime.Hour())
	}

	// Medium with an active-hours pattern prefers the user's active window
	p, _ := db.GetPatterns("u1")
	p.ActiveHours[now.Hour()] = 10
	db.PutPatterns(p)
	med := m.PlanDelivery("u1", store.PriorityMedium, now)
	if med != now.UnixMilli() {
		t.Errorf("currently active hour should deliver now, got %d", med)
	}
}

func TestTrustScoreColdStart(t *testing.T) {
	m, db, cleanup := setupBoard(t, &fakeChannel{}, nil)
	defer cleanup()

	score, dial, err := m.TrustScore("u1", time.Now())
	if err != nil {
		t.Fatalf("TrustScore: %v", err)
	}
	if dial != store.DialModerate || score != 0.5 {
		t.Errorf("cold start should pin moderate/0.5, got %s/%f", dial, score)
	}

	// Past cold start with all items acted, the dial turns eager
	for i := 0; i < 5; i++ {
		sess, _ := db.CreateSession("u1")
		db.WriteSessionSummary(&store.SessionSummary{SessionID: sess.ID, UserID: "u1", Summary: "s", MessageCount: 1})
	}
	now := time.Now()
	for i := 0; i < 3; i++ {
		item := &store.ScheduledItem{UserID: "u1", Message: fmt.Sprintf("nudge %d", i)}
		db.AddScheduledItem(item)
		db.TransitionItem(item.ID, store.StatusProcessing)
		db.TransitionItem(item.ID, store.StatusFired)
		db.TransitionItem(item.ID, store.StatusActed)
	}
	_, dial, err = m.TrustScore("u1", now)
	if err != nil {
		t.Fatalf("TrustScore: %v", err)
	}
	if dial != store.DialEager {
		t.Errorf("fully engaged user should read eager, got %s", dial)
	}
}

func TestAutoArchiveOldFired(t *testing.T) {
	m, db, cleanup := setupBoard(t, &fakeChannel{}, nil)
	defer cleanup()

	now := time.Now()
	item := &store.ScheduledItem{UserID: "u1", Message: "stale fired item"}
	db.AddScheduledItem(item)
	db.TransitionItem(item.ID, store.StatusProcessing)
	db.TransitionItem(item.ID, store.StatusFired)
	db.TestSetItemTimes(item.ID, 0, now.AddDate(0, 0, -10).UnixMilli())

	archived, err := m.AutoArchive(now)
	if err != nil {
		t.Fatalf("AutoArchive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected 1 archived, got %d", archived)
	}
	got, _ := db.GetScheduledItem(item.ID)
	if got.BoardStatus != store.BoardArchived || got.Status != store.StatusDismissed {
		t.Errorf("old fired item should be archived/dismissed, got %s/%s", got.BoardStatus, got.Status)
	}
}

func TestLongOverdueItemsExpire(t *testing.T) {
	channel := &fakeChannel{}
	m, db, cleanup := setupBoard(t, channel, nil)
	defer cleanup()

	now := middayLocal()
	item := &store.ScheduledItem{
		UserID:    "u1",
		Message:   "ancient reminder",
		TriggerAt: now.AddDate(0, 0, -45).UnixMilli(),
	}
	m.CreateItem(item)

	fired, err := m.Evaluate(context.Background(), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fired != 0 || channel.count() != 0 {
		t.Errorf("expired item must not deliver, fired=%d", fired)
	}
	got, _ := db.GetScheduledItem(item.ID)
	if got.Status != store.StatusExpired || got.BoardStatus != store.BoardArchived {
		t.Errorf("45-day-overdue item should be expired/archived, got %s/%s", got.Status, got.BoardStatus)
	}
}

func TestInQuietHoursWrapsMidnight(t *testing.T) {
	m, _, cleanup := setupBoard(t, &fakeChannel{}, nil)
	defer cleanup()

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		hour int
		want bool
	}{
		{23, true}, {2, true}, {7, true}, {8, false}, {12, false}, {21, false}, {22, true},
	}
	for _, c := range cases {
		tm := day.Add(time.Duration(c.hour) * time.Hour)
		if got := m.InQuietHours(tm); got != c.want {
			t.Errorf("hour %d: quiet=%v, want %v", c.hour, got, c.want)
		}
	}
}
