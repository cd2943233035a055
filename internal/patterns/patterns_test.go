package patterns

import (
	"os"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/store"
)

func setupTracker(t *testing.T) (*Tracker, *store.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "patterns-test-*")
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
	return New(db), db, cleanup
}

func TestRecordMessageUpdatesCounters(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	at := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	tracker.RecordMessage("u1", "hello there", at)
	tracker.RecordMessage("u1", "how are you doing today", at.Add(time.Minute))

	p, err := tracker.Get("u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.MessageCount != 2 {
		t.Errorf("message count should be 2, got %d", p.MessageCount)
	}
	if p.ActiveHours[14] != 2 {
		t.Errorf("active hour 14 should count 2, got %d", p.ActiveHours[14])
	}
	if p.AvgResponseLength <= 0 {
		t.Errorf("average response length should be positive, got %f", p.AvgResponseLength)
	}
}

func TestAffectEMAMoves(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	at := time.Now()
	for i := 0; i < 5; i++ {
		tracker.RecordMessage("u1", "I love this, it's great and awesome", at.Add(time.Duration(i)*time.Minute))
	}
	p, _ := tracker.Get("u1")
	if p.Affect.Valence <= 0 {
		t.Errorf("positive messages should lift valence, got %f", p.Affect.Valence)
	}
	if p.Affect.Emotion == "stressed" || p.Affect.Emotion == "down" {
		t.Errorf("unexpected emotion label %q", p.Affect.Emotion)
	}

	for i := 0; i < 8; i++ {
		tracker.RecordMessage("u1", "I hate this, it's terrible and awful, so frustrated", at.Add(time.Hour+time.Duration(i)*time.Minute))
	}
	p, _ = tracker.Get("u1")
	if p.Affect.Valence >= 0 {
		t.Errorf("negative streak should sink valence, got %f", p.Affect.Valence)
	}
	// Fast average falls below the slow baseline on a sudden turn
	if p.AffectEMA.FastValence >= p.AffectEMA.SlowValence {
		t.Errorf("fast EMA should undercut slow on a negative turn: fast=%f slow=%f",
			p.AffectEMA.FastValence, p.AffectEMA.SlowValence)
	}
}

func TestNeutralTextLeavesAffectAlone(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	tracker.RecordMessage("u1", "the meeting is at three", time.Now())
	p, _ := tracker.Get("u1")
	if p.AffectEMA.LastUpdate != 0 {
		t.Errorf("lexicon-free text should not move affect, got update at %d", p.AffectEMA.LastUpdate)
	}
}

func TestTopicTags(t *testing.T) {
	tags := TopicTags("I am planning a trip to Paris with my brother to see the museums", 5)
	if len(tags) == 0 {
		t.Fatal("expected topic tags")
	}
	if len(tags) > 5 {
		t.Errorf("tag cap exceeded: %v", tags)
	}
	var hasNoun bool
	for _, tag := range tags {
		if tag == "paris" || tag == "trip" || tag == "museums" || tag == "brother" {
			hasNoun = true
		}
	}
	if !hasNoun {
		t.Errorf("expected a salient noun among tags, got %v", tags)
	}
}

func TestNoteSession(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	tracker.NoteSession("u1", 10, 20*time.Minute, []string{"travel", "food"})
	p, _ := tracker.Get("u1")
	if p.SessionCount != 1 {
		t.Errorf("session count should be 1, got %d", p.SessionCount)
	}
	if p.AvgSessionLength != 20 {
		t.Errorf("average session length should be 20 minutes, got %f", p.AvgSessionLength)
	}
	if p.TopicSwitchRate <= 0 {
		t.Errorf("topic switch rate should move, got %f", p.TopicSwitchRate)
	}
}
