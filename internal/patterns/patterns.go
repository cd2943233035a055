package patterns

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/prose/v3"

	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// EMA smoothing factors: the fast average reacts within a few messages, the
// slow one tracks the baseline mood.
const (
	fastAlpha = 0.3
	slowAlpha = 0.05
)

// Tracker maintains per-user behavioral patterns with a read-through cache.
// Writes are best-effort by policy.
type Tracker struct {
	db *store.DB

	mu    sync.Mutex
	cache map[string]*store.BehavioralPatterns
}

// New creates a tracker
func New(db *store.DB) *Tracker {
	return &Tracker{db: db, cache: make(map[string]*store.BehavioralPatterns)}
}

// Get returns the user's patterns, reading through the cache
func (t *Tracker) Get(userID string) (*store.BehavioralPatterns, error) {
	t.mu.Lock()
	if p, ok := t.cache[userID]; ok {
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	p, err := t.db.GetPatterns(userID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.cache[userID] = p
	t.mu.Unlock()
	return p, nil
}

// RecordMessage folds one user message into the behavioral record: message
// frequency, active hours, response length, topic switching and affect.
func (t *Tracker) RecordMessage(userID, text string, at time.Time) {
	p, err := t.Get(userID)
	if err != nil {
		logging.Debug("patterns", "read failed for %s: %v", userID, err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p.MessageCount++
	p.ActiveHours[at.Hour()]++
	n := float64(p.MessageCount)
	p.AvgResponseLength += (float64(len(text)) - p.AvgResponseLength) / n

	// Daily rate: messages per day since the previous message, smoothed
	if p.LastMessageAt > 0 {
		gapDays := float64(at.UnixMilli()-p.LastMessageAt) / 86400000.0
		if gapDays > 0 {
			instant := 1.0 / gapDays
			if p.DailyRate == 0 {
				p.DailyRate = instant
			} else {
				p.PrevDailyRate = p.DailyRate
				p.DailyRate += fastAlpha * (instant - p.DailyRate)
			}
		}
	}
	p.LastMessageAt = at.UnixMilli()

	t.updateAffect(p, text, at)

	if err := t.db.PutPatterns(p); err != nil {
		logging.Debug("patterns", "write failed for %s: %v", userID, err)
	}
}

// updateAffect scores the message against a small valence/arousal lexicon
// and folds it into the fast and slow EMAs. The emotion label comes from
// the fast state's quadrant; the goal signal from the fast-slow divergence.
func (t *Tracker) updateAffect(p *store.BehavioralPatterns, text string, at time.Time) {
	valence, arousal, scored := scoreAffect(text)
	if !scored {
		return
	}

	ema := &p.AffectEMA
	if ema.LastUpdate == 0 {
		ema.FastValence, ema.SlowValence = valence, valence
		ema.FastArousal, ema.SlowArousal = arousal, arousal
	} else {
		ema.FastValence += fastAlpha * (valence - ema.FastValence)
		ema.FastArousal += fastAlpha * (arousal - ema.FastArousal)
		ema.SlowValence += slowAlpha * (valence - ema.SlowValence)
		ema.SlowArousal += slowAlpha * (arousal - ema.SlowArousal)
	}
	ema.LastUpdate = at.UnixMilli()

	p.Affect.Valence = ema.FastValence
	p.Affect.Arousal = ema.FastArousal
	p.Affect.Emotion = emotionLabel(ema.FastValence, ema.FastArousal)
	if ema.FastValence-ema.SlowValence < -0.2 {
		p.Affect.GoalSignal = "frustrated"
	} else if ema.FastValence-ema.SlowValence > 0.2 {
		p.Affect.GoalSignal = "encouraged"
	} else {
		p.Affect.GoalSignal = ""
	}
}

func emotionLabel(valence, arousal float64) string {
	switch {
	case valence >= 0.1 && arousal >= 0.1:
		return "excited"
	case valence >= 0.1:
		return "content"
	case valence <= -0.1 && arousal >= 0.1:
		return "stressed"
	case valence <= -0.1:
		return "down"
	}
	return "neutral"
}

// affectLexicon maps stemmed words to (valence, arousal) in [-1, 1]
var affectLexicon = map[string][2]float64{
	"love": {0.9, 0.5}, "great": {0.7, 0.3}, "happy": {0.8, 0.4},
	"excited": {0.7, 0.8}, "awesome": {0.8, 0.5}, "good": {0.5, 0.1},
	"thanks": {0.5, 0.1}, "perfect": {0.8, 0.3}, "glad": {0.6, 0.2},
	"hate": {-0.9, 0.6}, "angry": {-0.7, 0.8}, "frustrated": {-0.6, 0.6},
	"annoyed": {-0.5, 0.5}, "sad": {-0.7, -0.3}, "tired": {-0.3, -0.5},
	"worried": {-0.5, 0.4}, "stressed": {-0.6, 0.7}, "bad": {-0.5, 0.1},
	"terrible": {-0.8, 0.4}, "awful": {-0.8, 0.4}, "ugh": {-0.4, 0.3},
	"urgent": {-0.2, 0.8}, "deadline": {-0.2, 0.6}, "relax": {0.3, -0.6},
	"calm": {0.3, -0.5}, "ok": {0.1, -0.1}, "fine": {0.1, -0.1},
}

// scoreAffect averages lexicon hits over the message tokens
func scoreAffect(text string) (valence, arousal float64, scored bool) {
	var hits int
	for _, tok := range store.Tokenize(text) {
		if va, ok := affectLexicon[tok]; ok {
			valence += va[0]
			arousal += va[1]
			hits++
		}
	}
	if hits == 0 {
		return 0, 0, false
	}
	return valence / float64(hits), arousal / float64(hits), true
}

// NoteSession folds a closed session into the engagement stats and records
// the topic-switch rate from its summary topics.
func (t *Tracker) NoteSession(userID string, messageCount int, duration time.Duration, topics []string) {
	p, err := t.Get(userID)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p.SessionCount++
	n := float64(p.SessionCount)
	p.AvgSessionLength += (duration.Minutes() - p.AvgSessionLength) / n
	if messageCount > 1 && len(topics) > 0 {
		switchRate := float64(len(topics)-1) / float64(messageCount)
		p.TopicSwitchRate += fastAlpha * (switchRate - p.TopicSwitchRate)
	}
	if err := t.db.PutPatterns(p); err != nil {
		logging.Debug("patterns", "write failed for %s: %v", userID, err)
	}
}

// TopicTags extracts up to max topic tags from text: named entities first,
// then frequent nouns.
func TopicTags(text string, max int) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, ent := range doc.Entities() {
		add(ent.Text)
	}

	// Frequent nouns fill the remainder
	counts := make(map[string]int)
	for _, tok := range doc.Tokens() {
		if strings.HasPrefix(tok.Tag, "NN") && len(tok.Text) > 2 {
			counts[strings.ToLower(tok.Text)]++
		}
	}
	type freq struct {
		word  string
		count int
	}
	var nouns []freq
	for w, c := range counts {
		nouns = append(nouns, freq{w, c})
	}
	sort.Slice(nouns, func(i, j int) bool {
		if nouns[i].count != nouns[j].count {
			return nouns[i].count > nouns[j].count
		}
		return nouns[i].word < nouns[j].word
	})
	for _, nf := range nouns {
		add(nf.word)
	}

	if max > 0 && len(tags) > max {
		tags = tags[:max]
	}
	return tags
}

// Invalidate drops a user from the cache (tests and external writers)
func (t *Tracker) Invalidate(userID string) {
	t.mu.Lock()
	delete(t.cache, userID)
	t.mu.Unlock()
}
