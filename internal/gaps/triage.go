package gaps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Diagnosis is the Stage-2 verdict on one signal
type Diagnosis struct {
	Index           int     `json:"index"`
	Actionable      bool    `json:"actionable"`
	Confidence      float64 `json:"confidence"`
	Diagnosis       string  `json:"diagnosis"`
	SuggestedAction string  `json:"suggestedAction"`
}

// Planner computes a delivery time for a follow-up; the board implements it
type Planner interface {
	PlanDelivery(userID string, priority store.Priority, now time.Time) int64
}

// Pipeline runs the two-stage gap diagnosis for a user
type Pipeline struct {
	db      *store.DB
	llm     llm.Client
	planner Planner
	cfg     config.GapsConfig
}

// NewPipeline creates a gap pipeline
func NewPipeline(db *store.DB, client llm.Client, planner Planner, cfg config.GapsConfig) *Pipeline {
	return &Pipeline{db: db, llm: client, planner: planner, cfg: cfg}
}

const triageSystem = `You triage signals about gaps in an agent's behavior toward its user.
For each numbered signal decide whether a proactive follow-up is warranted.
When in doubt mark NOT actionable.`

const triageUser = `User proactiveness dial: %s
User's current emotional state: %s

Signals:
%s

Reply with a JSON array only, one entry per signal:
[{"index": 1, "actionable": true|false, "confidence": 0.0-1.0,
  "diagnosis": "what the gap is", "suggestedAction": "short message to send the user"}]`

// Triage runs Stage 2 over the collected signals. Any language failure or
// unparseable output yields the fail-safe verdict: one entry per signal,
// actionable = false, confidence = 0.
func (p *Pipeline) Triage(ctx context.Context, signals []Signal, dial store.ProactivenessDial, emotion string) []Diagnosis {
	failSafe := make([]Diagnosis, len(signals))
	for i := range signals {
		failSafe[i] = Diagnosis{Index: i + 1}
	}
	if len(signals) == 0 || p.llm == nil {
		return failSafe
	}

	var sb strings.Builder
	for i, s := range signals {
		fmt.Fprintf(&sb, "%d. [%s/%s] %s\n", i+1, s.Type, s.Severity, s.Description)
	}
	if emotion == "" {
		emotion = "neutral"
	}

	resp, err := p.llm.Complete(ctx, llm.Request{
		System:      triageSystem,
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(triageUser, dial, emotion, sb.String())}},
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		logging.Warn("gaps", "triage failed, treating all as not actionable: %v", err)
		return failSafe
	}

	var parsed []Diagnosis
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		logging.Warn("gaps", "triage unparseable, treating all as not actionable: %v", err)
		return failSafe
	}

	// Fold valid entries onto the fail-safe baseline; out-of-range indices
	// are skipped.
	out := failSafe
	for _, d := range parsed {
		if d.Index < 1 || d.Index > len(signals) {
			continue
		}
		out[d.Index-1] = d
	}
	return out
}

// Run executes the full pipeline for one user: collect, triage, filter,
// schedule. Returns the number of scheduled items created.
func (p *Pipeline) Run(ctx context.Context, userID string, now time.Time) (int, error) {
	signals, err := CollectSignals(p.db, userID, p.cfg, now)
	if err != nil {
		return 0, err
	}
	if len(signals) == 0 {
		return 0, nil
	}

	patterns, err := p.db.GetPatterns(userID)
	if err != nil {
		return 0, err
	}
	dial := patterns.Prefs.Dial
	if dial == "" {
		dial = store.DialModerate
	}

	diagnoses := p.Triage(ctx, signals, dial, patterns.Affect.Emotion)

	var created int
	for i, d := range diagnoses {
		if !d.Actionable {
			continue
		}
		signal := signals[i]
		// Conservative users only hear about high-severity gaps
		if dial == store.DialConservative && signal.Severity != SeverityHigh {
			continue
		}

		message := d.SuggestedAction
		if message == "" {
			message = signal.Description
		}

		// Skip near-duplicates of pending reminders
		if dup, err := p.db.HasSimilarPending(userID, message, p.cfg.DedupOverlap); err != nil || dup {
			continue
		}

		priority := severityPriority(signal.Severity)
		triggerAt := now.UnixMilli()
		if p.planner != nil {
			triggerAt = p.planner.PlanDelivery(userID, priority, now)
		}

		item := &store.ScheduledItem{
			UserID:    userID,
			Source:    store.SourceAgent,
			Kind:      store.ItemNudge,
			Type:      "follow_up",
			Message:   message,
			Context:   marshalContext(signal),
			TriggerAt: triggerAt,
			Priority:  priority,
		}
		if err := p.db.AddScheduledItem(item); err != nil {
			logging.Warn("gaps", "follow-up persist failed: %v", err)
			continue
		}
		created++
	}
	return created, nil
}

func severityPriority(s Severity) store.Priority {
	switch s {
	case SeverityHigh:
		return store.PriorityUrgent
	case SeverityMedium:
		return store.PriorityMedium
	}
	return store.PriorityLow
}

func marshalContext(s Signal) string {
	b, _ := json.Marshal(map[string]string{
		"gapType":  s.Type,
		"sourceId": s.SourceID,
	})
	return string(b)
}
