package gaps

import (
	"fmt"
	"strings"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Severity grades a gap signal
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Signal is one heuristic finding from Stage 1
type Signal struct {
	Type        string   `json:"type"` // stale_goal, deadline, behavior_anomaly, unresolved_thread
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Context     string   `json:"context,omitempty"`
	SourceID    string   `json:"source_id,omitempty"`
}

// Urgency grades a goal deadline
type Urgency string

const (
	UrgencyOverdue        Urgency = "overdue"
	UrgencyUrgent         Urgency = "urgent"
	UrgencyWarning        Urgency = "warning"
	UrgencyNotApproaching Urgency = "not_approaching"
)

// Goal is the memory-backed goal view used by the checker
type Goal struct {
	Memory  *store.Memory
	Title   string
	DueDate int64 // epoch ms, 0 = none
}

// ActiveGoals extracts a user's active goals from memory metadata
func ActiveGoals(db *store.DB, userID string) ([]Goal, error) {
	memories, err := db.ListLatestMemories(userID)
	if err != nil {
		return nil, err
	}
	var goals []Goal
	for _, m := range memories {
		if t, _ := m.Metadata["type"].(string); t != "goal" {
			continue
		}
		if status, _ := m.Metadata["status"].(string); status != "" && status != "active" {
			continue
		}
		g := Goal{Memory: m, Title: m.Content}
		if due, ok := m.Metadata["due_date"].(float64); ok {
			g.DueDate = int64(due)
		}
		goals = append(goals, g)
	}
	return goals, nil
}

// CheckDeadline grades a goal's deadline urgency at the given moment.
// warnDays defaults to 7.
func CheckDeadline(g Goal, now time.Time, warnDays int) (Urgency, int) {
	if g.DueDate == 0 {
		return UrgencyNotApproaching, 0
	}
	if warnDays <= 0 {
		warnDays = 7
	}
	daysRemaining := int((g.DueDate - now.UnixMilli()) / 86400000)
	switch {
	case daysRemaining <= 0:
		return UrgencyOverdue, daysRemaining
	case daysRemaining <= 2:
		return UrgencyUrgent, daysRemaining
	case daysRemaining <= warnDays:
		return UrgencyWarning, daysRemaining
	}
	return UrgencyNotApproaching, daysRemaining
}

// DeadlineMessage renders the fixed notification template for a goal
func DeadlineMessage(g Goal, urgency Urgency, daysRemaining int) string {
	if urgency == UrgencyOverdue {
		return fmt.Sprintf("Goal approaching deadline: %s — overdue by %d days", g.Title, -daysRemaining)
	}
	return fmt.Sprintf("Goal approaching deadline: %s — due in %d days", g.Title, daysRemaining)
}

// CollectSignals runs the Stage-1 heuristics for one user: goal staleness,
// deadline urgency, behavior anomalies and unresolved session threads.
func CollectSignals(db *store.DB, userID string, cfg config.GapsConfig, now time.Time) ([]Signal, error) {
	var signals []Signal

	goals, err := ActiveGoals(db, userID)
	if err != nil {
		return nil, err
	}
	staleCutoff := now.AddDate(0, 0, -cfg.StaleGoalDays).UnixMilli()
	for _, g := range goals {
		if g.Memory.UpdatedAt < staleCutoff {
			days := (now.UnixMilli() - g.Memory.UpdatedAt) / 86400000
			signals = append(signals, Signal{
				Type:        "stale_goal",
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("Goal %q has had no update in %d days", g.Title, days),
				SourceID:    g.Memory.ID,
			})
		}
		urgency, days := CheckDeadline(g, now, cfg.DeadlineWarnDays)
		if urgency == UrgencyNotApproaching {
			continue
		}
		severity := SeverityMedium
		if urgency == UrgencyOverdue || urgency == UrgencyUrgent {
			severity = SeverityHigh
		}
		signals = append(signals, Signal{
			Type:        "deadline",
			Severity:    severity,
			Description: DeadlineMessage(g, urgency, days),
			SourceID:    g.Memory.ID,
		})
	}

	// Behavior anomaly: dailyRate trend reversal beyond the configured limit
	patterns, err := db.GetPatterns(userID)
	if err == nil && patterns.PrevDailyRate > 0 {
		swing := (patterns.DailyRate - patterns.PrevDailyRate) / patterns.PrevDailyRate
		if swing < -cfg.TrendReversalLimit || swing > cfg.TrendReversalLimit {
			direction := "up"
			if swing < 0 {
				direction = "down"
			}
			signals = append(signals, Signal{
				Type:        "behavior_anomaly",
				Severity:    SeverityLow,
				Description: fmt.Sprintf("Message rate trended %s by %.0f%%", direction, swing*100),
			})
		}
	}

	// Unresolved threads: recent session summaries hinting at open loops
	summaries, err := db.RecentSessionSummaries(userID, now.Add(-48*time.Hour).UnixMilli())
	if err == nil {
		for _, s := range summaries {
			if hintsUnresolved(s.Summary) {
				signals = append(signals, Signal{
					Type:        "unresolved_thread",
					Severity:    SeverityLow,
					Description: fmt.Sprintf("Session ended with an open thread: %s", s.Summary),
					SourceID:    s.SessionID,
				})
			}
		}
	}

	return signals, nil
}

var unresolvedHints = []string{"unresolved", "follow up", "follow-up", "left off", "to be continued", "didn't finish", "open question"}

func hintsUnresolved(summary string) bool {
	s := strings.ToLower(summary)
	for _, h := range unresolvedHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
