package board

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Channel delivers nudges and task results out of the core
type Channel interface {
	Name() string
	SendMessage(userID, text string) error
	SendFile(userID, path, caption string) error
}

// SkillRunner executes a task item's goal out of process
type SkillRunner interface {
	Run(ctx context.Context, goal string, allowedTools []string) (result string, iterations int, err error)
}

// Manager owns the kanban view, the scheduler sweep, engagement tracking and
// delivery planning over scheduled items.
type Manager struct {
	db      *store.DB
	cfg     config.BoardConfig
	channel Channel     // may be nil: items stay pending and retry
	runner  SkillRunner // may be nil: tasks fall back to nudge delivery
}

// New creates a board manager
func New(db *store.DB, cfg config.BoardConfig, channel Channel, runner SkillRunner) *Manager {
	return &Manager{db: db, cfg: cfg, channel: channel, runner: runner}
}

// CreateItem adds an item, applying the default-column rules
func (m *Manager) CreateItem(item *store.ScheduledItem) error {
	return m.db.AddScheduledItem(item)
}

// Move moves an item to a kanban column, applying the status projection.
// Marking an item done with a goal link also completes the goal bridge.
func (m *Manager) Move(id string, col store.BoardStatus) error {
	item, err := m.db.GetScheduledItem(id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: item %s", store.ErrNotFound, id)
	}
	if err := m.db.MoveBoardItem(id, col); err != nil {
		return err
	}
	if col == store.BoardDone && item.GoalID != "" {
		if err := m.completeGoal(item.GoalID); err != nil {
			logging.Warn("board", "goal bridge for %s: %v", item.GoalID, err)
		}
	}
	return nil
}

// completeGoal flips the linked goal memory to completed and recomputes
// parent progress walking up the EXTENDS chain to the goal root.
func (m *Manager) completeGoal(goalID string) error {
	if err := m.db.UpdateMemoryMetadata(goalID, map[string]any{"status": "completed"}); err != nil {
		return err
	}
	return m.recomputeParents(goalID, map[string]bool{goalID: true})
}

func (m *Manager) recomputeParents(id string, seen map[string]bool) error {
	rels, err := m.db.RelationsFor(id)
	if err != nil {
		return err
	}
	for _, r := range rels {
		// Children EXTEND their parent; walk the edge upward
		if r.Type != store.RelExtends || r.SourceID != id {
			continue
		}
		parentID := r.TargetID
		if seen[parentID] {
			continue
		}
		seen[parentID] = true

		children, err := m.goalChildren(parentID)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}
		var completed int
		for _, c := range children {
			if status, _ := c.Metadata["status"].(string); status == "completed" {
				completed++
			}
		}
		progress := int(math.Round(100 * float64(completed) / float64(len(children))))
		patch := map[string]any{"progress": progress}
		if completed == len(children) {
			patch["status"] = "completed"
		}
		if err := m.db.UpdateMemoryMetadata(parentID, patch); err != nil {
			return err
		}
		if err := m.recomputeParents(parentID, seen); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) goalChildren(parentID string) ([]*store.Memory, error) {
	rels, err := m.db.RelationsFor(parentID)
	if err != nil {
		return nil, err
	}
	var children []*store.Memory
	for _, r := range rels {
		if r.Type != store.RelExtends || r.TargetID != parentID {
			continue
		}
		c, err := m.db.GetMemory(r.SourceID)
		if err != nil || c == nil {
			continue
		}
		if t, _ := c.Metadata["type"].(string); t == "goal" {
			children = append(children, c)
		}
	}
	return children, nil
}

// Column lists a user's items in one kanban column
func (m *Manager) Column(userID string, col store.BoardStatus) ([]*store.ScheduledItem, error) {
	return m.db.ListBoardColumn(userID, col)
}

// InQuietHours reports whether the given local time falls in the user's
// quiet window. The default window wraps midnight (22:00-08:00).
func (m *Manager) InQuietHours(t time.Time) bool {
	start, end := m.cfg.QuietStartHour, m.cfg.QuietEndHour
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// userLocation resolves a user's timezone for quiet-hours math
func (m *Manager) userLocation(userID string) *time.Location {
	patterns, err := m.db.GetPatterns(userID)
	if err == nil && patterns.Timezone != "" {
		if loc, err := time.LoadLocation(patterns.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// Evaluate is the scheduler sweep: fire due pending items, bounded per tick.
// Tasks dispatch to the skill runner; nudges go out through the channel.
// Quiet hours leave nudges pending for the next tick.
func (m *Manager) Evaluate(ctx context.Context, now time.Time) (fired int, err error) {
	batch := m.cfg.SweepBatch
	if batch <= 0 {
		batch = 32
	}
	due, err := m.db.DueItems(now.UnixMilli(), batch)
	if err != nil {
		return 0, err
	}

	expireAfter := m.cfg.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = 30 * 24 * time.Hour
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		// Items overdue beyond the long horizon stop retrying
		if now.UnixMilli()-item.TriggerAt > expireAfter.Milliseconds() {
			if err := m.db.TransitionItem(item.ID, store.StatusExpired); err != nil {
				logging.Debug("board", "expire %s: %v", item.ID, err)
			}
			continue
		}
		if item.Kind == store.ItemNudge && m.InQuietHours(now.In(m.userLocation(item.UserID))) {
			continue // stays pending, retried next tick
		}
		if err := m.db.TransitionItem(item.ID, store.StatusProcessing); err != nil {
			logging.Debug("board", "skip %s: %v", item.ID, err)
			continue
		}
		if m.fireItem(ctx, item, now) {
			fired++
			m.scheduleRecurrence(item, now)
		} else {
			// Delivery failed: back to pending for the next tick
			m.db.TransitionItem(item.ID, store.StatusPending)
		}
	}
	return fired, nil
}

// fireItem delivers one item. Returns true when the item reached fired.
func (m *Manager) fireItem(ctx context.Context, item *store.ScheduledItem, now time.Time) bool {
	if item.Kind == store.ItemTask && m.runner != nil {
		goal := item.Message
		var tools []string
		if raw, ok := item.TaskConfig["tools"].([]any); ok {
			for _, t := range raw {
				if s, ok := t.(string); ok {
					tools = append(tools, s)
				}
			}
		}
		result, iterations, err := m.runner.Run(ctx, goal, tools)
		if err != nil {
			logging.Warn("board", "task %s failed: %v", item.ID, err)
			return false
		}
		if err := m.db.UpdateItemResult(item.ID, result, now.UnixMilli()); err != nil {
			logging.Warn("board", "task result persist failed: %v", err)
		}
		logging.Info("board", "task %s completed in %d iterations", item.ID, iterations)
		if m.channel != nil {
			if err := m.channel.SendMessage(item.UserID, result); err != nil {
				logging.Warn("board", "task result delivery failed: %v", err)
			}
		}
		return m.db.TransitionItem(item.ID, store.StatusFired) == nil
	}

	// Nudge delivery (also the fallback for tasks without a runner)
	if m.channel == nil {
		return false
	}
	if err := m.channel.SendMessage(item.UserID, item.Message); err != nil {
		logging.Warn("board", "nudge delivery failed: %v", err)
		return false
	}
	return m.db.TransitionItem(item.ID, store.StatusFired) == nil
}

// scheduleRecurrence re-creates a fired recurring item at its next trigger
func (m *Manager) scheduleRecurrence(item *store.ScheduledItem, now time.Time) {
	if item.Recurring == "" {
		return
	}
	next, ok := m.nextRecurrence(item, now)
	if !ok {
		logging.Warn("board", "bad recurring rule %q on %s", item.Recurring, item.ID)
		return
	}
	clone := *item
	clone.ID = ""
	clone.Status = store.StatusPending
	clone.BoardStatus = store.BoardScheduled
	clone.TriggerAt = next
	clone.FiredAt = 0
	clone.CompletedAt = 0
	clone.Result = ""
	clone.CreatedAt = 0
	if err := m.db.AddScheduledItem(&clone); err != nil {
		logging.Warn("board", "recurrence persist failed: %v", err)
	}
}

// nextRecurrence computes the next trigger from a rule: "@every <duration>"
// or a 5-field cron expression in the user's timezone.
func (m *Manager) nextRecurrence(item *store.ScheduledItem, now time.Time) (int64, bool) {
	rule := strings.TrimSpace(item.Recurring)
	if strings.HasPrefix(rule, "@every ") {
		d, err := time.ParseDuration(strings.TrimPrefix(rule, "@every "))
		if err != nil || d <= 0 {
			return 0, false
		}
		return now.Add(d).UnixMilli(), true
	}
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	sched, err := parser.Parse(rule)
	if err != nil {
		return 0, false
	}
	next := sched.Next(now.In(m.userLocation(item.UserID)))
	if next.IsZero() {
		return 0, false
	}
	return next.UnixMilli(), true
}

// PlanDelivery computes a trigger time from urgency and the user's recent
// active-hours pattern: urgent fires now, medium at the next active window
// outside quiet hours, low next morning.
func (m *Manager) PlanDelivery(userID string, priority store.Priority, now time.Time) int64 {
	loc := m.userLocation(userID)
	local := now.In(loc)

	switch priority {
	case store.PriorityUrgent, store.PriorityHigh:
		return now.UnixMilli()
	case store.PriorityLow:
		return m.nextMorning(local).UnixMilli()
	}

	// Medium: next active window respecting quiet hours
	patterns, err := m.db.GetPatterns(userID)
	if err == nil {
		if next, ok := m.nextActiveHour(patterns, local); ok {
			return next.UnixMilli()
		}
	}
	if m.InQuietHours(local) {
		return m.nextMorning(local).UnixMilli()
	}
	return now.UnixMilli()
}

// nextActiveHour finds the next hour (within 24h) the user has historically
// been active in, outside quiet hours.
func (m *Manager) nextActiveHour(p *store.BehavioralPatterns, local time.Time) (time.Time, bool) {
	var total int
	for _, c := range p.ActiveHours {
		total += c
	}
	if total == 0 {
		return time.Time{}, false
	}
	for offset := 0; offset < 24; offset++ {
		t := local.Add(time.Duration(offset) * time.Hour)
		if m.InQuietHours(t) {
			continue
		}
		if p.ActiveHours[t.Hour()] > 0 {
			if offset == 0 {
				return local, true
			}
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()), true
		}
	}
	return time.Time{}, false
}

// nextMorning returns the first moment after quiet hours end, tomorrow if
// that already passed today.
func (m *Manager) nextMorning(local time.Time) time.Time {
	end := m.cfg.QuietEndHour
	morning := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, local.Location())
	if !morning.After(local) {
		morning = morning.AddDate(0, 0, 1)
	}
	return morning
}

// NoteUserActivity flips recently fired items to acted when the user sends a
// message within the engagement window.
func (m *Manager) NoteUserActivity(userID string, at time.Time) error {
	window := m.cfg.EngagementWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	items, err := m.db.ItemsInStatusSince(userID, store.StatusFired, at.Add(-window).UnixMilli())
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := m.db.TransitionItem(item.ID, store.StatusActed); err != nil {
			logging.Debug("board", "engagement flip for %s: %v", item.ID, err)
		}
	}
	return nil
}

// TrustScore computes the acted/fired ratio over the last week. Cold-start
// users (< ColdStartSessions completed sessions) stay at moderate.
func (m *Manager) TrustScore(userID string, now time.Time) (float64, store.ProactivenessDial, error) {
	sessions, err := m.db.CompletedSessionCount(userID)
	if err != nil {
		return 0.5, store.DialModerate, err
	}
	if sessions < m.cfg.ColdStartSessions {
		return 0.5, store.DialModerate, nil
	}

	weekAgo := now.Add(-7 * 24 * time.Hour).UnixMilli()
	fired, err := m.db.ItemsInStatusSince(userID, store.StatusFired, weekAgo)
	if err != nil {
		return 0.5, store.DialModerate, err
	}
	acted, err := m.db.ItemsInStatusSince(userID, store.StatusActed, weekAgo)
	if err != nil {
		return 0.5, store.DialModerate, err
	}
	total := len(fired) + len(acted)
	if total == 0 {
		return 0.5, store.DialModerate, nil
	}
	score := float64(len(acted)) / float64(total)

	dial := store.DialModerate
	switch {
	case score < m.cfg.TrustConservative:
		dial = store.DialConservative
	case score > m.cfg.TrustEager:
		dial = store.DialEager
	}
	return score, dial, nil
}

// RefreshTrust recomputes and persists every user's trust score and dial.
// Best-effort: pattern writes never fail the cycle.
func (m *Manager) RefreshTrust(now time.Time) {
	users, err := m.db.ListUsers()
	if err != nil {
		return
	}
	for _, user := range users {
		score, dial, err := m.TrustScore(user, now)
		if err != nil {
			continue
		}
		patterns, err := m.db.GetPatterns(user)
		if err != nil {
			continue
		}
		patterns.Prefs.TrustScore = score
		patterns.Prefs.Dial = dial
		if err := m.db.PutPatterns(patterns); err != nil {
			logging.Debug("board", "trust persist for %s: %v", user, err)
		}
	}
}

// AutoArchive moves items fired more than the configured age ago to archived
func (m *Manager) AutoArchive(now time.Time) (int, error) {
	age := m.cfg.AutoArchiveAfter
	if age <= 0 {
		age = 7 * 24 * time.Hour
	}
	cutoff := now.Add(-age).UnixMilli()

	users, err := m.db.ListUsers()
	if err != nil {
		return 0, err
	}
	var archived int
	for _, user := range users {
		items, err := m.db.ListScheduledItems(user, store.StatusFired)
		if err != nil {
			continue
		}
		for _, item := range items {
			if item.FiredAt == 0 || item.FiredAt > cutoff {
				continue
			}
			if err := m.db.MoveBoardItem(item.ID, store.BoardArchived); err == nil {
				archived++
			}
		}
	}
	return archived, nil
}
