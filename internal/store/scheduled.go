package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const itemColumns = `id, user_id, session_id, source, kind, item_type, message, context,
	trigger_at, recurring, status, board_status, priority, labels, depends_on,
	goal_id, task_config, result, fired_at, completed_at, created_at, updated_at`

// validTransitions is the scheduled-item state machine. Acted, dismissed and
// expired have no outgoing edges; a fired item can still be acted on or
// dismissed. Recurrence of a fired item re-creates it as a new item.
var validTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:    {StatusProcessing, StatusFired, StatusDismissed, StatusExpired},
	StatusProcessing: {StatusFired, StatusPending, StatusDismissed},
	StatusFired:      {StatusActed, StatusDismissed},
}

func transitionAllowed(from, to ItemStatus) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// DefaultBoardStatus picks the creation column when none was given
func DefaultBoardStatus(item *ScheduledItem) BoardStatus {
	if item.BoardStatus != "" {
		return item.BoardStatus
	}
	if item.TriggerAt > 0 {
		return BoardScheduled
	}
	if item.Source == SourceAgent {
		return BoardInbox
	}
	return BoardBacklog
}

// AddScheduledItem validates and inserts an item
func (s *DB) AddScheduledItem(item *ScheduledItem) error {
	if item == nil || item.UserID == "" || item.Message == "" {
		return fmt.Errorf("%w: scheduled item needs user and message", ErrInvalid)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Source == "" {
		item.Source = SourceUser
	}
	if item.Kind == "" {
		item.Kind = ItemNudge
	}
	if item.Type == "" {
		item.Type = "reminder"
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.Priority == "" {
		item.Priority = PriorityMedium
	}
	item.BoardStatus = DefaultBoardStatus(item)
	now := nowMs()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO scheduled_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, nullableStr(item.SessionID), string(item.Source), string(item.Kind),
		item.Type, item.Message, nullableStr(item.Context), item.TriggerAt, nullableStr(item.Recurring),
		string(item.Status), string(item.BoardStatus), string(item.Priority),
		nullableStr(marshalJSON(item.Labels)), nullableStr(marshalJSON(item.DependsOn)),
		nullableStr(item.GoalID), nullableStr(marshalJSON(item.TaskConfig)), nullableStr(item.Result),
		nullableMs(item.FiredAt), nullableMs(item.CompletedAt), item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("%w: item %s already exists", ErrConflict, item.ID)
		}
		return fmt.Errorf("failed to insert scheduled item: %w", err)
	}
	return nil
}

// GetScheduledItem returns the item or nil when absent
func (s *DB) GetScheduledItem(id string) (*ScheduledItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// ListScheduledItems returns a user's items, optionally filtered by status
func (s *DB) ListScheduledItems(userID string, status ItemStatus) ([]*ScheduledItem, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items WHERE user_id = ? ORDER BY created_at`, userID)
	} else {
		rows, err = s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items WHERE user_id = ? AND status = ? ORDER BY created_at`, userID, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListBoardColumn returns a user's items in one kanban column
func (s *DB) ListBoardColumn(userID string, col BoardStatus) ([]*ScheduledItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items
		WHERE user_id = ? AND board_status = ? ORDER BY created_at`, userID, string(col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// DueItems returns pending items whose trigger has passed, oldest first
func (s *DB) DueItems(nowMillis int64, limit int) ([]*ScheduledItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items
		WHERE status = 'pending' AND trigger_at > 0 AND trigger_at <= ?
		ORDER BY trigger_at LIMIT ?`, nowMillis, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ItemsInStatusSince returns a user's items in a status with fired_at >= cutoff
func (s *DB) ItemsInStatusSince(userID string, status ItemStatus, sinceMs int64) ([]*ScheduledItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items
		WHERE user_id = ? AND status = ? AND COALESCE(fired_at, 0) >= ?`, userID, string(status), sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// TransitionItem moves an item through the state machine, stamping fired_at
// or completed_at as appropriate. Invalid transitions are conflicts.
func (s *DB) TransitionItem(id string, to ItemStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transitionLocked(id, to, "")
}

// MoveBoardItem moves an item to a kanban column and projects the move onto
// the underlying status in the same transaction.
func (s *DB) MoveBoardItem(id string, col BoardStatus) error {
	var to ItemStatus
	switch col {
	case BoardDone:
		to = StatusFired
	case BoardArchived:
		to = StatusDismissed
	case BoardInProgress:
		to = StatusProcessing
	case BoardInbox, BoardBacklog, BoardScheduled, BoardWaiting:
		to = StatusPending
	default:
		return fmt.Errorf("%w: unknown board column %q", ErrInvalid, col)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transitionLocked(id, to, col)
}

// transitionLocked performs the status (and optional board) change atomically.
// Caller holds writeMu.
func (s *DB) transitionLocked(id string, to ItemStatus, col BoardStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	var fromStr string
	err = tx.QueryRow(`SELECT status FROM scheduled_items WHERE id = ?`, id).Scan(&fromStr)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	from := ItemStatus(fromStr)
	if !transitionAllowed(from, to) {
		tx.Rollback()
		return fmt.Errorf("%w: transition %s -> %s", ErrConflict, from, to)
	}

	now := nowMs()
	set := `status = ?, updated_at = ?`
	args := []any{string(to), now}
	switch to {
	case StatusFired:
		set += `, fired_at = ?`
		args = append(args, now)
	case StatusActed:
		set += `, completed_at = ?`
		args = append(args, now)
	}
	if col != "" {
		set += `, board_status = ?`
		args = append(args, string(col))
	} else {
		// Keep the board projection in sync with the status change
		switch to {
		case StatusProcessing:
			set += `, board_status = 'in_progress'`
		case StatusFired, StatusActed:
			set += `, board_status = 'done'`
		case StatusDismissed, StatusExpired:
			set += `, board_status = 'archived'`
		case StatusPending:
			set += `, board_status = CASE WHEN trigger_at > 0 THEN 'scheduled' ELSE board_status END`
		}
	}
	args = append(args, id)
	if _, err := tx.Exec(`UPDATE scheduled_items SET `+set+` WHERE id = ?`, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateItemResult stores a task result and completion stamp
func (s *DB) UpdateItemResult(id string, result string, completedAt int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`UPDATE scheduled_items SET result = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		result, completedAt, nowMs(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return nil
}

// RescheduleItem resets a pending trigger (used for recurring rules)
func (s *DB) RescheduleItem(id string, triggerAt int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE scheduled_items SET status = 'pending', board_status = 'scheduled',
		trigger_at = ?, fired_at = NULL, updated_at = ? WHERE id = ?`, triggerAt, nowMs(), id)
	return err
}

// HasSimilarPending reports whether the user already has a pending item whose
// message overlaps the candidate above the threshold.
func (s *DB) HasSimilarPending(userID, message string, threshold float64) (bool, error) {
	items, err := s.ListScheduledItems(userID, StatusPending)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if WordOverlap(it.Message, message) >= threshold {
			return true, nil
		}
	}
	return false, nil
}

// ConsolidateScheduledItems removes near-duplicate pending items, keeping the
// later of each overlapping pair. Returns the number of items dismissed.
func (s *DB) ConsolidateScheduledItems(userID string, threshold float64) (int, error) {
	items, err := s.ListScheduledItems(userID, StatusPending)
	if err != nil {
		return 0, err
	}
	dismissed := make(map[string]bool)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a, b := items[i], items[j]
			if dismissed[a.ID] || dismissed[b.ID] {
				continue
			}
			if WordOverlap(a.Message, b.Message) < threshold {
				continue
			}
			// Keep the later one
			loser := a
			if a.CreatedAt > b.CreatedAt {
				loser = b
			}
			dismissed[loser.ID] = true
		}
	}
	if len(dismissed) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	now := nowMs()
	for id := range dismissed {
		if _, err := tx.Exec(`UPDATE scheduled_items SET status = 'dismissed', board_status = 'archived',
			updated_at = ? WHERE id = ?`, now, id); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(dismissed), nil
}

func scanItem(r rowScanner) (*ScheduledItem, error) {
	var it ScheduledItem
	var sessionID, recurring, context, labels, dependsOn, goalID, taskConfig, result sql.NullString
	var source, kind, status, boardStatus, priority string
	var firedAt, completedAt sql.NullInt64
	err := r.Scan(&it.ID, &it.UserID, &sessionID, &source, &kind, &it.Type, &it.Message, &context,
		&it.TriggerAt, &recurring, &status, &boardStatus, &priority, &labels, &dependsOn,
		&goalID, &taskConfig, &result, &firedAt, &completedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.SessionID = sessionID.String
	it.Source = ItemSource(source)
	it.Kind = ItemKind(kind)
	it.Context = context.String
	it.Recurring = recurring.String
	it.Status = ItemStatus(status)
	it.BoardStatus = BoardStatus(boardStatus)
	it.Priority = Priority(priority)
	it.GoalID = goalID.String
	it.Result = result.String
	it.FiredAt = firedAt.Int64
	it.CompletedAt = completedAt.Int64
	if labels.String != "" {
		json.Unmarshal([]byte(labels.String), &it.Labels)
	}
	if dependsOn.String != "" {
		json.Unmarshal([]byte(dependsOn.String), &it.DependsOn)
	}
	if taskConfig.String != "" {
		json.Unmarshal([]byte(taskConfig.String), &it.TaskConfig)
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]*ScheduledItem, error) {
	var out []*ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
