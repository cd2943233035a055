package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateSession opens a new session for a user
func (s *DB) CreateSession(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalid)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: nowMs(),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session or nil when absent
func (s *DB) GetSession(id string) (*Session, error) {
	var sess Session
	var summary sql.NullString
	err := s.db.QueryRow(`SELECT id, user_id, summary, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &summary, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Summary = summary.String
	return &sess, nil
}

// AppendSessionMessage records one turn in a session
func (s *DB) AppendSessionMessage(m *SessionMessage) error {
	if m == nil || m.SessionID == "" || m.Content == "" {
		return fmt.Errorf("%w: message needs session and content", ErrInvalid)
	}
	if m.Timestamp == 0 {
		m.Timestamp = nowMs()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`INSERT INTO session_messages (session_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		m.SessionID, string(m.Role), m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// SessionMessages returns a session's messages in order
func (s *DB) SessionMessages(sessionID string) ([]*SessionMessage, error) {
	rows, err := s.db.Query(`SELECT id, session_id, role, content, ts FROM session_messages
		WHERE session_id = ? ORDER BY ts, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = MessageRole(role)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// WriteSessionSummary upserts the compact recap for a session
func (s *DB) WriteSessionSummary(sum *SessionSummary) error {
	if sum == nil || sum.SessionID == "" || sum.Summary == "" {
		return fmt.Errorf("%w: summary needs session id and text", ErrInvalid)
	}
	if sum.CreatedAt == 0 {
		sum.CreatedAt = nowMs()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO session_summaries (session_id, user_id, summary, topics, message_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET summary = excluded.summary, topics = excluded.topics,
			message_count = excluded.message_count, duration_ms = excluded.duration_ms`,
		sum.SessionID, sum.UserID, sum.Summary, marshalJSON(sum.Topics),
		sum.MessageCount, sum.DurationMs, sum.CreatedAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to write session summary: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET summary = ? WHERE id = ?`, sum.Summary, sum.SessionID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecentSessionSummaries returns a user's summaries created since the cutoff
func (s *DB) RecentSessionSummaries(userID string, sinceMs int64) ([]*SessionSummary, error) {
	rows, err := s.db.Query(`SELECT session_id, user_id, summary, topics, message_count, duration_ms, created_at
		FROM session_summaries WHERE user_id = ? AND created_at >= ? ORDER BY created_at`, userID, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var topics sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.Summary, &topics,
			&sum.MessageCount, &sum.DurationMs, &sum.CreatedAt); err != nil {
			return nil, err
		}
		if topics.String != "" {
			json.Unmarshal([]byte(topics.String), &sum.Topics)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// CompletedSessionCount counts sessions with a written summary for a user
func (s *DB) CompletedSessionCount(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_summaries WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
