package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetPatterns returns the user's behavioral record, or a fresh zero record
// when none exists yet.
func (s *DB) GetPatterns(userID string) (*BehavioralPatterns, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM behavioral_patterns WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return &BehavioralPatterns{
			UserID: userID,
			Prefs:  ResponsePrefs{TrustScore: 0.5, Dial: DialModerate},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var p BehavioralPatterns
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode patterns: %w", err)
	}
	p.UserID = userID
	if p.Prefs.Dial == "" {
		p.Prefs.Dial = DialModerate
	}
	return &p, nil
}

// PutPatterns upserts the user's behavioral record. Best-effort callers
// ignore the error by policy.
func (s *DB) PutPatterns(p *BehavioralPatterns) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("%w: patterns need a user id", ErrInvalid)
	}
	p.UpdatedAt = nowMs()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`INSERT INTO behavioral_patterns (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID, string(data), p.UpdatedAt)
	return err
}
