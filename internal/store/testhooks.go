package store

// TestSetMemoryTimestamps overrides a memory's clock fields (for testing only)
func (s *DB) TestSetMemoryTimestamps(id string, createdAt, updatedAt, lastAccessed int64) error {
	_, err := s.db.Exec(`UPDATE memories SET created_at = ?, updated_at = ?, last_accessed = ? WHERE id = ?`,
		createdAt, updatedAt, nullableMs(lastAccessed), id)
	return err
}

// TestSetItemTimes overrides a scheduled item's trigger and fired stamps (for testing only)
func (s *DB) TestSetItemTimes(id string, triggerAt, firedAt int64) error {
	_, err := s.db.Exec(`UPDATE scheduled_items SET trigger_at = ?, fired_at = ? WHERE id = ?`,
		triggerAt, nullableMs(firedAt), id)
	return err
}
