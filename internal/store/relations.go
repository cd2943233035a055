package store

import (
	"database/sql"
	"fmt"
)

// AddRelation inserts a typed edge. Self-loops are rejected; a duplicate
// (source, target, type) keeps the stronger confidence.
func (s *DB) AddRelation(r *Relation) error {
	if r == nil || r.SourceID == "" || r.TargetID == "" || r.Type == "" {
		return fmt.Errorf("%w: relation needs source, target and type", ErrInvalid)
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("%w: relation self-loop %s", ErrInvalid, r.SourceID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be 0..1", ErrInvalid)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMs()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO relations (source_id, target_id, relation_type, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type)
		DO UPDATE SET confidence = MAX(confidence, excluded.confidence)`,
		r.SourceID, r.TargetID, string(r.Type), r.Confidence, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add relation: %w", err)
	}
	return nil
}

// RelationsFor returns all edges touching the given memory, both directions
func (s *DB) RelationsFor(id string) ([]*Relation, error) {
	rows, err := s.db.Query(`SELECT id, source_id, target_id, relation_type, confidence, created_at
		FROM relations WHERE source_id = ? OR target_id = ?`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

// RelationsForBatch returns edges touching any of the given ids in one query
func (s *DB) RelationsForBatch(ids []string) (map[string][]*Relation, error) {
	out := make(map[string][]*Relation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := ""
	args := make([]any, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	args = append(args, args[:len(ids)]...)

	rows, err := s.db.Query(`SELECT id, source_id, target_id, relation_type, confidence, created_at
		FROM relations WHERE source_id IN (`+placeholders+`) OR target_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	rels, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		if wanted[r.SourceID] {
			out[r.SourceID] = append(out[r.SourceID], r)
		}
		if wanted[r.TargetID] {
			out[r.TargetID] = append(out[r.TargetID], r)
		}
	}
	return out, nil
}

// RelationBetween reports whether any edge links a and b in either direction
func (s *DB) RelationBetween(a, b string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM relations
		WHERE (source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?)`,
		a, b, b, a).Scan(&count)
	return count > 0, err
}

// ListRelations returns every edge (used by fusion's component search)
func (s *DB) ListRelations() ([]*Relation, error) {
	rows, err := s.db.Query(`SELECT id, source_id, target_id, relation_type, confidence, created_at FROM relations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

func scanRelations(rows *sql.Rows) ([]*Relation, error) {
	var out []*Relation
	for rows.Next() {
		var r Relation
		var relType string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &relType, &r.Confidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = RelationType(relType)
		out = append(out, &r)
	}
	return out, rows.Err()
}
