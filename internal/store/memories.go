package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
)

const memoryColumns = `id, user_id, content, category, kind, importance, confidence, is_latest,
	document_date, event_date, prominence, access_count, last_accessed,
	embedding, source_chunk, metadata, learned_from, created_at, updated_at`

// AddMemory validates and inserts a memory. A missing id is generated;
// inserting an existing id is a conflict.
func (s *DB) AddMemory(m *Memory) error {
	if m == nil || m.UserID == "" || m.Content == "" {
		return fmt.Errorf("%w: memory needs user_id and content", ErrInvalid)
	}
	if m.Importance < 1 || m.Importance > 10 {
		if m.Importance == 0 {
			m.Importance = 5
		} else {
			return fmt.Errorf("%w: importance must be 1..10", ErrInvalid)
		}
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be 0..1", ErrInvalid)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Category == "" {
		m.Category = CategoryFact
	}
	if m.Kind == "" {
		m.Kind = KindRegular
	}
	now := nowMs()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.DocumentDate == 0 {
		m.DocumentDate = now
	}
	if m.Confidence == 0 {
		m.Confidence = 1.0
	}
	if m.Kind == KindStaticProfile {
		m.Prominence = 1.0
	} else if m.Prominence <= 0 {
		m.Prominence = 0.5
	}
	m.IsLatest = m.Kind != KindSuperseded

	var embBytes []byte
	if len(m.Embedding) > 0 {
		embBytes, _ = json.Marshal(m.Embedding)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, string(m.Category), string(m.Kind), m.Importance, m.Confidence,
		boolToInt(m.IsLatest), m.DocumentDate, nullableMs(m.EventDate), m.Prominence,
		m.AccessCount, nullableMs(m.LastAccessed), embBytes, nullableStr(m.SourceChunk),
		nullableStr(marshalJSON(m.Metadata)), nullableStr(string(m.LearnedFrom)), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("%w: memory %s already exists", ErrConflict, m.ID)
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	if len(m.Embedding) > 0 {
		s.indexEmbedding(m.ID, m.Embedding)
	}
	return nil
}

// indexEmbedding upserts a memory's vector into memory_vec (best effort)
func (s *DB) indexEmbedding(id string, emb []float64) {
	if !s.vecAvailable {
		return
	}
	if s.vecDim == 0 {
		if err := s.ensureVecTable(len(emb)); err != nil {
			return
		}
	}
	if len(emb) != s.vecDim {
		return
	}
	var rowid int64
	if err := s.db.QueryRow(`SELECT rowid FROM memories WHERE id = ?`, id).Scan(&rowid); err != nil {
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	s.db.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
	s.db.Exec(`INSERT INTO memory_vec(rowid, embedding, memory_id) VALUES (?, ?, ?)`, rowid, serialized, id)
}

// GetMemory returns the memory or nil when absent
func (s *DB) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateMemory rewrites mutable fields of an existing memory
func (s *DB) UpdateMemory(m *Memory) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: memory id required", ErrInvalid)
	}
	var embBytes []byte
	if len(m.Embedding) > 0 {
		embBytes, _ = json.Marshal(m.Embedding)
	}
	m.UpdatedAt = nowMs()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`UPDATE memories SET content = ?, category = ?, kind = ?, importance = ?,
		confidence = ?, is_latest = ?, event_date = ?, prominence = ?, embedding = COALESCE(?, embedding),
		metadata = ?, learned_from = ?, updated_at = ? WHERE id = ?`,
		m.Content, string(m.Category), string(m.Kind), m.Importance, m.Confidence,
		boolToInt(m.IsLatest), nullableMs(m.EventDate), clamp01(m.Prominence), embBytes,
		nullableStr(marshalJSON(m.Metadata)), nullableStr(string(m.LearnedFrom)), m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", ErrNotFound, m.ID)
	}
	if len(m.Embedding) > 0 {
		s.indexEmbedding(m.ID, m.Embedding)
	}
	return nil
}

// UpdateMemoryMetadata merges keys into a memory's metadata bag
func (s *DB) UpdateMemoryMetadata(id string, patch map[string]any) error {
	m, err := s.GetMemory(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		m.Metadata[k] = v
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`UPDATE memories SET metadata = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(m.Metadata), nowMs(), id)
	return err
}

// ListLatestMemories returns a user's latest, non-archived memories
func (s *DB) ListLatestMemories(userID string) ([]*Memory, error) {
	rows, err := s.db.Query(`SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND is_latest = 1 AND kind != 'superseded'
		ORDER BY document_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListMemoriesByProminence returns latest memories inside [low, high)
func (s *DB) ListMemoriesByProminence(userID string, low, high float64) ([]*Memory, error) {
	rows, err := s.db.Query(`SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND is_latest = 1 AND kind NOT IN ('superseded', 'static_profile')
		AND prominence >= ? AND prominence < ?`, userID, low, high)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListUsers returns distinct user ids with at least one memory, scheduled
// item or session summary
func (s *DB) ListUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM memories
		UNION SELECT user_id FROM scheduled_items
		UNION SELECT user_id FROM session_summaries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if rows.Scan(&u) == nil {
			users = append(users, u)
		}
	}
	return users, rows.Err()
}

// SetProminences applies a batch of prominence updates in one transaction
func (s *DB) SetProminences(updates map[string]float64) error {
	if len(updates) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := nowMs()
	for id, p := range updates {
		if _, err := tx.Exec(`UPDATE memories SET prominence = ?, updated_at = ? WHERE id = ?`,
			clamp01(p), now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to set prominence for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// BumpAccess increments access counters and stamps last_accessed for the
// given memories in one transaction. Monotone by construction.
func (s *DB) BumpAccess(ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE memories SET access_count = access_count + 1,
			last_accessed = MAX(COALESCE(last_accessed, 0), ?), updated_at = ? WHERE id = ?`,
			at, at, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bump access for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ArchiveMemories flips the given memories to superseded / not-latest.
// Archival is a flag transition, never a delete.
func (s *DB) ArchiveMemories(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := nowMs()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE memories SET kind = 'superseded', is_latest = 0, updated_at = ?
			WHERE id = ? AND kind != 'static_profile'`, now, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CreateDerivedMemory inserts a derived memory, adds DERIVES edges to each
// source, and flips every source to superseded — all in one transaction.
func (s *DB) CreateDerivedMemory(d *Memory, sourceIDs []string) error {
	if d == nil || len(sourceIDs) == 0 {
		return fmt.Errorf("%w: derived memory needs sources", ErrInvalid)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Kind = KindDerived
	d.IsLatest = true
	now := nowMs()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.DocumentDate == 0 {
		d.DocumentDate = now
	}
	var embBytes []byte
	if len(d.Embedding) > 0 {
		embBytes, _ = json.Marshal(d.Embedding)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Content, string(d.Category), string(KindDerived), d.Importance, d.Confidence,
		1, d.DocumentDate, nullableMs(d.EventDate), clamp01(d.Prominence),
		d.AccessCount, nullableMs(d.LastAccessed), embBytes, nullableStr(d.SourceChunk),
		nullableStr(marshalJSON(d.Metadata)), nullableStr(string(d.LearnedFrom)), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		tx.Rollback()
		if isUniqueErr(err) {
			return fmt.Errorf("%w: memory %s already exists", ErrConflict, d.ID)
		}
		return fmt.Errorf("failed to insert derived memory: %w", err)
	}
	for _, src := range sourceIDs {
		if src == d.ID {
			tx.Rollback()
			return fmt.Errorf("%w: derived memory cannot source itself", ErrInvalid)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO relations (source_id, target_id, relation_type, confidence, created_at)
			VALUES (?, ?, ?, ?, ?)`, d.ID, src, string(RelDerives), d.Confidence, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to add DERIVES edge: %w", err)
		}
		if _, err := tx.Exec(`UPDATE memories SET kind = 'superseded', is_latest = 0, updated_at = ? WHERE id = ?`,
			now, src); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to supersede source %s: %w", src, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if len(d.Embedding) > 0 {
		s.indexEmbedding(d.ID, d.Embedding)
	}
	return nil
}

// FindSimilarMemories returns up to topK (id, cosine similarity) pairs for
// the query embedding among a user's latest memories. Uses the vec0 index
// when available, full scan otherwise.
func (s *DB) FindSimilarMemories(userID string, queryEmb []float64, topK int, minSim float64) ([]SimilarMemory, error) {
	if len(queryEmb) == 0 || topK <= 0 {
		return nil, nil
	}
	if s.vecAvailable && s.vecDim > 0 && len(queryEmb) == s.vecDim {
		if out, err := s.findSimilarVec(userID, queryEmb, topK, minSim); err == nil {
			return out, nil
		}
	}
	return s.findSimilarScan(userID, queryEmb, topK, minSim)
}

// SimilarMemory pairs a memory id with its cosine similarity to a query
type SimilarMemory struct {
	ID         string
	Similarity float64
}

func (s *DB) findSimilarVec(userID string, queryEmb []float64, topK int, minSim float64) ([]SimilarMemory, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(queryEmb)))
	if err != nil {
		return nil, err
	}
	// Over-fetch; the user filter applies after the KNN join.
	rows, err := s.db.Query(`
		SELECT v.memory_id, v.distance
		FROM memory_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serialized, topK*4)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarMemory
	for rows.Next() {
		var id string
		var dist float64
		if rows.Scan(&id, &dist) != nil {
			continue
		}
		sim := 1.0 - (dist*dist)/2.0 // L2 on unit vectors -> cosine
		if sim < minSim {
			continue
		}
		var uid string
		var latest int
		if err := s.db.QueryRow(`SELECT user_id, is_latest FROM memories WHERE id = ? AND kind != 'superseded'`, id).Scan(&uid, &latest); err != nil {
			continue
		}
		if uid != userID || latest == 0 {
			continue
		}
		out = append(out, SimilarMemory{ID: id, Similarity: sim})
		if len(out) >= topK {
			break
		}
	}
	return out, rows.Err()
}

func (s *DB) findSimilarScan(userID string, queryEmb []float64, topK int, minSim float64) ([]SimilarMemory, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM memories
		WHERE user_id = ? AND is_latest = 1 AND kind != 'superseded' AND embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarMemory
	for rows.Next() {
		var id string
		var embBytes []byte
		if rows.Scan(&id, &embBytes) != nil {
			continue
		}
		var emb []float64
		if json.Unmarshal(embBytes, &emb) != nil {
			continue
		}
		if sim := CosineSim(queryEmb, emb); sim >= minSim {
			out = append(out, SimilarMemory{ID: id, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (*Memory, error) {
	var m Memory
	var category, kind string
	var isLatest int
	var eventDate, lastAccessed sql.NullInt64
	var embBytes []byte
	var sourceChunk, metadata, learnedFrom sql.NullString
	err := r.Scan(&m.ID, &m.UserID, &m.Content, &category, &kind, &m.Importance, &m.Confidence,
		&isLatest, &m.DocumentDate, &eventDate, &m.Prominence, &m.AccessCount, &lastAccessed,
		&embBytes, &sourceChunk, &metadata, &learnedFrom, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Category = Category(category)
	m.Kind = MemoryKind(kind)
	m.IsLatest = isLatest != 0
	m.EventDate = eventDate.Int64
	m.LastAccessed = lastAccessed.Int64
	m.SourceChunk = sourceChunk.String
	m.LearnedFrom = LearnedFrom(learnedFrom.String)
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &m.Embedding)
	}
	if metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMs(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
