package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tashfeenahmed/scallop/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Error taxonomy surfaced at public entry points
var (
	ErrInvalid  = errors.New("invalid input")
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

// DB wraps the SQLite connection for the memory engine. A single writer is
// serialized behind writeMu; WAL mode keeps reads concurrent.
type DB struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex

	vecAvailable bool
	vecDim       int // embedding dimension in memory_vec (0 = not yet determined)
}

// Open opens or creates the content store under statePath
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "system", "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Debug("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTableFromMemories(); err != nil {
			logging.Warn("store", "vec init: %v", err)
		}
	}

	return s, nil
}

// Close closes the database connection
func (s *DB) Close() error {
	return s.db.Close()
}

// migrate applies the base schema and incremental migrations
func (s *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'regular',
		importance INTEGER NOT NULL DEFAULT 5,
		confidence REAL NOT NULL DEFAULT 1.0,
		is_latest INTEGER NOT NULL DEFAULT 1,
		document_date INTEGER NOT NULL,
		event_date INTEGER,
		prominence REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER,
		embedding BLOB,
		source_chunk TEXT,
		metadata TEXT,
		learned_from TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, is_latest, kind);
	CREATE INDEX IF NOT EXISTS idx_memories_prominence ON memories(prominence);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
		FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE,
		UNIQUE(source_id, target_id, relation_type)
	);

	CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
	CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		summary TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS session_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);

	CREATE TABLE IF NOT EXISTS session_summaries (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		topics TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_summaries_user ON session_summaries(user_id, created_at);

	CREATE TABLE IF NOT EXISTS scheduled_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		source TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'nudge',
		item_type TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT,
		trigger_at INTEGER NOT NULL DEFAULT 0,
		recurring TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		labels TEXT,
		depends_on TEXT,
		goal_id TEXT,
		task_config TEXT,
		result TEXT,
		fired_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_user ON scheduled_items(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_items_due ON scheduled_items(status, trigger_at);

	CREATE TABLE IF NOT EXISTS behavioral_patterns (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes
func (s *DB) runMigrations() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1
	}

	// Migration v2: board_status column plus one-time back-fill inferring the
	// column from legacy (status, trigger_at) pairs.
	if version < 2 {
		s.db.Exec("ALTER TABLE scheduled_items ADD COLUMN board_status TEXT DEFAULT ''")
		s.db.Exec(`UPDATE scheduled_items SET board_status =
			CASE
				WHEN status = 'processing' THEN 'in_progress'
				WHEN status = 'fired' OR status = 'acted' THEN 'done'
				WHEN status = 'dismissed' OR status = 'expired' THEN 'archived'
				WHEN trigger_at > 0 THEN 'scheduled'
				WHEN source = 'agent' THEN 'inbox'
				ELSE 'backlog'
			END
			WHERE board_status = '' OR board_status IS NULL`)
		s.db.Exec("CREATE INDEX IF NOT EXISTS idx_items_board ON scheduled_items(user_id, board_status)")
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	return nil
}

// initVecTableFromMemories determines the embedding dimension from stored
// memories and builds the vec index. No-ops until the first embedding lands.
func (s *DB) initVecTableFromMemories() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM memories WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no embeddings yet; defer to first AddMemory
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb))
}

// ensureVecTable creates memory_vec for the given dimension and backfills
// existing rows. Idempotent for the same dimension.
func (s *DB) ensureVecTable(dim int) error {
	if !s.vecAvailable {
		return nil
	}
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			embedding float[%d],
			+memory_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create memory_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO memory_vec(rowid, embedding, memory_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	tx.Commit()
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d memories (dim=%d)", count, dim)
	}
	return nil
}

// Stats returns table-count statistics
func (s *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{"memories", "relations", "sessions", "session_messages", "session_summaries", "scheduled_items", "behavioral_patterns"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

// RawQuery runs a parameterized read-only query and returns generic rows.
// Mutating statements are rejected.
func (s *DB) RawQuery(query string, args ...any) ([]map[string]any, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(q, "SELECT") {
		return nil, fmt.Errorf("%w: raw queries must be SELECT", ErrInvalid)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ParseUserID splits a channel-prefixed user id ("telegram:12345") into
// channel and bare id. Unknown prefixes pass through untouched.
func ParseUserID(id string) (channel, bare string) {
	if i := strings.IndexByte(id, ':'); i > 0 {
		prefix := id[:i]
		switch prefix {
		case "telegram", "api":
			return prefix, id[i+1:]
		}
	}
	return "", id
}

// nowMs is the single clock reference for the store
func nowMs() int64 {
	return time.Now().UnixMilli()
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy so L2 distance in vec0 maps to
// cosine distance: cosine_dist = L2²/2 for unit vectors.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CosineSim computes cosine similarity between two embeddings
func CosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// WordOverlap computes Jaccard overlap over lowercase word sets. Used for
// scheduled-item consolidation and gap-notification dedup.
func WordOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var inter int
	for w := range ta {
		if tb[w] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Tokenize(s) {
		set[w] = true
	}
	return set
}

// Tokenize splits on non-word characters and lowercases; empties dropped.
func Tokenize(s string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
