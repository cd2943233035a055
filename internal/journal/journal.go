package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// entry is one line of the legacy append-mode memory journal. The journal is
// a one-time migration input; the relational store is authoritative and new
// writes never touch the file.
type entry struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	Category     string         `json:"category"`
	Kind         string         `json:"memory_kind"`
	Importance   int            `json:"importance"`
	Confidence   float64        `json:"confidence"`
	DocumentDate int64          `json:"document_date"`
	EventDate    int64          `json:"event_date"`
	Embedding    []float64      `json:"embedding,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    int64          `json:"created_at"`
}

// Import reads a legacy JSONL journal and inserts every entity not already
// present in the store. Idempotent: rows whose id already exists are
// skipped. Returns (imported, skipped).
func Import(path string, db *store.DB) (int, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var imported, skipped int
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			logging.Warn("journal", "line %d unparseable, skipped: %v", line, err)
			skipped++
			continue
		}
		if e.ID == "" || e.UserID == "" || e.Content == "" {
			skipped++
			continue
		}
		if existing, err := db.GetMemory(e.ID); err == nil && existing != nil {
			skipped++
			continue
		}
		m := &store.Memory{
			ID:           e.ID,
			UserID:       e.UserID,
			Content:      e.Content,
			Category:     store.Category(e.Category),
			Kind:         store.MemoryKind(e.Kind),
			Importance:   e.Importance,
			Confidence:   e.Confidence,
			DocumentDate: e.DocumentDate,
			EventDate:    e.EventDate,
			Embedding:    e.Embedding,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		}
		if err := db.AddMemory(m); err != nil {
			logging.Warn("journal", "line %d import failed: %v", line, err)
			skipped++
			continue
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, skipped, fmt.Errorf("journal read failed: %w", err)
	}
	if imported > 0 {
		logging.Info("journal", "migrated %d legacy entries (%d skipped)", imported, skipped)
	}
	return imported, skipped, nil
}
