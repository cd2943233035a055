package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Detector finds and classifies relations for newly ingested memories
type Detector struct {
	db  *store.DB
	llm llm.Client
	cfg config.GraphConfig
}

// NewDetector creates a relation detector
func NewDetector(db *store.DB, client llm.Client, cfg config.GraphConfig) *Detector {
	return &Detector{db: db, llm: client, cfg: cfg}
}

const classifyPrompt = `You are classifying the relationship between two memories about the same user.

Memory A (new): %s
Memory B (existing): %s

Reply with a JSON object only:
{"type": "UPDATES" | "EXTENDS", "confidence": 0.0-1.0}

UPDATES means A replaces or corrects B. EXTENDS means A adds detail related to B.`

// DetectForMemory finds the top-k vector neighbors of a freshly persisted
// memory and asks the language client to classify each pairing. Detected
// edges are persisted with the reported confidence. Failures are logged and
// skipped; detection is best-effort by design.
func (d *Detector) DetectForMemory(ctx context.Context, m *store.Memory) (int, error) {
	if m == nil || len(m.Embedding) == 0 {
		return 0, nil
	}
	topK := d.cfg.DetectTopK
	if topK <= 0 {
		topK = 3
	}
	neighbors, err := d.db.FindSimilarMemories(m.UserID, m.Embedding, topK+1, d.cfg.ExtendThreshold)
	if err != nil {
		return 0, fmt.Errorf("neighbor search failed: %w", err)
	}

	var added int
	for _, n := range neighbors {
		if n.ID == m.ID {
			continue
		}
		other, err := d.db.GetMemory(n.ID)
		if err != nil || other == nil {
			continue
		}
		relType, confidence, err := d.classify(ctx, m.Content, other.Content)
		if err != nil {
			logging.Debug("graph", "relation classify failed for %s -> %s: %v", m.ID, n.ID, err)
			continue
		}
		rel := &store.Relation{
			SourceID:   m.ID,
			TargetID:   n.ID,
			Type:       relType,
			Confidence: confidence,
		}
		if err := d.db.AddRelation(rel); err != nil {
			logging.Debug("graph", "relation persist failed: %v", err)
			continue
		}
		added++
	}
	return added, nil
}

func (d *Detector) classify(ctx context.Context, a, b string) (store.RelationType, float64, error) {
	if d.llm == nil {
		// Without a language client, similarity alone justifies EXTENDS
		return store.RelExtends, 0.5, nil
	}
	resp, err := d.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(classifyPrompt, a, b)}},
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		return "", 0, err
	}
	var parsed struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		return "", 0, fmt.Errorf("unparseable classification: %w", err)
	}
	relType := store.RelationType(strings.ToUpper(strings.TrimSpace(parsed.Type)))
	if relType != store.RelUpdates && relType != store.RelExtends {
		return "", 0, fmt.Errorf("unexpected relation type %q", parsed.Type)
	}
	if parsed.Confidence <= 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0.5
	}
	return relType, parsed.Confidence, nil
}
