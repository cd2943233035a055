package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Engine summarizes recent sessions into insight memories and distills the
// persisted guideline document (SOUL.md). It only runs when a writable
// workspace is configured.
type Engine struct {
	db        *store.DB
	llm       llm.Client
	workspace string // "" disables reflection entirely
}

// New creates a reflection engine. workspace may be empty to disable.
func New(db *store.DB, client llm.Client, workspace string) *Engine {
	return &Engine{db: db, llm: client, workspace: workspace}
}

const reflectPrompt = `You reflect on an agent's recent conversations with a user.

Session recaps:
%s

Reply with a JSON object only:
{"insights": [{"content": "one observed insight about the user", "topics": ["tag"]}],
 "principles": ["a behavioral principle the agent should keep"]}`

// Run gathers the last 24h of session summaries per user (minimum two) and
// writes one insight memory per returned insight. Principles feed the soul
// distillation. Returns the number of insight memories created.
func (e *Engine) Run(ctx context.Context) (int, error) {
	if e.workspace == "" {
		return 0, nil
	}
	if e.llm == nil {
		return 0, fmt.Errorf("no language client")
	}
	users, err := e.db.ListUsers()
	if err != nil {
		return 0, err
	}
	since := time.Now().Add(-24 * time.Hour).UnixMilli()

	var created int
	var allPrinciples []string
	for _, user := range users {
		summaries, err := e.db.RecentSessionSummaries(user, since)
		if err != nil || len(summaries) < 2 {
			continue
		}
		n, principles, err := e.reflectUser(ctx, user, summaries)
		if err != nil {
			logging.Warn("reflect", "user %s: %v", user, err)
			continue
		}
		created += n
		allPrinciples = append(allPrinciples, principles...)
	}

	if err := e.distillSoul(ctx, allPrinciples); err != nil {
		logging.Warn("reflect", "soul distillation failed: %v", err)
	}
	return created, nil
}

func (e *Engine) reflectUser(ctx context.Context, user string, summaries []*store.SessionSummary) (int, []string, error) {
	var sb strings.Builder
	sessionIDs := make([]string, 0, len(summaries))
	for _, s := range summaries {
		sessionIDs = append(sessionIDs, s.SessionID)
		fmt.Fprintf(&sb, "- %s (topics: %s)\n", s.Summary, strings.Join(s.Topics, ", "))
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(reflectPrompt, sb.String())}},
		Temperature: 0.5,
		MaxTokens:   1024,
	})
	if err != nil {
		return 0, nil, err
	}

	var parsed struct {
		Insights []struct {
			Content string   `json:"content"`
			Topics  []string `json:"topics"`
		} `json:"insights"`
		Principles []string `json:"principles"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		return 0, nil, fmt.Errorf("unparseable reflection: %w", err)
	}

	var created int
	for _, ins := range parsed.Insights {
		if ins.Content == "" {
			continue
		}
		m := &store.Memory{
			UserID:      user,
			Content:     ins.Content,
			Category:    store.CategoryInsight,
			Kind:        store.KindDerived,
			LearnedFrom: store.LearnedSelfReflection,
			Metadata: map[string]any{
				"sourceSessionIds": sessionIDs,
				"topics":           ins.Topics,
			},
		}
		if err := e.db.AddMemory(m); err != nil {
			logging.Warn("reflect", "insight write failed: %v", err)
			continue
		}
		created++
	}
	return created, parsed.Principles, nil
}

const soulPrompt = `Distill the agent's accumulated behavioral principles into a short guideline document.

Principles observed so far:
%s

Reply with plain markdown only — no JSON, no code fences. Keep it under 60 lines.`

// distillSoul writes SOUL.md at the workspace root from the gathered
// principles. An empty principle set leaves the file untouched.
func (e *Engine) distillSoul(ctx context.Context, principles []string) error {
	if len(principles) == 0 {
		return nil
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(soulPrompt, "- "+strings.Join(principles, "\n- "))}},
		Temperature: 0.5,
		MaxTokens:   2048,
	})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fmt.Errorf("empty soul document")
	}
	path := filepath.Join(e.workspace, "SOUL.md")
	if err := os.WriteFile(path, []byte(text+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.Info("reflect", "wrote %s (%d bytes)", path, len(text))
	return nil
}
