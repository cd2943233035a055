package fusion

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

// Engine consolidates clusters of related dormant memories into a single
// derived memory.
type Engine struct {
	db  *store.DB
	llm llm.Client
	cfg config.FusionConfig

	// failure counter across runs; clusters fail in isolation
	failures int
}

// New creates a fusion engine
func New(db *store.DB, client llm.Client, cfg config.FusionConfig) *Engine {
	return &Engine{db: db, llm: client, cfg: cfg}
}

// Options selects the fusion mode
type Options struct {
	DeepSleep bool // wider prominence window, cross-category clusters allowed
}

// Failures returns the cumulative per-cluster failure count
func (e *Engine) Failures() int {
	return e.failures
}

// Run discovers clusters for every user and consolidates each. Returns the
// number of derived memories created. A failing cluster increments the
// failure counter and never aborts the pass.
func (e *Engine) Run(ctx context.Context, opts Options) (int, error) {
	users, err := e.db.ListUsers()
	if err != nil {
		return 0, err
	}
	var created int
	for _, user := range users {
		n, err := e.runUser(ctx, user, opts)
		if err != nil {
			logging.Warn("fusion", "user %s: %v", user, err)
			continue
		}
		created += n
	}
	return created, nil
}

func (e *Engine) runUser(ctx context.Context, user string, opts Options) (int, error) {
	low, high := e.cfg.ProminenceLow, e.cfg.ProminenceHigh
	if opts.DeepSleep {
		low, high = e.cfg.DeepLow, e.cfg.DeepHigh
	}
	memories, err := e.db.ListMemoriesByProminence(user, low, high)
	if err != nil {
		return 0, err
	}
	minSize := e.cfg.MinClusterSize
	if minSize <= 0 {
		minSize = 3
	}
	if len(memories) < minSize {
		return 0, nil
	}

	clusters := e.findClusters(memories, minSize, !opts.DeepSleep)
	maxClusters := e.cfg.MaxClusters
	if maxClusters <= 0 {
		maxClusters = 5
	}
	if len(clusters) > maxClusters {
		clusters = clusters[:maxClusters]
	}

	var created int
	for _, cluster := range clusters {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if err := e.consolidate(ctx, user, cluster, opts.DeepSleep); err != nil {
			e.failures++
			logging.Warn("fusion", "cluster failed (%d members): %v", len(cluster), err)
			continue
		}
		created++
	}
	return created, nil
}

// findClusters returns connected components of the relation subgraph over
// the given memories, minimum size minSize. sameCategory restricts
// components to one category (the daytime mode).
func (e *Engine) findClusters(memories []*store.Memory, minSize int, sameCategory bool) [][]*store.Memory {
	byID := make(map[string]*store.Memory, len(memories))
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	relMap, err := e.db.RelationsForBatch(ids)
	if err != nil {
		return nil
	}

	adj := make(map[string][]string, len(memories))
	for id, rels := range relMap {
		for _, r := range rels {
			other := r.TargetID
			if other == id {
				other = r.SourceID
			}
			if _, ok := byID[other]; !ok {
				continue
			}
			if sameCategory && byID[id].Category != byID[other].Category {
				continue
			}
			adj[id] = append(adj[id], other)
		}
	}

	visited := make(map[string]bool, len(memories))
	var clusters [][]*store.Memory
	for _, m := range memories {
		if visited[m.ID] {
			continue
		}
		// Iterative DFS over the component
		var component []*store.Memory
		stack := []string{m.ID}
		visited[m.ID] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, byID[cur])
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		if len(component) >= minSize {
			clusters = append(clusters, component)
		}
	}
	return clusters
}

const fusionPrompt = `You consolidate related memories about a user into one concise summary.

Memories:
%s

Relations between them:
%s

Reply with a JSON object only:
{"summary": "one or two sentences capturing what these memories say together",
 "importance": 1-10,
 "category": "preference" | "fact" | "event" | "relationship" | "insight"}`

// consolidate asks the language client for a fused summary and commits the
// derived memory, its DERIVES edges and the source supersession atomically.
func (e *Engine) consolidate(ctx context.Context, user string, cluster []*store.Memory, deepSleep bool) error {
	if e.llm == nil {
		return fmt.Errorf("no language client")
	}

	var memList, relList strings.Builder
	var totalLen int
	maxEdges := e.cfg.MaxEdgesPerNode
	if maxEdges <= 0 {
		maxEdges = 4
	}
	ids := make([]string, len(cluster))
	byID := make(map[string]*store.Memory, len(cluster))
	for i, m := range cluster {
		ids[i] = m.ID
		byID[m.ID] = m
		totalLen += len(m.Content)
		fmt.Fprintf(&memList, "- %s\n", m.Content)
	}
	relMap, _ := e.db.RelationsForBatch(ids)
	for _, m := range cluster {
		count := 0
		for _, r := range relMap[m.ID] {
			if count >= maxEdges {
				break
			}
			other := r.TargetID
			if other == m.ID {
				other = r.SourceID
			}
			om, ok := byID[other]
			if !ok {
				continue
			}
			fmt.Fprintf(&relList, "- %q %s %q\n",
				truncate(m.Content, 80), r.Type, truncate(om.Content, 80))
			count++
		}
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(fusionPrompt, memList.String(), relList.String())}},
		Temperature: 0.3,
		MaxTokens:   512,
	})
	if err != nil {
		return fmt.Errorf("fusion completion failed: %w", err)
	}

	var parsed struct {
		Summary    string `json:"summary"`
		Importance int    `json:"importance"`
		Category   string `json:"category"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		return fmt.Errorf("unparseable fusion response: %w", err)
	}
	if parsed.Summary == "" || len(parsed.Summary) >= totalLen {
		return fmt.Errorf("fusion summary not a compression (%d >= %d chars)", len(parsed.Summary), totalLen)
	}

	// Cross-category clusters become insights
	category := store.Category(parsed.Category)
	if deepSleep && mixedCategories(cluster) {
		category = store.CategoryInsight
	}
	if category == "" {
		category = cluster[0].Category
	}

	importance := parsed.Importance
	confidence := 1.0
	for _, m := range cluster {
		if m.Importance > importance {
			importance = m.Importance
		}
		if m.Confidence < confidence {
			confidence = m.Confidence
		}
	}

	learned := store.LearnedDaytimeFusion
	if deepSleep {
		learned = store.LearnedNREMConsolidation
	}
	prominence := e.cfg.ProminenceCap
	if prominence <= 0 || prominence > 0.7 {
		prominence = 0.7
	}

	derived := &store.Memory{
		UserID:      user,
		Content:     parsed.Summary,
		Category:    category,
		Importance:  importance,
		Confidence:  confidence,
		Prominence:  prominence,
		LearnedFrom: learned,
	}
	if err := e.db.CreateDerivedMemory(derived, ids); err != nil {
		return fmt.Errorf("derived commit failed: %w", err)
	}
	logging.Info("fusion", "fused %d memories into %s: %s", len(cluster), derived.ID, logging.Truncate(parsed.Summary, 80))
	return nil
}

func mixedCategories(cluster []*store.Memory) bool {
	for _, m := range cluster[1:] {
		if m.Category != cluster[0].Category {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
