package explore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Engine discovers novel cross-memory relations that heuristics missed, via
// noisy spreading activation plus a language-model judge.
type Engine struct {
	db    *store.DB
	graph *graph.Graph
	llm   llm.Client
	cfg   config.ExploreConfig
	rng   *rand.Rand

	failures int
}

// New creates an exploration engine
func New(db *store.DB, g *graph.Graph, client llm.Client, cfg config.ExploreConfig) *Engine {
	return &Engine{db: db, graph: g, llm: client, cfg: cfg, rng: rand.New(rand.NewSource(rand.Int63()))}
}

// NewSeeded fixes the sampling source (for tests)
func NewSeeded(db *store.DB, g *graph.Graph, client llm.Client, cfg config.ExploreConfig, seed int64) *Engine {
	e := New(db, g, client, cfg)
	e.rng = rand.New(rand.NewSource(seed))
	return e
}

// Failures returns the cumulative judge-failure count
func (e *Engine) Failures() int {
	return e.failures
}

// Run explores every user's memory space. Returns the number of novel
// EXTENDS edges persisted.
func (e *Engine) Run(ctx context.Context) (int, error) {
	users, err := e.db.ListUsers()
	if err != nil {
		return 0, err
	}
	var minted int
	for _, user := range users {
		n, err := e.runUser(ctx, user)
		if err != nil {
			logging.Warn("explore", "user %s: %v", user, err)
			continue
		}
		minted += n
	}
	return minted, nil
}

func (e *Engine) runUser(ctx context.Context, user string) (int, error) {
	candidates, err := e.db.ListLatestMemories(user)
	if err != nil {
		return 0, err
	}
	seeds := e.sampleSeeds(candidates)
	if len(seeds) == 0 {
		return 0, nil
	}

	byID := make(map[string]*store.Memory, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}

	params := graph.Params{
		MaxSteps:            e.cfg.MaxSteps,
		DecayFactor:         e.cfg.DecayFactor,
		NoiseSigma:          e.cfg.NoiseSigma,
		ActivationThreshold: 0.02,
		ResultThreshold:     0.05,
	}

	var minted int
	for _, seed := range seeds {
		if ctx.Err() != nil {
			return minted, ctx.Err()
		}
		activations, err := e.graph.Spread(map[string]float64{seed.ID: 1.0}, params)
		if err != nil {
			continue
		}
		for _, a := range activations {
			candidate, ok := byID[a.ID]
			if !ok {
				continue
			}
			// Skip pairs that already share a direct relation
			if linked, err := e.db.RelationBetween(seed.ID, candidate.ID); err != nil || linked {
				continue
			}
			ok2, confidence, err := e.judge(ctx, seed, candidate)
			if err != nil {
				e.failures++
				continue
			}
			if !ok2 {
				continue
			}
			rel := &store.Relation{
				SourceID:   seed.ID,
				TargetID:   candidate.ID,
				Type:       store.RelExtends,
				Confidence: confidence,
			}
			if err := e.db.AddRelation(rel); err != nil {
				continue
			}
			minted++
		}
	}
	return minted, nil
}

// sampleSeeds draws seeds weighted by importance × prominence with
// low-amplitude Gaussian noise, capped per category for diversity.
func (e *Engine) sampleSeeds(candidates []*store.Memory) []*store.Memory {
	maxSeeds := e.cfg.MaxSeeds
	if maxSeeds <= 0 {
		maxSeeds = 5
	}
	perCategory := e.cfg.PerCategoryCap
	if perCategory <= 0 {
		perCategory = 2
	}

	type weighted struct {
		m *store.Memory
		w float64
	}
	pool := make([]weighted, 0, len(candidates))
	for _, m := range candidates {
		w := float64(m.Importance) / 10.0 * m.Prominence
		w += e.rng.NormFloat64() * 0.05
		if w <= 0 {
			continue
		}
		pool = append(pool, weighted{m, w})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].w > pool[j].w })

	catCount := make(map[store.Category]int)
	var seeds []*store.Memory
	for _, p := range pool {
		if len(seeds) >= maxSeeds {
			break
		}
		if catCount[p.m.Category] >= perCategory {
			continue
		}
		catCount[p.m.Category]++
		seeds = append(seeds, p.m)
	}
	return seeds
}

const judgePrompt = `Two memories about the same user may be connected in a non-obvious way.

Memory 1: %s
Memory 2: %s

Rate the potential connection on novelty, plausibility and usefulness (each 1-5).
If there is no meaningful connection, set "connection" to exactly "NO_CONNECTION".

Reply with a JSON object only:
{"novelty": 1-5, "plausibility": 1-5, "usefulness": 1-5,
 "connection": "one sentence, or NO_CONNECTION",
 "confidence": 0.0-1.0}`

// judge asks the language client to assess a candidate pairing. Accepts
// judgments with mean score >= the configured floor and a real connection.
func (e *Engine) judge(ctx context.Context, seed, candidate *store.Memory) (bool, float64, error) {
	if e.llm == nil {
		return false, 0, fmt.Errorf("no language client")
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(judgePrompt, seed.Content, candidate.Content)}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		return false, 0, err
	}
	var parsed struct {
		Novelty      float64 `json:"novelty"`
		Plausibility float64 `json:"plausibility"`
		Usefulness   float64 `json:"usefulness"`
		Connection   string  `json:"connection"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		return false, 0, fmt.Errorf("unparseable judgment: %w", err)
	}
	if strings.TrimSpace(parsed.Connection) == "" || strings.Contains(parsed.Connection, "NO_CONNECTION") {
		return false, 0, nil
	}
	minMean := e.cfg.MinMeanScore
	if minMean <= 0 {
		minMean = 3.0
	}
	mean := (parsed.Novelty + parsed.Plausibility + parsed.Usefulness) / 3.0
	if mean < minMean {
		return false, 0, nil
	}
	if parsed.Confidence <= 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0.5
	}
	return true, parsed.Confidence, nil
}
