package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/embedding"
	"github.com/tashfeenahmed/scallop/internal/graph"
	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// MatchKind says which signal surfaced a result
type MatchKind string

const (
	MatchSemantic   MatchKind = "semantic"
	MatchLexical    MatchKind = "lexical"
	MatchBlended    MatchKind = "blended"
	MatchActivation MatchKind = "activation"
)

// Result is one ranked retrieval hit
type Result struct {
	Memory *store.Memory
	Score  float64
	Match  MatchKind
}

// Options tweaks a single search call
type Options struct {
	EnableRerank      bool
	ExcludeGoalLinked bool
	SkipAccessBump    bool // property checks read without mutating
}

// Pipeline fuses lexical, semantic, prominence, graph and diversity signals
type Pipeline struct {
	db            *store.DB
	embedder      embedding.Embedder
	graph         *graph.Graph
	llm           llm.Client // optional re-ranker
	cfg           config.RetrievalConfig
	graphCfg      config.GraphConfig
	rerankTimeout time.Duration
}

// New creates a retrieval pipeline. llm may be nil; re-ranking is skipped.
func New(db *store.DB, embedder embedding.Embedder, g *graph.Graph, client llm.Client, cfg config.RetrievalConfig, graphCfg config.GraphConfig, rerankTimeout time.Duration) *Pipeline {
	if rerankTimeout <= 0 {
		rerankTimeout = 6 * time.Second
	}
	return &Pipeline{db: db, embedder: embedder, graph: g, llm: client, cfg: cfg, graphCfg: graphCfg, rerankTimeout: rerankTimeout}
}

// Search runs the full pipeline and returns up to k ranked results.
// Returned memories have their access counters bumped in one transaction.
func (p *Pipeline) Search(ctx context.Context, query, userID string, k int, opts Options) ([]Result, error) {
	if query == "" || userID == "" || k <= 0 {
		return nil, fmt.Errorf("%w: query, user and positive k required", store.ErrInvalid)
	}

	candidates, err := p.db.ListLatestMemories(userID)
	if err != nil {
		return nil, fmt.Errorf("candidate load failed: %w", err)
	}
	if opts.ExcludeGoalLinked {
		candidates = dropGoals(candidates)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Query embedding is best-effort; candidates without one fall back to
	// lexical scoring either way.
	var queryEmb []float64
	if p.embedder != nil {
		if emb, err := p.embedder.Embed(ctx, query); err == nil {
			queryEmb = emb
		} else {
			logging.Debug("retrieval", "query embedding unavailable: %v", err)
		}
	}

	docs := make([]string, len(candidates))
	for i, m := range candidates {
		docs[i] = m.Content
	}
	lexRaw := bm25Scores(query, docs)
	lexNorm := rankNormalize(lexRaw)

	scored := make([]Result, 0, len(candidates))
	index := make(map[string]int, len(candidates))
	for i, m := range candidates {
		var cos float64
		if queryEmb != nil && len(m.Embedding) > 0 {
			cos = store.CosineSim(queryEmb, m.Embedding)
			if cos < 0 {
				cos = 0
			}
		}
		base := p.cfg.SemanticWeight*cos + p.cfg.LexicalWeight*lexNorm[i]
		if base <= 0 {
			continue
		}
		// Prominence modulates rather than gates: weight 0 disables
		if p.cfg.ProminenceWeight > 0 {
			base *= (1 - p.cfg.ProminenceWeight) + p.cfg.ProminenceWeight*m.Prominence
		}
		match := MatchBlended
		if cos == 0 {
			match = MatchLexical
		} else if lexNorm[i] == 0 {
			match = MatchSemantic
		}
		index[m.ID] = len(scored)
		scored = append(scored, Result{Memory: m, Score: base, Match: match})
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sortResults(scored)

	// Keep the top 4k before graph expansion
	if limit := 4 * k; len(scored) > limit {
		for _, r := range scored[limit:] {
			delete(index, r.Memory.ID)
		}
		scored = scored[:limit]
	}

	// Spreading activation from the top matches pulls in graph-adjacent
	// memories; activation merges additively under a configurable scalar.
	scored = p.mergeActivation(scored, index, candidates, k)
	sortResults(scored)

	// MMR diversity
	if len(scored) > p.cfg.MMRMinResults {
		scored = mmrOrder(scored, p.cfg.MMRLambda)
	}

	// Optional LLM re-rank over the top 2k; failure falls back silently
	if (opts.EnableRerank || p.cfg.EnableRerank) && p.llm != nil {
		scored = p.rerank(ctx, query, scored, 2*k)
	}

	if len(scored) > k {
		scored = scored[:k]
	}

	if !opts.SkipAccessBump {
		ids := make([]string, len(scored))
		for i, r := range scored {
			ids[i] = r.Memory.ID
		}
		if err := p.db.BumpAccess(ids, time.Now().UnixMilli()); err != nil {
			logging.Warn("retrieval", "access bump failed: %v", err)
		}
	}
	return scored, nil
}

// mergeActivation runs deterministic spreading activation from the top
// matches and merges activated memories into the scored set.
func (p *Pipeline) mergeActivation(scored []Result, index map[string]int, candidates []*store.Memory, k int) []Result {
	if p.graph == nil || len(scored) == 0 {
		return scored
	}
	seedCount := p.cfg.ActivationSeeds
	if seedCount <= 0 {
		seedCount = 3
	}
	if seedCount > len(scored) {
		seedCount = len(scored)
	}
	seeds := make(map[string]float64, seedCount)
	for _, r := range scored[:seedCount] {
		seeds[r.Memory.ID] = r.Score
	}

	params := graph.Params{
		MaxSteps:            p.graphCfg.MaxSteps,
		DecayFactor:         p.graphCfg.DecayFactor,
		NoiseSigma:          0,
		ActivationThreshold: p.graphCfg.ActivationThreshold,
		ResultThreshold:     p.graphCfg.ResultThreshold,
	}
	activations, err := p.graph.Spread(seeds, params)
	if err != nil {
		logging.Debug("retrieval", "activation failed: %v", err)
		return scored
	}

	byID := make(map[string]*store.Memory, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}
	weight := p.cfg.ActivationWeight
	if weight <= 0 {
		weight = 1.0
	}
	for _, a := range activations {
		bonus := weight * a.Energy
		if i, ok := index[a.ID]; ok {
			scored[i].Score += bonus
			continue
		}
		m, ok := byID[a.ID]
		if !ok {
			continue // activated into another user's space or archived
		}
		index[a.ID] = len(scored)
		scored = append(scored, Result{Memory: m, Score: bonus, Match: MatchActivation})
	}
	return scored
}

// sortResults orders by score desc with deterministic tie-breaks:
// higher importance, newer document date, then id.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if a.Memory.DocumentDate != b.Memory.DocumentDate {
			return a.Memory.DocumentDate > b.Memory.DocumentDate
		}
		return a.Memory.ID < b.Memory.ID
	})
}

func dropGoals(ms []*store.Memory) []*store.Memory {
	out := ms[:0]
	for _, m := range ms {
		if t, _ := m.Metadata["type"].(string); t == "goal" {
			continue
		}
		out = append(out, m)
	}
	return out
}
