package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tashfeenahmed/scallop/internal/llm"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// mmrOrder reorders results by maximal marginal relevance: each pick
// maximizes λ·relevance − (1−λ)·max-Jaccard-overlap with prior picks.
func mmrOrder(results []Result, lambda float64) []Result {
	if lambda <= 0 || lambda >= 1 {
		lambda = 0.5
	}
	tokens := make([]map[string]bool, len(results))
	for i, r := range results {
		tokens[i] = tokenSet(r.Memory.Content)
	}

	picked := make([]Result, 0, len(results))
	pickedTokens := make([]map[string]bool, 0, len(results))
	used := make([]bool, len(results))

	for len(picked) < len(results) {
		best := -1
		bestScore := 0.0
		for i, r := range results {
			if used[i] {
				continue
			}
			var maxOverlap float64
			for _, pt := range pickedTokens {
				if o := jaccard(tokens[i], pt); o > maxOverlap {
					maxOverlap = o
				}
			}
			score := lambda*r.Score - (1-lambda)*maxOverlap
			if best < 0 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		used[best] = true
		picked = append(picked, results[best])
		pickedTokens = append(pickedTokens, tokens[best])
	}
	return picked
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range store.Tokenize(s) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

const rerankSystem = `You rank memories by relevance to a query. Reply with a JSON array only:
[{"index": 1, "score": 0.0-1.0}, ...] — one entry per listed memory.`

// rerank sends the top-n candidates to the language client with a numbered
// list and reorders by the returned per-candidate scores. Any failure keeps
// the pre-rerank order.
func (p *Pipeline) rerank(ctx context.Context, query string, results []Result, n int) []Result {
	if len(results) == 0 {
		return results
	}
	if n > len(results) {
		n = len(results)
	}
	head, tail := results[:n], results[n:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nMemories:\n", query)
	for i, r := range head {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, logging.Truncate(r.Memory.Content, 200))
	}

	ctx, cancel := context.WithTimeout(ctx, p.rerankTimeout)
	defer cancel()
	resp, err := p.llm.Complete(ctx, llm.Request{
		System:      rerankSystem,
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		logging.Debug("retrieval", "rerank skipped: %v", err)
		return results
	}

	var parsed []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text())), &parsed); err != nil {
		logging.Debug("retrieval", "rerank unparseable: %v", err)
		return results
	}

	reranked := make([]Result, len(head))
	copy(reranked, head)
	for _, e := range parsed {
		if e.Index < 1 || e.Index > len(head) {
			continue
		}
		reranked[e.Index-1].Score = e.Score
	}
	sortResults(reranked)
	return append(reranked, tail...)
}
