package retrieval

import (
	"math"

	"github.com/tashfeenahmed/scallop/internal/store"
)

// BM25 parameters
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Scores computes raw BM25 scores for the query against each document.
// Corpus statistics come from the candidate set itself, which keeps scoring
// correct after archival without maintaining global counters.
func bm25Scores(query string, docs []string) []float64 {
	scores := make([]float64, len(docs))
	queryTerms := store.Tokenize(query)
	if len(queryTerms) == 0 || len(docs) == 0 {
		return scores
	}

	docTokens := make([][]string, len(docs))
	var totalLen float64
	for i, d := range docs {
		docTokens[i] = store.Tokenize(d)
		totalLen += float64(len(docTokens[i]))
	}
	avgLen := totalLen / float64(len(docs))
	if avgLen == 0 {
		return scores
	}

	// Document frequency per query term
	df := make(map[string]int, len(queryTerms))
	for _, toks := range docTokens {
		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			seen[t] = true
		}
		for _, q := range queryTerms {
			if seen[q] {
				df[q]++
			}
		}
	}

	n := float64(len(docs))
	for i, toks := range docTokens {
		tf := make(map[string]int, len(toks))
		for _, t := range toks {
			tf[t]++
		}
		docLen := float64(len(toks))
		var score float64
		for _, q := range queryTerms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[q])+0.5)/(float64(df[q])+0.5))
			score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		scores[i] = score
	}
	return scores
}

// rankNormalize maps raw scores to 1/(1+rank) with rank 0 for the best.
// Zero scores stay zero.
func rankNormalize(scores []float64) []float64 {
	type ranked struct {
		idx   int
		score float64
	}
	order := make([]ranked, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			order = append(order, ranked{i, s})
		}
	}
	// Insertion sort keeps this simple; candidate sets are small
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j].score > order[j-1].score; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	out := make([]float64, len(scores))
	for rank, r := range order {
		out[r.idx] = 1.0 / float64(1+rank)
	}
	return out
}
