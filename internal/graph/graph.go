package graph

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/tashfeenahmed/scallop/internal/store"
)

// Params controls one spreading-activation run
type Params struct {
	MaxSteps            int     // iterations (default 3)
	DecayFactor         float64 // per-step attenuation, applied as decay^step
	NoiseSigma          float64 // Gaussian noise stddev; 0 = deterministic
	ActivationThreshold float64 // drop nodes below this during the run
	ResultThreshold     float64 // final inclusion floor
}

// DefaultParams are the deterministic retrieval-time parameters
func DefaultParams() Params {
	return Params{
		MaxSteps:            3,
		DecayFactor:         0.5,
		NoiseSigma:          0,
		ActivationThreshold: 0.05,
		ResultThreshold:     0.1,
	}
}

// Activation pairs a node with its final activation energy
type Activation struct {
	ID     string
	Energy float64
}

// Graph is a derived view over the store's relation rows. It owns no state
// of its own; traversal reads through the store.
type Graph struct {
	db *store.DB

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a graph view over the store
func New(db *store.DB) *Graph {
	return &Graph{db: db, rng: rand.New(rand.NewSource(rand.Int63()))}
}

// NewSeeded creates a graph with a fixed noise source (for tests)
func NewSeeded(db *store.DB, seed int64) *Graph {
	return &Graph{db: db, rng: rand.New(rand.NewSource(seed))}
}

func (g *Graph) gauss(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.NormFloat64() * sigma
}

// Spread runs spreading activation from the seed energies and returns nodes
// with final activation above the result threshold, ranked, seeds excluded.
// A node visited above threshold is never revisited in the same run.
func (g *Graph) Spread(seeds map[string]float64, p Params) ([]Activation, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if p.MaxSteps <= 0 {
		p.MaxSteps = 3
	}
	if p.DecayFactor <= 0 {
		p.DecayFactor = 0.5
	}

	seedSet := make(map[string]bool, len(seeds))
	active := make(map[string]float64, len(seeds))
	for id, e := range seeds {
		seedSet[id] = true
		active[id] = e
	}

	// visited tracks nodes that have already carried above-threshold energy;
	// they accumulate but never re-propagate (cycle safety).
	visited := make(map[string]bool, len(seeds))
	accumulated := make(map[string]float64)

	neighborCache := make(map[string][]*store.Relation)
	loadNeighbors := func(ids []string) error {
		var missing []string
		for _, id := range ids {
			if _, ok := neighborCache[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		batch, err := g.db.RelationsForBatch(missing)
		if err != nil {
			return err
		}
		for _, id := range missing {
			neighborCache[id] = batch[id]
		}
		return nil
	}

	for step := 1; step <= p.MaxSteps; step++ {
		frontier := make([]string, 0, len(active))
		for id := range active {
			frontier = append(frontier, id)
		}
		if err := loadNeighbors(frontier); err != nil {
			return nil, err
		}

		decay := math.Pow(p.DecayFactor, float64(step))
		next := make(map[string]float64)

		for id, energy := range active {
			if visited[id] {
				continue
			}
			visited[id] = true

			// Distribute along outgoing and incoming edges alike
			for _, rel := range neighborCache[id] {
				other := rel.TargetID
				if other == id {
					other = rel.SourceID
				}
				contribution := energy * rel.Confidence * decay
				contribution += g.gauss(p.NoiseSigma) * decay
				if contribution <= 0 {
					continue
				}
				next[other] += contribution
				accumulated[other] += contribution
			}
		}

		// Prune sub-threshold nodes and already-visited ones from the frontier
		active = make(map[string]float64)
		for id, e := range next {
			if visited[id] || e < p.ActivationThreshold {
				continue
			}
			active[id] = e
		}
		if len(active) == 0 {
			break
		}
	}

	var out []Activation
	for id, e := range accumulated {
		if seedSet[id] {
			continue
		}
		if e < p.ResultThreshold {
			continue
		}
		out = append(out, Activation{ID: id, Energy: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Energy != out[j].Energy {
			return out[i].Energy > out[j].Energy
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
