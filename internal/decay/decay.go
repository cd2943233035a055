package decay

import (
	"math"
	"sort"
	"time"

	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Factor weights for the prominence blend
const (
	WeightAge        = 0.30
	WeightAccess     = 0.25
	WeightRecency    = 0.25
	WeightImportance = 0.20
)

// Prominence bands
const (
	ActiveThreshold  = 0.5
	ArchiveThreshold = 0.1
)

// emitDelta is the minimum prominence change worth persisting
const emitDelta = 0.01

// Engine computes prominence. Pure and total: it never errors.
type Engine struct {
	cfg config.DecayConfig
}

// New creates a decay engine from config
func New(cfg config.DecayConfig) *Engine {
	return &Engine{cfg: cfg}
}

// rate returns the effective per-day retention rate: max(type, category)
func (e *Engine) rate(m *store.Memory) float64 {
	catRate := e.cfg.CategoryRates[string(m.Category)]
	if catRate == 0 {
		catRate = 0.97
	}
	typeRate := e.cfg.TypeRates[string(m.Kind)]
	if typeRate == 0 {
		typeRate = 0.97
	}
	return math.Max(typeRate, catRate)
}

// Prominence computes a memory's prominence at the given moment.
// Static-profile entries short-circuit to 1.0.
func (e *Engine) Prominence(m *store.Memory, now time.Time) float64 {
	if m.Kind == store.KindStaticProfile {
		return 1.0
	}

	nowMs := now.UnixMilli()
	ageDays := float64(nowMs-m.CreatedAt) / 86400000.0
	if ageDays < 0 {
		ageDays = 0
	}

	ageDecay := math.Pow(e.rate(m), ageDays)

	// Boosts are 1-anchored (1 = neutral); only the excess above neutral
	// contributes, otherwise an untouched memory could never leave the
	// active band.
	accessBoost := 0.1 * math.Min(float64(m.AccessCount), 10)

	recencyBoost := 0.0
	if m.LastAccessed > 0 {
		lastAgeDays := float64(nowMs-m.LastAccessed) / 86400000.0
		if lastAgeDays < 0 {
			lastAgeDays = 0
		}
		recencyBoost = 0.3 * math.Exp(-lastAgeDays/7.0)
	}

	importance := float64(m.Importance) / 10.0

	p := WeightAge*ageDecay + WeightAccess*accessBoost +
		WeightRecency*recencyBoost + WeightImportance*importance
	return clamp01(p)
}

// Utility scores how worth keeping a memory is: prominence × ln(1 + accesses)
func Utility(m *store.Memory) float64 {
	return m.Prominence * math.Log(1+float64(m.AccessCount))
}

// RunBatch recomputes prominence for every non-static latest memory of every
// user and persists only entries whose change exceeds emitDelta, in one
// transaction per user. Returns the number of updated memories.
func (e *Engine) RunBatch(db *store.DB, now time.Time) (int, error) {
	users, err := db.ListUsers()
	if err != nil {
		return 0, err
	}
	var total int
	for _, user := range users {
		memories, err := db.ListLatestMemories(user)
		if err != nil {
			return total, err
		}
		updates := make(map[string]float64)
		for _, m := range memories {
			if m.Kind == store.KindStaticProfile {
				continue
			}
			p := e.Prominence(m, now)
			if math.Abs(p-m.Prominence) > emitDelta {
				updates[m.ID] = p
			}
		}
		if len(updates) == 0 {
			continue
		}
		if err := db.SetProminences(updates); err != nil {
			return total, err
		}
		total += len(updates)
	}
	if total > 0 {
		logging.Debug("decay", "updated prominence for %d memories", total)
	}
	return total, nil
}

// RunUtilityArchival demotes the lowest-utility entries already in the
// archive band (prominence below the archive threshold). Archival is a flag
// transition; nothing is deleted.
func (e *Engine) RunUtilityArchival(db *store.DB) (int, error) {
	users, err := db.ListUsers()
	if err != nil {
		return 0, err
	}
	maxPerUser := e.cfg.UtilityArchiveMax
	if maxPerUser <= 0 {
		maxPerUser = 20
	}
	threshold := e.cfg.ArchiveThreshold
	if threshold <= 0 {
		threshold = ArchiveThreshold
	}

	var total int
	for _, user := range users {
		candidates, err := db.ListMemoriesByProminence(user, 0, threshold)
		if err != nil {
			return total, err
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return Utility(candidates[i]) < Utility(candidates[j])
		})
		if len(candidates) > maxPerUser {
			candidates = candidates[:maxPerUser]
		}
		ids := make([]string, len(candidates))
		for i, m := range candidates {
			ids[i] = m.ID
		}
		if err := db.ArchiveMemories(ids); err != nil {
			return total, err
		}
		total += len(ids)
	}
	if total > 0 {
		logging.Info("decay", "archived %d low-utility memories", total)
	}
	return total, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
