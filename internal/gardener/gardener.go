package gardener

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/tashfeenahmed/scallop/internal/board"
	"github.com/tashfeenahmed/scallop/internal/config"
	"github.com/tashfeenahmed/scallop/internal/decay"
	"github.com/tashfeenahmed/scallop/internal/explore"
	"github.com/tashfeenahmed/scallop/internal/fusion"
	"github.com/tashfeenahmed/scallop/internal/gaps"
	"github.com/tashfeenahmed/scallop/internal/logging"
	"github.com/tashfeenahmed/scallop/internal/reflect"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Gardener runs the tiered maintenance cycles: light (minutes), deep
// (hourly) and sleep (quiet hours). Component failures log and continue; a
// cycle never aborts.
type Gardener struct {
	db      *store.DB
	decay   *decay.Engine
	fusion  *fusion.Engine
	explore *explore.Engine
	reflect *reflect.Engine
	gaps    *gaps.Pipeline
	board   *board.Manager
	cfg     config.GardenerConfig
	quiet   config.BoardConfig

	mu            sync.Mutex
	lastDecayRun  time.Time
	lastSleepDate string // one sleep pass per night
}

// New wires the gardener
func New(db *store.DB, d *decay.Engine, f *fusion.Engine, x *explore.Engine, r *reflect.Engine, g *gaps.Pipeline, b *board.Manager, cfg config.GardenerConfig, boardCfg config.BoardConfig) *Gardener {
	return &Gardener{db: db, decay: d, fusion: f, explore: x, reflect: r, gaps: g, board: b, cfg: cfg, quiet: boardCfg}
}

// Start launches the tick loops. They stop when ctx is cancelled.
func (g *Gardener) Start(ctx context.Context) {
	go g.loop(ctx, g.cfg.LightInterval, 5*time.Minute, g.RunLight, "light")
	go g.loop(ctx, g.cfg.DeepInterval, time.Hour, g.RunDeep, "deep")
	go g.loop(ctx, g.cfg.SleepInterval, time.Hour, g.maybeSleep, "sleep")
	go g.sweepLoop(ctx)
	logging.Info("gardener", "started (light=%s deep=%s)", g.cfg.LightInterval, g.cfg.DeepInterval)
}

func (g *Gardener) loop(ctx context.Context, interval, fallback time.Duration, run func(context.Context, time.Time), name string) {
	if interval <= 0 {
		interval = fallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			run(ctx, now)
		}
	}
}

func (g *Gardener) sweepLoop(ctx context.Context) {
	interval := g.quiet.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := g.board.Evaluate(ctx, now); err != nil {
				logging.Warn("gardener", "scheduler sweep: %v", err)
			}
		}
	}
}

// cpuBusy reports whether the host is under sustained load; deep and sleep
// passes defer rather than compete with foreground work.
func (g *Gardener) cpuBusy() bool {
	if g.cfg.CPUGateLimit <= 0 {
		return false
	}
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return false
	}
	return percents[0] > g.cfg.CPUGateLimit
}

// RunLight is the light tick: full decay plus scheduled-item consolidation
func (g *Gardener) RunLight(ctx context.Context, now time.Time) {
	if n, err := g.decay.RunBatch(g.db, now); err != nil {
		logging.Warn("gardener", "light decay: %v", err)
	} else if n > 0 {
		g.noteDecayRun(now)
	}

	users, err := g.db.ListUsers()
	if err != nil {
		logging.Warn("gardener", "light consolidation: %v", err)
		return
	}
	for _, user := range users {
		if n, err := g.db.ConsolidateScheduledItems(user, 0.8); err != nil {
			logging.Warn("gardener", "item consolidation for %s: %v", user, err)
		} else if n > 0 {
			logging.Info("gardener", "consolidated %d duplicate items for %s", n, user)
		}
	}
}

// RunDeep is the deep tick: decay if stale, daytime fusion, gap pipeline,
// and a forced scheduler sweep.
func (g *Gardener) RunDeep(ctx context.Context, now time.Time) {
	if g.cpuBusy() {
		logging.Info("gardener", "deep tick deferred: host busy")
		return
	}

	if g.decayStale(now) {
		if _, err := g.decay.RunBatch(g.db, now); err != nil {
			logging.Warn("gardener", "deep decay: %v", err)
		} else {
			g.noteDecayRun(now)
		}
	}

	if _, err := g.fusion.Run(ctx, fusion.Options{DeepSleep: false}); err != nil {
		logging.Warn("gardener", "daytime fusion: %v", err)
	}

	users, err := g.db.ListUsers()
	if err == nil {
		for _, user := range users {
			if _, err := g.gaps.Run(ctx, user, now); err != nil {
				logging.Warn("gardener", "gap pipeline for %s: %v", user, err)
			}
		}
	}

	if _, err := g.board.Evaluate(ctx, now); err != nil {
		logging.Warn("gardener", "deep sweep: %v", err)
	}
}

// maybeSleep runs the sleep pass once per night inside quiet hours
func (g *Gardener) maybeSleep(ctx context.Context, now time.Time) {
	if !g.board.InQuietHours(now) {
		return
	}
	date := now.Format("2006-01-02")
	g.mu.Lock()
	if g.lastSleepDate == date {
		g.mu.Unlock()
		return
	}
	g.lastSleepDate = date
	g.mu.Unlock()
	g.RunSleep(ctx, now)
}

// RunSleep is the sleep tick: utility archival, NREM fusion (wide window,
// cross-category), REM exploration, reflection plus SOUL.md, trust refresh.
func (g *Gardener) RunSleep(ctx context.Context, now time.Time) {
	if g.cpuBusy() {
		logging.Info("gardener", "sleep tick deferred: host busy")
		return
	}

	if _, err := g.decay.RunUtilityArchival(g.db); err != nil {
		logging.Warn("gardener", "utility archival: %v", err)
	}
	if _, err := g.fusion.Run(ctx, fusion.Options{DeepSleep: true}); err != nil {
		logging.Warn("gardener", "nrem fusion: %v", err)
	}
	if _, err := g.explore.Run(ctx); err != nil {
		logging.Warn("gardener", "rem exploration: %v", err)
	}
	if _, err := g.reflect.Run(ctx); err != nil {
		logging.Warn("gardener", "reflection: %v", err)
	}
	g.board.RefreshTrust(now)

	if _, err := g.board.AutoArchive(now); err != nil {
		logging.Warn("gardener", "auto-archive: %v", err)
	}
}

func (g *Gardener) noteDecayRun(now time.Time) {
	g.mu.Lock()
	g.lastDecayRun = now
	g.mu.Unlock()
}

func (g *Gardener) decayStale(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastDecayRun) > 30*time.Minute
}
