package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/internal/activity"
	"crosspost/internal/domain"
	"crosspost/internal/metrics"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"

	"golang.org/x/time/rate"
)

// Budget bounds the work admitted for one key. Zero values mean unlimited.
type Budget struct {
	PerMinute   int
	Burst       int
	Concurrency int
}

// GateConfig maps budget keys to budgets. A key is "platform" or
// "workspace/platform"; the workspace form wins. "*" applies to platforms
// without a key of their own.
type GateConfig struct {
	Budgets map[string]Budget
	// DeferDelay is the wait before a job deferred for concurrency runs again.
	DeferDelay time.Duration
}

// Target is one account of a job as seen by the gate.
type Target struct {
	PublicationID string
	WorkspaceID   string
	Platform      string
}

// TargetsFunc resolves the targets of a job.
type TargetsFunc func(ctx context.Context, job engine.Job) ([]Target, error)

// Gate defers jobs whose targets are over budget. A deferral re-queues the
// same job without consuming an attempt.
type Gate struct {
	mu       sync.Mutex
	cfg      GateConfig
	limiters map[string]*rate.Limiter

	groups   *engine.ConcurrencyGroups
	targets  TargetsFunc
	activity activity.Recorder
	log      logx.Logger
}

func NewGate(cfg GateConfig, targets TargetsFunc, rec activity.Recorder, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = activity.Nop{}
	}
	g := &Gate{
		limiters: map[string]*rate.Limiter{},
		groups:   engine.NewConcurrencyGroups(),
		targets:  targets,
		activity: rec,
		log:      log,
	}
	g.Apply(cfg)
	return g
}

// Apply swaps the budgets. Existing limiters keep their tokens and adopt the
// new rate and burst.
func (g *Gate) Apply(cfg GateConfig) {
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 30 * time.Second
	}
	budgets := make(map[string]Budget, len(cfg.Budgets))
	for k, b := range cfg.Budgets {
		budgets[normKey(k)] = b
	}
	cfg.Budgets = budgets

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	for k, lim := range g.limiters {
		b, ok := budgets[k]
		if !ok || b.PerMinute <= 0 {
			delete(g.limiters, k)
			continue
		}
		lim.SetLimit(perMinute(b.PerMinute))
		lim.SetBurst(burst(b))
	}
}

func normKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func perMinute(n int) rate.Limit { return rate.Limit(float64(n) / 60) }

func burst(b Budget) int {
	if b.Burst > 0 {
		return b.Burst
	}
	return 1
}

// budgetFor picks the most specific budget key of a target.
func (g *Gate) budgetFor(t Target) (string, Budget, bool) {
	platform := normKey(t.Platform)
	candidates := []string{platform, "*"}
	if t.WorkspaceID != "" {
		candidates = append([]string{normKey(t.WorkspaceID) + "/" + platform}, candidates...)
	}
	for _, k := range candidates {
		if b, ok := g.cfg.Budgets[k]; ok {
			if k == "*" {
				// The catch-all budget still counts per platform.
				return platform, b, true
			}
			return k, b, true
		}
	}
	return "", Budget{}, false
}

func (g *Gate) limiter(key string, b Budget) *rate.Limiter {
	if b.PerMinute <= 0 {
		return nil
	}
	lim := g.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(perMinute(b.PerMinute), burst(b))
		g.limiters[key] = lim
	}
	return lim
}

type admission struct {
	key   string
	count int
	b     Budget
	lim   *rate.Limiter
}

// Middleware wraps the orchestrator's handler.
func (g *Gate) Middleware(next engine.HandlerFunc) engine.HandlerFunc {
	return func(ctx context.Context, job engine.Job) error {
		targets, err := g.targets(ctx, job)
		if err != nil || len(targets) == 0 {
			// The orchestrator reports missing records itself.
			return next(ctx, job)
		}

		g.mu.Lock()
		byKey := map[string]*admission{}
		for _, t := range targets {
			key, b, ok := g.budgetFor(t)
			if !ok {
				continue
			}
			a := byKey[key]
			if a == nil {
				a = &admission{key: key, b: b, lim: g.limiter(key, b)}
				byKey[key] = a
			}
			a.count++
		}
		deferDelay := g.cfg.DeferDelay
		g.mu.Unlock()

		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		now := time.Now()
		var (
			releases     []func()
			reservations []*rate.Reservation
		)
		undo := func() {
			for _, r := range reservations {
				r.CancelAt(now)
			}
			for _, rel := range releases {
				rel()
			}
		}

		for _, k := range keys {
			a := byKey[k]
			if a.b.Concurrency > 0 {
				rel, ok := g.groups.TryAcquire(k, a.b.Concurrency)
				if !ok {
					undo()
					return g.deferJob(ctx, job, targets[0], k, "concurrency", deferDelay)
				}
				releases = append(releases, rel)
			}
			if a.lim == nil {
				continue
			}
			n := min(a.count, a.lim.Burst())
			r := a.lim.ReserveN(now, n)
			if !r.OK() {
				undo()
				return g.deferJob(ctx, job, targets[0], k, "rate", deferDelay)
			}
			if d := r.DelayFrom(now); d > 0 {
				r.CancelAt(now)
				undo()
				return g.deferJob(ctx, job, targets[0], k, "rate", d)
			}
			reservations = append(reservations, r)
		}

		defer func() {
			for _, rel := range releases {
				rel()
			}
		}()
		return next(ctx, job)
	}
}

func (g *Gate) deferJob(ctx context.Context, job engine.Job, t Target, key, reason string, d time.Duration) error {
	metrics.Deferral(key, reason)
	g.log.Debug("dispatch deferred", logx.String("job", job.ID), logx.String("budget", key), logx.String("reason", reason), logx.Duration("after", d))
	g.activity.Record(ctx, domain.ActivityEntry{
		PublicationID: t.PublicationID, LineageID: job.ID, Kind: job.Kind,
		Tag: domain.TagDeferred, Message: reason + " budget " + key + " exhausted",
	})
	return engine.Defer(d, reason+" budget "+key)
}

// InUse reports the concurrency slots taken for a budget key.
func (g *Gate) InUse(key string) int { return g.groups.InUse(normKey(key)) }
