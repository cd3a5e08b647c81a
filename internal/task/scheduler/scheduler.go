package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	logx "crosspost/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownSweep = errors.New("unknown sweep")
	// ErrSkipped is returned by Fire while the previous run is in flight.
	ErrSkipped = errors.New("sweep already running")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
}

type SweepFunc func(ctx context.Context) error

type sweep struct {
	name    string
	cadence Cadence
	timeout time.Duration
	fn      SweepFunc
	entry   cron.EntryID
	offset  time.Duration

	mu      sync.Mutex
	running bool
	stats   SweepStatus
}

// Service owns one cron runner. Registration works before and after Start.
type Service struct {
	log logx.Logger

	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	runner *cron.Cron
	sweeps map[string]*sweep
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, cfg: cfg, sweeps: map[string]*sweep{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Register adds or replaces the sweep called name.
func (s *Service) Register(name, cadence string, timeout time.Duration, fn SweepFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("sweep name required")
	}
	if fn == nil {
		return fmt.Errorf("sweep %s: nil func", name)
	}
	c, err := ParseCadence(cadence)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	sw := &sweep{name: name, cadence: c, timeout: timeout, fn: fn}
	sw.stats.Name, sw.stats.Cadence, sw.stats.Timeout = name, c.String(), timeout
	s.sweeps[name] = sw
	if s.runner != nil {
		if err := s.scheduleLocked(sw); err != nil {
			return fmt.Errorf("sweep %s: %w", name, err)
		}
	}
	s.log.Debug("sweep registered", logx.String("sweep", name), logx.String("cadence", c.String()))
	return nil
}

// Unregister reports whether name was registered.
func (s *Service) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(strings.TrimSpace(name))
}

func (s *Service) dropLocked(name string) bool {
	sw, ok := s.sweeps[name]
	if !ok {
		return false
	}
	if s.runner != nil && sw.entry != 0 {
		s.runner.Remove(sw.entry)
	}
	delete(s.sweeps, name)
	return true
}

// Apply swaps the config. A timezone change reschedules every sweep.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.runner == nil || !tzChanged {
		return
	}
	<-s.runner.Stop().Done()
	s.startRunnerLocked()
	s.log.Info("sweeps rescheduled", logx.String("tz", s.loc.String()))
}

// Start is a no-op when disabled or already running. Sweeps get a context
// derived from ctx that Stop cancels.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startRunnerLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("sweeps", len(s.sweeps)))
}

func (s *Service) startRunnerLocked() {
	s.loc = time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("unknown timezone, using local time", logx.String("tz", tz), logx.Err(err))
		} else {
			s.loc = loc
		}
	}
	s.runner = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, sw := range s.sweeps {
		if err := s.scheduleLocked(sw); err != nil {
			s.log.Error("sweep not scheduled", logx.String("sweep", sw.name), logx.Err(err))
		}
	}
	s.runner.Start()
}

func (s *Service) scheduleLocked(sw *sweep) error {
	sched, offset, err := sw.cadence.schedule(sw.name, time.Now().In(s.loc))
	if err != nil {
		return err
	}
	ctx := s.ctx
	sw.offset = offset
	sw.entry = s.runner.Schedule(sched, cron.FuncJob(func() { _ = s.run(ctx, sw) }))
	return nil
}

// Stop cancels running sweeps and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	runner, cancel := s.runner, s.cancel
	s.runner, s.cancel = nil, nil
	for _, sw := range s.sweeps {
		sw.entry = 0
	}
	s.mu.Unlock()
	if runner == nil {
		return
	}
	cancel()
	select {
	case <-runner.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop gave up waiting for sweeps", logx.Err(ctx.Err()))
	}
}

// Fire runs the sweep called name now, on the caller's goroutine.
func (s *Service) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	sw := s.sweeps[strings.TrimSpace(name)]
	s.mu.Unlock()
	if sw == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	return s.run(ctx, sw)
}

func (s *Service) run(ctx context.Context, sw *sweep) error {
	sw.mu.Lock()
	if sw.running {
		sw.stats.Skipped++
		sw.mu.Unlock()
		s.log.Debug("sweep still running, tick skipped", logx.String("sweep", sw.name))
		return ErrSkipped
	}
	sw.running = true
	sw.mu.Unlock()

	if sw.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sw.timeout)
		defer cancel()
	}
	start := time.Now()
	err := callSweep(ctx, sw.fn)
	took := time.Since(start)

	sw.mu.Lock()
	sw.running = false
	sw.stats.Runs++
	sw.stats.LastRun, sw.stats.LastTook, sw.stats.LastErr = start, took, ""
	if err != nil {
		sw.stats.Failures++
		sw.stats.LastErr = err.Error()
	}
	failures := sw.stats.Failures
	sw.mu.Unlock()

	if err != nil {
		s.log.Warn("sweep failed", logx.String("sweep", sw.name), logx.Uint64("failures", failures), logx.Err(err))
		return err
	}
	s.log.Trace("sweep done", logx.String("sweep", sw.name), logx.Duration("took", took))
	return nil
}

func callSweep(ctx context.Context, fn SweepFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
