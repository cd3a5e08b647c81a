package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/internal/eventbus"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    storage.JobStore
	reporter CrashReporter

	handlers map[string]Handler

	q    chan storage.JobRecord
	wake chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	baseCtx  context.Context

	inFlight int32

	hmu     sync.Mutex
	history []HistoryItem

	succeeded uint64
	retried   uint64
	deferred  uint64
	discarded uint64
	crashed   uint64
}

func New(cfg Config, store storage.JobStore, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		handlers: map[string]Handler{},
		wake:     make(chan struct{}, 1),
		baseCtx:  context.Background(),
	}
}

// SetCrashReporter installs the external crash sink (may be nil).
func (s *Service) SetCrashReporter(r CrashReporter) {
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

// Register binds a handler to a job kind. Middlewares wrap Run outermost-first.
func (s *Service) Register(kind string, h Handler, mws ...Middleware) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h.Run == nil {
		panic("engine: Register requires a kind and a Run func")
	}
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h.Run = mws[i](h.Run)
		}
	}
	s.mu.Lock()
	h.Policy = h.Policy.withDefaults(s.cfg)
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Policy returns the effective policy of a kind.
func (s *Service) Policy(kind string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[kind]
	return h.Policy, ok
}

// Enqueue persists a new job of the given kind. When the key matches an
// active or recently finished job, that job is returned with created=false.
func (s *Service) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (storage.JobRecord, bool, error) {
	pol, ok := s.Policy(kind)
	if !ok {
		return storage.JobRecord{}, false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	var raw []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return storage.JobRecord{}, false, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	rec := storage.JobRecord{Kind: kind, Payload: raw, MaxAttempts: pol.MaxAttempts}
	for _, o := range opts {
		if o != nil {
			o(&rec)
		}
	}
	rec, created, err := s.store.EnqueueJob(ctx, rec, pol.DedupWindow)
	if err != nil {
		return storage.JobRecord{}, false, err
	}
	if created {
		s.log.Debug("job enqueued", logx.String("kind", kind), logx.String("id", rec.ID), logx.String("key", rec.Key), logx.Time("run_at", rec.RunAt))
		s.publish("job.queued", JobEvent{ID: rec.ID, Kind: kind, Key: rec.Key, RunAt: rec.RunAt})
		s.Wake()
	} else {
		s.log.Debug("job deduplicated", logx.String("kind", kind), logx.String("id", rec.ID), logx.String("key", rec.Key), logx.String("state", string(rec.State)))
	}
	return rec, created, nil
}

// Wake nudges the poller so freshly due jobs don't wait for PollInterval.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelGroup flags a batch as cancelled. Jobs of the group are discarded at
// the start of their next attempt.
func (s *Service) CancelGroup(ctx context.Context, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return errors.New("group is required")
	}
	if err := s.store.CancelGroup(ctx, group); err != nil {
		return err
	}
	s.log.Info("job group cancelled", logx.String("group", group))
	s.Wake()
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.JobRecord, error) {
	return s.store.GetJob(ctx, id)
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan storage.JobRecord, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.baseCtx = ctx
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "jobengine"))),
		// engine failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("poller", func(c context.Context) error {
		return s.poll(c, stopCh, queue)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("job engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)), logx.Duration("poll", cfg.PollInterval))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job engine stopped")
	case <-ctx.Done():
		s.log.Warn("job engine stop timed out", logx.Err(ctx.Err()))
	}
}

// RunDue claims every job due at `now` and runs it on the calling goroutine.
// It returns the number of attempts processed. The background workers use
// the same path; tests use RunDue to step through retries deterministically.
func (s *Service) RunDue(ctx context.Context, now time.Time) (int, error) {
	n := 0
	expired, err := s.store.ReclaimExpiredJobs(ctx, now, s.lease())
	if err != nil {
		return n, err
	}
	for _, rec := range expired {
		s.crashLost(ctx, rec, now)
		n++
	}
	for {
		claimed, err := s.store.ClaimJobs(ctx, now, s.cfg.QueueSize, s.lease())
		if err != nil {
			return n, err
		}
		if len(claimed) == 0 {
			return n, nil
		}
		for _, rec := range claimed {
			s.execute(ctx, rec, now)
			n++
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil
	kinds := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	s.mu.Unlock()
	sort.Strings(kinds)

	snap := Snapshot{
		Running:   running,
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Kinds:     kinds,
		Succeeded: atomic.LoadUint64(&s.succeeded),
		Retried:   atomic.LoadUint64(&s.retried),
		Deferred:  atomic.LoadUint64(&s.deferred),
		Discarded: atomic.LoadUint64(&s.discarded),
		Crashed:   atomic.LoadUint64(&s.crashed),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// lease covers the longest attempt budget of any registered kind.
func (s *Service) lease() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	longest := s.cfg.DefaultTimeout
	for _, h := range s.handlers {
		if h.Policy.Timeout > longest {
			longest = h.Policy.Timeout
		}
	}
	return longest + s.cfg.LeaseGrace
}

func (s *Service) handler(kind string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[kind]
	return h, ok
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
