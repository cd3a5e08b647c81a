package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"crosspost/internal/metrics"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// crashHookTimeout bounds OnCrash, which runs after the attempt context is gone.
const crashHookTimeout = 30 * time.Second

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan storage.JobRecord) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case rec, ok := <-queue:
			if !ok {
				return
			}
			s.execute(ctx, rec, time.Now())
		}
	}
}

// poll moves due jobs from storage into the worker queue. It only claims as
// many jobs as the queue has room for, so a claimed job never waits for a
// worker longer than one attempt.
func (s *Service) poll(ctx context.Context, stopCh <-chan struct{}, queue chan storage.JobRecord) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := s.pollOnce(ctx, queue); err != nil && ctx.Err() == nil {
			s.log.Warn("job poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case <-s.wake:
		case <-t.C:
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, queue chan storage.JobRecord) error {
	now := time.Now()
	expired, err := s.store.ReclaimExpiredJobs(ctx, now, s.lease())
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	for _, rec := range expired {
		s.crashLost(ctx, rec, now)
	}

	free := cap(queue) - len(queue)
	if free <= 0 {
		return nil
	}
	claimed, err := s.store.ClaimJobs(ctx, now, free, s.lease())
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	for _, rec := range claimed {
		select {
		case queue <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func toJob(rec storage.JobRecord) Job {
	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Job{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Key:         rec.Key,
		Group:       rec.Group,
		Payload:     rec.Payload,
		Attempt:     rec.Attempts + 1,
		MaxAttempts: maxAttempts,
		Crashes:     rec.Crashes,
		Deferrals:   rec.Deferrals,
		EnqueuedAt:  rec.CreatedAt,
	}
}

// execute runs one attempt of a claimed job and persists the outcome.
func (s *Service) execute(ctx context.Context, rec storage.JobRecord, now time.Time) {
	start := time.Now()
	job := toJob(rec)
	log := s.log.With(logx.String("kind", job.Kind), logx.String("job", job.ID), logx.Int("attempt", job.Attempt))

	h, ok := s.handler(rec.Kind)
	if !ok {
		log.Error("job discarded: no handler")
		s.finish(ctx, rec, storage.JobDiscarded, rec.Attempts, ErrUnknownKind.Error(), start, OutcomeDiscarded)
		return
	}

	// Cancellation is checked before every attempt.
	cancelled, err := s.store.GroupCancelled(ctx, rec.Group)
	if err != nil {
		log.Warn("cancellation check failed, retrying later", logx.Err(err))
		rec.RunAt = now.Add(s.cfg.PollInterval)
		s.reschedule(ctx, rec, err.Error(), start, OutcomeDeferred)
		return
	}
	if cancelled {
		log.Info("job cancelled", logx.String("group", rec.Group))
		s.finish(ctx, rec, storage.JobDiscarded, rec.Attempts, ErrCancelled.Error(), start, OutcomeCancelled)
		return
	}

	log.Debug("job.started")
	s.publish("job.started", JobEvent{ID: job.ID, Kind: job.Kind, Key: job.Key, Attempt: job.Attempt, Started: start})

	atomic.AddInt32(&s.inFlight, 1)
	runErr := s.runAttempt(ctx, h, job)
	atomic.AddInt32(&s.inFlight, -1)

	var crash crashError
	switch {
	case errors.Is(runErr, errShutdown):
		// Interrupted by shutdown: hand the job back untouched.
		rec.RunAt = now
		if err := s.store.RescheduleJob(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("job release on shutdown failed", logx.Err(err))
		}

	case runErr == nil:
		s.finish(ctx, rec, storage.JobDone, job.Attempt, "", start, OutcomeSucceeded)

	case errors.As(runErr, &crash):
		rec.Attempts = job.Attempt
		rec.Crashes++
		s.onCrash(ctx, h, rec, crash.cause, crash.stack, now, start)

	default:
		if d, ok := AsDefer(runErr); ok {
			// Backpressure: attempts untouched.
			rec.Deferrals++
			rec.RunAt = now.Add(d.After)
			log.Debug("job deferred", logx.Duration("after", d.After), logx.String("reason", d.Reason))
			s.reschedule(ctx, rec, rec.LastError, start, OutcomeDeferred)
			return
		}
		if IsFatal(runErr) {
			log.Warn("job discarded", logx.Err(runErr))
			s.finish(ctx, rec, storage.JobDiscarded, job.Attempt, runErr.Error(), start, OutcomeDiscarded)
			return
		}
		rec.Attempts = job.Attempt
		if job.IsLastAttempt() {
			log.Warn("job exhausted", logx.Err(runErr), logx.Int("max_attempts", job.MaxAttempts))
			s.finish(ctx, rec, storage.JobDiscarded, job.Attempt, runErr.Error(), start, OutcomeExhausted)
			return
		}
		delay := retryDelay(h.Policy, job.Attempt, runErr)
		rec.RunAt = now.Add(delay)
		log.Info("job retry scheduled", logx.Duration("delay", delay), logx.Err(runErr))
		s.reschedule(ctx, rec, runErr.Error(), start, OutcomeRetrying)
	}
}

// runAttempt enforces the wall-clock budget by running the handler on its own
// goroutine. On timeout the attempt context is cancelled and the goroutine is
// abandoned; whatever it still writes goes through the stores' conditional
// updates.
func (s *Service) runAttempt(ctx context.Context, h Handler, job Job) error {
	timeout := h.Policy.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- crashError{cause: fmt.Errorf("panic: %v", r), stack: string(debug.Stack())}
			}
		}()
		done <- h.Run(runCtx, job)
	}()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case err := <-done:
		return err
	case <-tmr.C:
		return crashError{cause: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	case <-ctx.Done():
		return errShutdown
	}
}

// crashLost handles a job whose lease expired while running.
func (s *Service) crashLost(ctx context.Context, rec storage.JobRecord, now time.Time) {
	h, ok := s.handler(rec.Kind)
	if !ok {
		s.finish(ctx, rec, storage.JobDiscarded, rec.Attempts, ErrUnknownKind.Error(), now, OutcomeDiscarded)
		return
	}
	rec.Attempts++
	rec.Crashes++
	s.onCrash(ctx, h, rec, ErrLeaseExpired, "", now, now)
}

// onCrash counts the crash against both budgets, lets the handler observe it
// and either reschedules or ends the job.
func (s *Service) onCrash(ctx context.Context, h Handler, rec storage.JobRecord, cause error, stack string, now, start time.Time) {
	job := toJob(rec)
	job.Attempt = rec.Attempts
	maxAttempts := job.MaxAttempts
	final := rec.Attempts >= maxAttempts || (h.Policy.MaxCrashes > 0 && rec.Crashes >= h.Policy.MaxCrashes)

	atomic.AddUint64(&s.crashed, 1)
	s.log.Error("job crashed",
		logx.String("kind", rec.Kind), logx.String("job", rec.ID), logx.Int("attempt", rec.Attempts),
		logx.Int("crashes", rec.Crashes), logx.Bool("final", final), logx.Err(cause), logx.Stack(stack))
	s.publish("job.crashed", JobEvent{ID: rec.ID, Kind: rec.Kind, Key: rec.Key, Attempt: rec.Attempts, Started: start, Error: cause.Error()})
	metrics.JobOutcome(rec.Kind, string(OutcomeCrashed))

	s.mu.Lock()
	rep := s.reporter
	base := s.baseCtx
	s.mu.Unlock()
	if rep != nil {
		rep.ReportCrash(rec.Kind, rec.ID, cause, stack)
	}

	if h.OnCrash != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(base), crashHookTimeout)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("crash hook panicked", logx.String("kind", rec.Kind), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			h.OnCrash(hctx, job, cause, final)
		}()
		cancel()
	}

	if final {
		s.finish(ctx, rec, storage.JobDiscarded, rec.Attempts, cause.Error(), start, OutcomeExhausted)
		return
	}
	rec.RunAt = now.Add(retryDelay(h.Policy, rec.Attempts, nil))
	s.reschedule(ctx, rec, cause.Error(), start, OutcomeRetrying)
}

func (s *Service) reschedule(ctx context.Context, rec storage.JobRecord, lastErr string, start time.Time, outcome Outcome) {
	rec.LastError = lastErr
	if err := s.store.RescheduleJob(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error("job reschedule failed", logx.String("kind", rec.Kind), logx.String("job", rec.ID), logx.Err(err))
		return
	}
	switch outcome {
	case OutcomeDeferred:
		atomic.AddUint64(&s.deferred, 1)
	default:
		atomic.AddUint64(&s.retried, 1)
	}
	dur := time.Since(start)
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Key: rec.Key, Attempt: rec.Attempts, Started: start, Duration: dur, Outcome: outcome, RunAt: rec.RunAt}
	if outcome != OutcomeDeferred {
		ev.Error = lastErr
	}
	s.publish("job."+string(outcome), ev)
	metrics.JobOutcome(rec.Kind, string(outcome))
	s.record(HistoryItem{ID: rec.ID, Kind: rec.Kind, Attempt: rec.Attempts, Started: start, Duration: dur, Outcome: outcome, Error: ev.Error})
}

func (s *Service) finish(ctx context.Context, rec storage.JobRecord, state storage.JobState, attempts int, lastErr string, start time.Time, outcome Outcome) {
	rec.State = state
	rec.Attempts = attempts
	rec.LastError = lastErr
	if err := s.store.FinishJob(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error("job finish failed", logx.String("kind", rec.Kind), logx.String("job", rec.ID), logx.Err(err))
		return
	}
	if outcome == OutcomeSucceeded {
		atomic.AddUint64(&s.succeeded, 1)
	} else {
		atomic.AddUint64(&s.discarded, 1)
	}
	dur := time.Since(start)
	if outcome == OutcomeSucceeded && dur < 750*time.Millisecond {
		s.log.Debug("job.completed", logx.String("kind", rec.Kind), logx.String("job", rec.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		s.log.Info("job.completed", logx.String("kind", rec.Kind), logx.String("job", rec.ID), logx.String("outcome", string(outcome)), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}
	s.publish("job."+string(outcome), JobEvent{ID: rec.ID, Kind: rec.Kind, Key: rec.Key, Attempt: attempts, Started: start, Duration: dur, Outcome: outcome, Error: lastErr})
	metrics.JobOutcome(rec.Kind, string(outcome))
	metrics.JobDuration(rec.Kind, dur)
	s.record(HistoryItem{ID: rec.ID, Kind: rec.Kind, Attempt: attempts, Started: start, Duration: dur, Outcome: outcome, Error: lastErr})
}

// retryDelay picks the delay after the given 1-based attempt: an explicit
// RetryAfter hint wins, then the policy schedule, then exponential backoff.
func retryDelay(p Policy, attempt int, err error) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	switch {
	case err != nil && errors.As(err, &ra):
		d = ra.RetryAfter()
	case len(p.Backoff) > 0:
		i := attempt - 1
		if i < 0 {
			i = 0
		}
		if i >= len(p.Backoff) {
			i = len(p.Backoff) - 1
		}
		d = p.Backoff[i]
	default:
		d = p.RetryBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > p.RetryMaxDelay {
				d = p.RetryMaxDelay
				break
			}
		}
	}
	if p.RetryMaxDelay > 0 && d > p.RetryMaxDelay && len(p.Backoff) == 0 {
		d = p.RetryMaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	return d
}
