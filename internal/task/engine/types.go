package engine

import (
	"context"
	"encoding/json"
	"time"

	"crosspost/internal/storage"
)

// Config controls the job engine.
//
// Jobs live in storage; the in-memory queue only hands claimed jobs to
// workers. A restart loses nothing but the current lease, which is reclaimed
// as a crash once it expires.
type Config struct {
	Workers   int
	QueueSize int

	// PollInterval bounds how long a due job waits when no enqueue wakes the poller.
	PollInterval time.Duration
	// LeaseGrace is added to the longest policy timeout to form the claim lease.
	LeaseGrace time.Duration

	// DefaultTimeout is used when Policy.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int
}

// Policy is the retry contract of one job kind.
type Policy struct {
	// MaxAttempts counts the first run. 0 means 1.
	MaxAttempts int
	// Backoff holds the delay after attempt i (0-based); the last value repeats.
	// Empty falls back to exponential RetryBase doubling up to RetryMaxDelay.
	Backoff       []time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Jitter        float64 // 0.2 = 20%

	// Timeout is the wall-clock budget of one attempt. An attempt that
	// exceeds it is abandoned and handled as a crash.
	Timeout time.Duration

	// MaxCrashes forces the terminal path once this many crashes were seen.
	// 0 disables the crash budget (attempts still apply).
	MaxCrashes int

	// DedupWindow keeps a finished job's key reserved for this long.
	DedupWindow time.Duration
}

func (p Policy) withDefaults(cfg Config) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.RetryBase <= 0 {
		p.RetryBase = 30 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 30 * time.Minute
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = cfg.DefaultTimeout
	}
	if p.MaxCrashes < 0 {
		p.MaxCrashes = 0
	}
	return p
}

// Job is the handler's view of one attempt of a durable job.
type Job struct {
	ID    string
	Kind  string
	Key   string
	Group string

	Payload []byte

	// Attempt is 1-based and includes the current run.
	Attempt     int
	MaxAttempts int
	Crashes     int
	Deferrals   int

	EnqueuedAt time.Time
}

// IsLastAttempt reports whether a retryable failure now would exhaust the job.
func (j Job) IsLastAttempt() bool { return j.Attempt >= j.MaxAttempts }

func (j Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// HandlerFunc runs one attempt.
//
// Return nil on success, Fatal(err) to discard, Defer(d, reason) for
// backpressure, and any other error to retry per policy.
type HandlerFunc func(ctx context.Context, job Job) error

// CrashFunc observes a crash (panic, timeout or lost lease). final is true
// when no further attempt will be made.
type CrashFunc func(ctx context.Context, job Job, cause error, final bool)

type Handler struct {
	Run     HandlerFunc
	OnCrash CrashFunc
	Policy  Policy
}

// Middleware wraps a handler, e.g. the dispatch backpressure gate.
type Middleware func(HandlerFunc) HandlerFunc

// CrashReporter receives crashes for external error tracking.
type CrashReporter interface {
	ReportCrash(kind, jobID string, cause error, stack string)
}

type EnqueueOption func(*storage.JobRecord)

// WithKey sets the lineage key. Enqueue returns the existing job when one
// with the same kind and key is active or finished within the dedup window.
func WithKey(key string) EnqueueOption { return func(r *storage.JobRecord) { r.Key = key } }

// WithGroup sets the cancellation group (batch id).
func WithGroup(group string) EnqueueOption { return func(r *storage.JobRecord) { r.Group = group } }

func WithDelay(d time.Duration) EnqueueOption {
	return func(r *storage.JobRecord) {
		if d > 0 {
			r.RunAt = time.Now().Add(d)
		}
	}
}

func WithRunAt(t time.Time) EnqueueOption { return func(r *storage.JobRecord) { r.RunAt = t } }

// Outcome of one processed attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCrashed   Outcome = "crashed"
	OutcomeCancelled Outcome = "cancelled"
)

type HistoryItem struct {
	ID       string
	Kind     string
	Attempt  int
	Started  time.Time
	Duration time.Duration
	Outcome  Outcome
	Error    string
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Key      string        `json:"key,omitempty"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
	RunAt    time.Time     `json:"run_at,omitzero"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Kinds []string

	Succeeded uint64
	Retried   uint64
	Deferred  uint64
	Discarded uint64
	Crashed   uint64

	History []HistoryItem
}
