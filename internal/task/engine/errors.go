package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("job engine stopped")
	ErrUnknownKind = errors.New("no handler registered for job kind")
	ErrCancelled   = errors.New("job group cancelled")
	// ErrTimeout is the crash cause recorded when an attempt exceeds its budget.
	ErrTimeout = errors.New("attempt timed out")
	// ErrLeaseExpired is the crash cause for jobs whose worker vanished.
	ErrLeaseExpired = errors.New("job lease expired")
)

// Fatal marks an error as permanent: the job is discarded without retry.
//
// Example:
//
//	return engine.Fatal(fmt.Errorf("publication %s: %w", id, storage.ErrNotFound))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// The engine uses the hint instead of the policy backoff and still applies
// jitter. The attempt is consumed like any other retryable failure.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Defer re-queues the same job after the given delay without consuming an
// attempt. It is backpressure, not failure: deferrals are counted separately
// and never reported as errors.
func Defer(after time.Duration, reason string) error {
	if after <= 0 {
		after = time.Second
	}
	return &DeferError{After: after, Reason: reason}
}

type DeferError struct {
	After  time.Duration
	Reason string
}

func (e *DeferError) Error() string { return fmt.Sprintf("deferred(%s): %s", e.After, e.Reason) }

// AsDefer extracts a deferral from err.
func AsDefer(err error) (*DeferError, bool) {
	var d *DeferError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

var errShutdown = errors.New("engine shutting down")

// crashError carries a panic or timeout out of an attempt.
type crashError struct {
	cause error
	stack string
}

func (e crashError) Error() string { return "crash: " + e.cause.Error() }
func (e crashError) Unwrap() error { return e.cause }
