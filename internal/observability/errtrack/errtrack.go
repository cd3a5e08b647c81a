// Package errtrack reports crashes and unexpected errors to Sentry.
//
// A Tracker without a DSN is disabled; every method is then a no-op, so
// callers never branch on whether error tracking is configured.
package errtrack

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "crosspost/pkg/logx"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
	// SampleRate in (0, 1]; 0 means 1.
	SampleRate float64
	Debug      bool
}

type Tracker struct {
	hub *sentry.Hub
	log logx.Logger
}

// New builds a tracker on its own hub. The global sentry hub is left alone.
func New(cfg Config, log logx.Logger) (*Tracker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		log.Info("error tracking disabled (no dsn)")
		return &Tracker{log: log}, nil
	}
	t, err := newTracker(sentry.ClientOptions{
		Dsn:              strings.TrimSpace(cfg.DSN),
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
		BeforeSend:       tagService,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info("error tracking enabled", logx.String("environment", cfg.Environment))
	return t, nil
}

func newTracker(opts sentry.ClientOptions, log logx.Logger) (*Tracker, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	return &Tracker{hub: sentry.NewHub(client, sentry.NewScope()), log: log}, nil
}

func tagService(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Tags == nil {
		event.Tags = make(map[string]string)
	}
	event.Tags["service"] = "crosspost"
	return event
}

func (t *Tracker) Enabled() bool { return t != nil && t.hub != nil }

// Capture sends err with the given tags.
func (t *Tracker) Capture(err error, tags map[string]string) {
	if !t.Enabled() || err == nil {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		t.hub.CaptureException(err)
	})
}

// ReportCrash receives job crashes from the engine.
func (t *Tracker) ReportCrash(kind, jobID string, cause error, stack string) {
	if !t.Enabled() {
		return
	}
	if cause == nil {
		cause = errors.New("crash without cause")
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("job_kind", kind)
		scope.SetTag("job_id", jobID)
		if stack != "" {
			scope.SetContext("crash", sentry.Context{"stack": stack})
		}
		t.hub.CaptureException(cause)
	})
}

// PanicHook matches the supervisor's panic hook.
func (t *Tracker) PanicHook(name string, recovered any, stack string) {
	if !t.Enabled() {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("goroutine", name)
		if stack != "" {
			scope.SetContext("crash", sentry.Context{"stack": stack})
		}
		t.hub.CaptureException(fmt.Errorf("panic in %s: %v", name, recovered))
	})
}

// Flush waits up to timeout for queued events.
func (t *Tracker) Flush(timeout time.Duration) bool {
	if !t.Enabled() {
		return true
	}
	ok := t.hub.Flush(timeout)
	if !ok {
		t.log.Warn("error tracking flush timed out", logx.Duration("timeout", timeout))
	}
	return ok
}
