package errtrack

import (
	"errors"
	"sync"
	"testing"
	"time"

	logx "crosspost/pkg/logx"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) beforeSend(e *sentry.Event, h *sentry.EventHint) *sentry.Event {
	e = tagService(e, h)
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	// Drop: nothing leaves the process.
	return nil
}

func newCapturing(t *testing.T) (*Tracker, *captured) {
	t.Helper()
	c := &captured{}
	tr, err := newTracker(sentry.ClientOptions{BeforeSend: c.beforeSend}, logx.Nop())
	require.NoError(t, err)
	return tr, c
}

func TestDisabledWithoutDSN(t *testing.T) {
	t.Parallel()
	tr, err := New(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	// No-ops, no panics.
	tr.Capture(errors.New("x"), nil)
	tr.ReportCrash("dispatch.publish", "job-1", errors.New("boom"), "stack")
	tr.PanicHook("loop", "boom", "")
	assert.True(t, tr.Flush(time.Millisecond))

	var nilTracker *Tracker
	assert.False(t, nilTracker.Enabled())
}

func TestInvalidDSN(t *testing.T) {
	t.Parallel()
	_, err := New(Config{DSN: "not a dsn"}, logx.Nop())
	assert.Error(t, err)
}

func TestReportCrashTagsJob(t *testing.T) {
	t.Parallel()
	tr, c := newCapturing(t)

	tr.ReportCrash("dispatch.publish", "job-1", errors.New("nil map write"), "goroutine 7 [running]")

	require.Len(t, c.events, 1)
	e := c.events[0]
	assert.Equal(t, sentry.LevelFatal, e.Level)
	assert.Equal(t, "dispatch.publish", e.Tags["job_kind"])
	assert.Equal(t, "job-1", e.Tags["job_id"])
	assert.Equal(t, "crosspost", e.Tags["service"])
	require.NotEmpty(t, e.Exception)
	assert.Equal(t, "nil map write", e.Exception[len(e.Exception)-1].Value)
}

func TestCaptureAndPanicHook(t *testing.T) {
	t.Parallel()
	tr, c := newCapturing(t)

	tr.Capture(errors.New("store unavailable"), map[string]string{"component": "trigger"})
	tr.Capture(nil, nil)
	tr.PanicHook("notifier.worker", "index out of range", "")

	require.Len(t, c.events, 2)
	assert.Equal(t, "trigger", c.events[0].Tags["component"])
	assert.Equal(t, sentry.LevelError, c.events[0].Level)
	assert.Equal(t, "notifier.worker", c.events[1].Tags["goroutine"])
}
