package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCadence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		expr  string
		every time.Duration
	}{
		{raw: "*/5 * * * *", expr: "*/5 * * * *"},
		{raw: "0 */2 * * * *", expr: "0 */2 * * * *"},
		{raw: "@hourly", expr: "@hourly"},
		{raw: " @every 30s ", expr: "@every 30s", every: 30 * time.Second},
		{raw: "90s", expr: "@every 1m30s", every: 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCadence(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, got.Expr)
			assert.Equal(t, tt.every, got.Every)
		})
	}
}

func TestParseCadenceInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "@every", "@every -5m", "0s", "61 * * * *", "@fortnightly"} {
		_, err := ParseCadence(raw)
		assert.Error(t, err, raw)
	}
}

func TestIntervalOffsetDelaysOnlyFirstTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c, err := ParseCadence("@every 1m")
	require.NoError(t, err)

	sched, offset, err := c.schedule("dispatch.trigger", now)
	require.NoError(t, err)
	require.GreaterOrEqual(t, offset, time.Duration(0))
	require.Less(t, offset, maxFirstTickOffset)
	assert.Equal(t, offset, firstTickOffset("dispatch.trigger", time.Minute), "offset is stable per name")

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+offset), first)
	assert.Equal(t, first.Add(time.Minute), sched.Next(first))
}

func TestFireSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("slow", "@every 1h", time.Minute, func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	errc := make(chan error, 1)
	go func() { errc <- s.Fire(context.Background(), "slow") }()
	<-started

	assert.ErrorIs(t, s.Fire(context.Background(), "slow"), ErrSkipped)
	assert.True(t, s.Status().Sweeps[0].Running)
	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), runs.Load())

	st := s.Status()
	require.Len(t, st.Sweeps, 1)
	assert.Equal(t, uint64(1), st.Sweeps[0].Runs)
	assert.Equal(t, uint64(1), st.Sweeps[0].Skipped)
	assert.False(t, st.Sweeps[0].Running)
}

func TestFireRecordsFailureAndPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.Register("bad", "1m", 0, func(context.Context) error { return errors.New("db locked") }))
	require.NoError(t, s.Register("boom", "1m", 0, func(context.Context) error { panic("nil map") }))

	assert.ErrorContains(t, s.Fire(context.Background(), "bad"), "db locked")
	assert.ErrorContains(t, s.Fire(context.Background(), "boom"), "sweep panic: nil map")
	assert.ErrorIs(t, s.Fire(context.Background(), "missing"), ErrUnknownSweep)

	st := s.Status()
	require.Len(t, st.Sweeps, 2)
	assert.Equal(t, "bad", st.Sweeps[0].Name)
	for _, sw := range st.Sweeps {
		assert.Equal(t, uint64(1), sw.Failures, sw.Name)
		assert.NotEmpty(t, sw.LastErr)
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register("sweep", "@every 30s", 0, noop))
	require.NoError(t, s.Register("sweep", "*/5 * * * *", 0, noop))

	st := s.Status()
	require.Len(t, st.Sweeps, 1)
	assert.Equal(t, "*/5 * * * *", st.Sweeps[0].Cadence)

	assert.Error(t, s.Register("broken", "61 * * * *", 0, noop))
	assert.Error(t, s.Register(" ", "1m", 0, noop))
	assert.Error(t, s.Register("nil", "1m", 0, nil))
	assert.True(t, s.Unregister("sweep"))
	assert.False(t, s.Unregister("sweep"))
}

func TestStartFiresCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	fired := make(chan struct{}, 4)
	require.NoError(t, s.Register("tick", "* * * * * *", 0, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop(context.Background())
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "UTC", st.Timezone)
	assert.False(t, st.Sweeps[0].Next.IsZero())

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("cron sweep did not fire")
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Status().Running)
	s.Stop(context.Background())

	s.Apply(Config{Enabled: true})
	assert.True(t, s.Enabled())
}
