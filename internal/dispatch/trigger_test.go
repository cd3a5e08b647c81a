package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/platform"
	"crosspost/internal/publication"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, any, ...engine.EnqueueOption) (storage.JobRecord, bool, error) {
	return storage.JobRecord{}, false, errors.New("queue unavailable")
}

func newTrigger(e *env, enq Enqueuer, now time.Time) *Trigger {
	tr := NewTrigger(TriggerConfig{}, e.st, publication.New(e.st, nil, logx.Nop()), enq, logx.Nop())
	tr.now = func() time.Time { return now }
	return tr
}

func (e *env) schedule(t *testing.T, id, pubID, account, batch string, due time.Time) {
	t.Helper()
	require.NoError(t, e.st.SaveScheduleEntry(context.Background(), domain.ScheduleEntry{
		ID: id, PublicationID: pubID, AccountID: account, BatchID: batch, DueAt: due,
	}))
}

func (e *env) scheduleStatus(t *testing.T, pubID string) map[string]domain.ScheduleStatus {
	t.Helper()
	rows, err := e.st.ListScheduleEntries(context.Background(), pubID)
	require.NoError(t, err)
	out := map[string]domain.ScheduleStatus{}
	for _, r := range rows {
		out[r.ID] = r.Status
	}
	return out
}

func TestSweepHandsDueRowsToOrchestrator(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	now := time.Now()
	e.schedule(t, "s1", "pub", "a", "b1", now.Add(-time.Minute))
	e.schedule(t, "s2", "pub", "b", "b1", now.Add(-time.Second))
	e.schedule(t, "s3", "pub", "b", "b2", now.Add(time.Hour))

	require.NoError(t, newTrigger(e, e.eng, now).Sweep(context.Background()))

	assert.Equal(t, map[string]domain.ScheduleStatus{
		"s1": domain.SchedulePosted,
		"s2": domain.SchedulePosted,
		"s3": domain.SchedulePending,
	}, e.scheduleStatus(t, "pub"))
	assert.Equal(t, domain.StatusPublishing, e.status(t))

	e.step(t)
	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Equal(t, 1, e.pub.callsFor("a"))
	assert.Equal(t, 1, e.pub.callsFor("b"))
	require.Len(t, e.sink.all(), 1)
}

func TestSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	now := time.Now()
	e.schedule(t, "s1", "pub", "a", "", now.Add(-time.Minute))

	tr := newTrigger(e, e.eng, now)
	require.NoError(t, tr.Sweep(context.Background()))
	require.NoError(t, tr.Sweep(context.Background()))

	e.step(t)
	assert.Equal(t, 1, e.pub.callsFor("a"))
}

func TestSweepFailsRowsOfMissingPublication(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	now := time.Now()
	e.schedule(t, "s1", "ghost", "a", "", now.Add(-time.Minute))

	require.NoError(t, newTrigger(e, e.eng, now).Sweep(context.Background()))
	assert.Equal(t, domain.ScheduleFailed, e.scheduleStatus(t, "ghost")["s1"])
}

func TestSweepWithoutActiveAccountFailsPublication(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.account(t, "a")
	a.Active = false
	_, err := e.st.CompareAndSwapAccount(ctx, a)
	require.NoError(t, err)

	now := time.Now()
	e.schedule(t, "s1", "pub", "a", "", now.Add(-time.Minute))
	require.NoError(t, newTrigger(e, e.eng, now).Sweep(ctx))

	assert.Equal(t, domain.ScheduleFailed, e.scheduleStatus(t, "pub")["s1"])
	assert.Equal(t, domain.StatusFailed, e.status(t))
}

func TestSweepReleasesRowsWhenEnqueueFails(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	now := time.Now()
	e.schedule(t, "s1", "pub", "a", "", now.Add(-time.Minute))

	err := newTrigger(e, failingEnqueuer{}, now).Sweep(context.Background())
	require.ErrorContains(t, err, "queue unavailable")
	assert.Equal(t, domain.SchedulePending, e.scheduleStatus(t, "pub")["s1"])
	assert.Equal(t, domain.StatusApproved, e.status(t), "status reverted for the next sweep")
}

func TestSweepStartsNewLineageAfterIdenticalOneEnded(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.pub.on("a",
		outcome{res: platform.Result{Error: "format not supported"}},
		outcome{res: platform.Result{Success: true, ExternalPostID: "ext-a"}},
	)
	now := time.Now()
	tr := newTrigger(e, e.eng, now)

	e.schedule(t, "s1", "pub", "a", "", now.Add(-time.Minute))
	require.NoError(t, tr.Sweep(ctx))
	e.step(t)
	require.Equal(t, domain.StatusFailed, e.status(t))

	// Rescheduled within the dedup window of the ended lineage.
	_, err := e.st.TransitionPublication(ctx, "pub", []domain.PublicationStatus{domain.StatusFailed}, domain.StatusScheduled)
	require.NoError(t, err)
	e.schedule(t, "s2", "pub", "a", "", now.Add(-time.Second))
	require.NoError(t, tr.Sweep(ctx))
	assert.Equal(t, domain.StatusPublishing, e.status(t))

	e.step(t)
	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Equal(t, 2, e.pub.callsFor("a"))
	assert.Equal(t, map[string]domain.ScheduleStatus{
		"s1": domain.SchedulePosted,
		"s2": domain.SchedulePosted,
	}, e.scheduleStatus(t, "pub"))

	open, err := e.st.OpenLineages(ctx, "pub")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSweepSkipsTerminalPublication(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.TransitionPublication(ctx, "pub", []domain.PublicationStatus{domain.StatusApproved}, domain.StatusPublished)
	require.NoError(t, err)

	now := time.Now()
	e.schedule(t, "s1", "pub", "a", "", now.Add(-time.Minute))
	require.NoError(t, newTrigger(e, e.eng, now).Sweep(ctx))

	assert.Equal(t, domain.ScheduleFailed, e.scheduleStatus(t, "pub")["s1"])
	assert.Equal(t, domain.StatusPublished, e.status(t))
}

func TestTriggerApplyReportsCadenceChange(t *testing.T) {
	t.Parallel()
	tr := NewTrigger(TriggerConfig{}, nil, nil, failingEnqueuer{}, logx.Nop())
	assert.Equal(t, "@every 30s", tr.Schedule())

	assert.False(t, tr.Apply(TriggerConfig{BatchSize: 10}), "blank cadence keeps the default")
	assert.Equal(t, 10, tr.config().BatchSize)
	assert.True(t, tr.Apply(TriggerConfig{Every: "@every 1m"}))
	assert.Equal(t, "@every 1m", tr.Schedule())
	assert.Equal(t, 200, tr.config().BatchSize)
}
