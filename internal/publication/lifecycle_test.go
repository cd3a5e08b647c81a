package publication

import (
	"context"
	"sync"
	"testing"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	user, publication string
	status            domain.PublicationStatus
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) PublicationStatusChanged(_ context.Context, userID, publicationID string, status domain.PublicationStatus) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{userID, publicationID, status})
	r.mu.Unlock()
}

func seed(t *testing.T, st storage.Store, status domain.PublicationStatus) domain.Publication {
	t.Helper()
	pub := domain.Publication{ID: "pub-1", OwnerID: "owner", Title: "T", Status: status}
	require.NoError(t, st.SavePublication(context.Background(), pub))
	return pub
}

func TestTransitionEmitsOnlyOnChange(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ev := &eventRecorder{}
	lc := New(st, ev, logx.Nop())
	ctx := context.Background()
	pub := seed(t, st, domain.StatusApproved)

	changed, err := lc.Transition(ctx, pub, []domain.PublicationStatus{domain.StatusApproved}, domain.StatusPublishing)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = lc.Transition(ctx, pub, []domain.PublicationStatus{domain.StatusApproved}, domain.StatusPublishing)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, []recordedEvent{{"owner", "pub-1", domain.StatusPublishing}}, ev.events)
}

func TestOutcome(t *testing.T) {
	t.Parallel()
	e := func(s domain.EntryStatus) domain.PublishLogEntry { return domain.PublishLogEntry{Status: s} }

	tests := []struct {
		name    string
		entries []domain.PublishLogEntry
		want    domain.PublicationStatus
	}{
		{"none", nil, domain.StatusFailed},
		{"all published", []domain.PublishLogEntry{e(domain.EntryPublished), e(domain.EntryPublished)}, domain.StatusPublished},
		{"mixed", []domain.PublishLogEntry{e(domain.EntryPublished), e(domain.EntryRemovedOnPlatform)}, domain.StatusPublishedWithErrors},
		{"all failed", []domain.PublishLogEntry{e(domain.EntryFailed), e(domain.EntryRemovedOnPlatform)}, domain.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Outcome(tt.entries); got != tt.want {
				t.Fatalf("Outcome()=%s want %s", got, tt.want)
			}
		})
	}
}

func TestFinalizeWaitsForVerifications(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	lc := New(st, nil, logx.Nop())
	ctx := context.Background()
	pub := seed(t, st, domain.StatusPublishing)

	entry, err := st.RecordLogEntry(ctx, domain.PublishLogEntry{PublicationID: pub.ID, AccountID: "a", Status: domain.EntryPending, ExternalPostID: "x1"})
	require.NoError(t, err)
	rec, err := st.CreateVerification(ctx, domain.VerificationRecord{LogEntryID: entry.ID, PublicationID: pub.ID, AccountID: "a", ExternalPostID: "x1", State: domain.VerifyAwaiting})
	require.NoError(t, err)

	got, err := lc.Finalize(ctx, pub)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = st.TransitionVerification(ctx, rec.ID, domain.VerifyAwaiting, domain.VerifyProcessed, "", false)
	require.NoError(t, err)
	_, err = st.TransitionLogEntry(ctx, entry.ID, domain.EntryPending, domain.EntryPublished, "")
	require.NoError(t, err)

	got, err = lc.Finalize(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, got)

	// Terminal status is not touched again.
	got, err = lc.Finalize(ctx, pub)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFinalizeWaitsForActiveLineage(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	lc := New(st, nil, logx.Nop())
	ctx := context.Background()
	pub := seed(t, st, domain.StatusPublishing)

	_, err := st.RecordLogEntry(ctx, domain.PublishLogEntry{PublicationID: pub.ID, AccountID: "a", Status: domain.EntryPublished, ExternalPostID: "x1"})
	require.NoError(t, err)
	job, _, err := st.EnqueueJob(ctx, storage.JobRecord{Kind: "dispatch.publish", Key: "pub-1", MaxAttempts: 2}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lc.OpenLineage(ctx, pub.ID, job.ID))

	n, err := lc.Dispatching(ctx, pub.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = lc.Dispatching(ctx, pub.ID, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := lc.Finalize(ctx, pub)
	require.NoError(t, err)
	assert.Empty(t, got, "queued retry may still publish")

	job.State = storage.JobDiscarded
	require.NoError(t, st.FinishJob(ctx, job))

	got, err = lc.Finalize(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, got)

	open, err := st.OpenLineages(ctx, pub.ID)
	require.NoError(t, err)
	assert.Empty(t, open, "ended lineage is closed")
}

func TestDispatchingClosesLineageOfUnknownJob(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	lc := New(st, nil, logx.Nop())
	ctx := context.Background()
	require.NoError(t, lc.OpenLineage(ctx, "pub-1", "gone"))

	n, err := lc.Dispatching(ctx, "pub-1", "")
	require.NoError(t, err)
	assert.Zero(t, n)
	open, err := st.OpenLineages(ctx, "pub-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}
