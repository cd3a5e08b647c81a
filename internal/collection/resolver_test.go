package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/notifier"
	"crosspost/internal/platform"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCollections keeps collections by name; ids outside live are stale.
type fakeCollections struct {
	mu        sync.Mutex
	byName    map[string]string
	live      map[string]bool
	attached  map[string][]string
	attachErr error
	created   []string
	finds     int
	attaches  int
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{byName: map[string]string{}, live: map[string]bool{}, attached: map[string][]string{}}
}

func (f *fakeCollections) Find(_ context.Context, _ domain.TargetAccount, _ platform.Token, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	id, ok := f.byName[name]
	return id, ok, nil
}

func (f *fakeCollections) Create(_ context.Context, _ domain.TargetAccount, _ platform.Token, name, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "coll-" + name
	f.byName[name] = id
	f.live[id] = true
	f.created = append(f.created, description)
	return id, nil
}

func (f *fakeCollections) Attach(_ context.Context, _ domain.TargetAccount, _ platform.Token, collectionID, externalPostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if f.attachErr != nil {
		return f.attachErr
	}
	if !f.live[collectionID] {
		return platform.ErrCollectionNotFound
	}
	f.attached[collectionID] = append(f.attached[collectionID], externalPostID)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.TargetAccount, platform.Token, platform.Post) (platform.Result, error) {
	return platform.Result{}, nil
}

func (nopPublisher) Delete(context.Context, domain.TargetAccount, platform.Token, string) (bool, error) {
	return false, nil
}

func (nopPublisher) CheckStatus(context.Context, domain.TargetAccount, platform.Token, string) (platform.StatusReport, error) {
	return platform.StatusReport{}, nil
}

type sentNote struct {
	kind notifier.Kind
	p    notifier.Payload
}

type sink struct {
	mu   sync.Mutex
	sent []sentNote
}

func (s *sink) Notify(_ context.Context, _ []string, kind notifier.Kind, p notifier.Payload) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentNote{kind, p})
	s.mu.Unlock()
	return nil
}

type fixture struct {
	st   storage.Store
	eng  *engine.Service
	r    *Resolver
	coll *fakeCollections
	sink *sink
	pub  domain.Publication
	acc  domain.TargetAccount
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:   storage.NewMemory(),
		coll: newFakeCollections(),
		sink: &sink{},
		pub:  domain.Publication{ID: "pub", OwnerID: "owner", Title: "Episode 4", Status: domain.StatusPublished, Collection: "Season 1", CollectionDescription: "The first season"},
		acc:  domain.TargetAccount{ID: "a", Platform: "video", Handle: "chan", Active: true},
		now:  time.Now().Add(time.Second),
	}
	reg := platform.NewRegistry()
	reg.Register("video", nopPublisher{}, f.coll)
	reg.Register("social", nopPublisher{}, nil)
	f.eng = engine.New(engine.Config{Workers: 1, QueueSize: 8}, f.st, logx.Nop(), nil)
	f.r = New(Config{}, Deps{
		Store:     f.st,
		Tokens:    platform.NewStaticTokens(map[string]string{"a": "tok"}),
		Platforms: reg,
		Notify:    f.sink,
		Jobs:      f.eng,
	})
	f.eng.Register(KindAttach, f.r.Handler())

	ctx := context.Background()
	require.NoError(t, f.st.SavePublication(ctx, f.pub))
	require.NoError(t, f.st.SaveAccount(ctx, f.acc))
	return f
}

func (f *fixture) request(postID string) Request {
	return Request{PublicationID: f.pub.ID, AccountID: f.acc.ID, Collection: f.pub.Collection, Description: f.pub.CollectionDescription, ExternalPostID: postID}
}

func (f *fixture) step(t *testing.T) {
	t.Helper()
	_, err := f.eng.RunDue(context.Background(), f.now)
	require.NoError(t, err)
	f.now = f.now.Add(20 * time.Minute)
}

func TestStaleIdIsReresolved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.st.EnsureHandle(ctx, "a", "Season 1")
	require.NoError(t, err)
	h.ExternalID, h.State = "coll-deleted", domain.HandleAttached
	_, err = f.st.UpdateHandle(ctx, h)
	require.NoError(t, err)

	got, err := f.r.EnsureAttached(ctx, f.request("post-1"))
	require.NoError(t, err)
	assert.Equal(t, "coll-Season 1", got.ExternalID)
	assert.Equal(t, domain.HandleAttached, got.State)
	assert.Equal(t, []string{"The first season"}, f.coll.created)
	assert.Equal(t, []string{"post-1"}, f.coll.attached["coll-Season 1"])
	assert.Equal(t, 1, f.coll.finds)

	stored, err := f.st.EnsureHandle(ctx, "a", "Season 1")
	require.NoError(t, err)
	assert.Equal(t, "coll-Season 1", stored.ExternalID)

	// The now valid id attaches directly.
	_, err = f.r.EnsureAttached(ctx, f.request("post-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.coll.finds, "no lookup with a valid id")
	assert.Len(t, f.coll.created, 1)
	assert.Equal(t, []string{"post-1", "post-2"}, f.coll.attached["coll-Season 1"])
}

func TestHandleIsAttachPendingWhileAttaching(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.coll.attachErr = errors.New("upstream 502")

	h, err := f.r.EnsureAttached(ctx, f.request("post-1"))
	require.ErrorContains(t, err, "upstream 502")
	assert.Equal(t, domain.HandleAttachPending, h.State)
	stored, err := f.st.EnsureHandle(ctx, "a", "Season 1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandleAttachPending, stored.State)
	assert.Equal(t, "coll-Season 1", stored.ExternalID)

	f.coll.attachErr = nil
	h, err = f.r.EnsureAttached(ctx, f.request("post-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.HandleAttached, h.State)
	assert.Equal(t, 1, f.coll.finds, "pending handle keeps its id")
}

func TestResolveFindsExistingCollection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.coll.byName["Season 1"] = "coll-existing"
	f.coll.live["coll-existing"] = true

	h, err := f.r.EnsureAttached(context.Background(), f.request("post-1"))
	require.NoError(t, err)
	assert.Equal(t, "coll-existing", h.ExternalID)
	assert.Empty(t, f.coll.created)
}

func TestCreateFallsBackToName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.request("post-1")
	req.Description = ""

	_, err := f.r.EnsureAttached(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Season 1"}, f.coll.created)
}

func TestScheduledAttachNotifiesOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.r.ScheduleAttach(ctx, f.pub, f.acc, "post-1", ""))
	require.NoError(t, f.r.ScheduleAttach(ctx, f.pub, f.acc, "post-1", ""))
	f.step(t)

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, notifier.KindCollectionAttachSuccess, f.sink.sent[0].kind)
	assert.Equal(t, "video:chan", f.sink.sent[0].p.Account)
	assert.Equal(t, "Season 1", f.sink.sent[0].p.Collection)
	assert.Equal(t, 1, f.coll.attaches)
}

func TestScheduleAttachIgnoresUnsupported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	social := domain.TargetAccount{ID: "b", Platform: "social"}
	require.NoError(t, f.r.ScheduleAttach(ctx, f.pub, social, "post-1", ""))
	bare := f.pub
	bare.Collection = ""
	require.NoError(t, f.r.ScheduleAttach(ctx, bare, f.acc, "post-1", ""))

	n, err := f.eng.RunDue(ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExhaustedAttachFailsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.coll.attachErr = errors.New("platform answered 500")
	ctx := context.Background()

	require.NoError(t, f.r.ScheduleAttach(ctx, f.pub, f.acc, "post-1", ""))
	f.step(t)
	f.step(t)
	assert.Empty(t, f.sink.sent)
	f.step(t)

	require.Len(t, f.sink.sent, 1)
	note := f.sink.sent[0]
	assert.Equal(t, notifier.KindCollectionAttachFailure, note.kind)
	assert.Equal(t, "video:chan", note.p.Account)
	assert.Contains(t, note.p.Reason, "platform answered 500")

	h, err := f.st.EnsureHandle(ctx, "a", "Season 1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandleFailed, h.State)
	assert.Equal(t, "coll-Season 1", h.ExternalID, "resolution survives the failed attach")
}

func TestReconnectRequiredIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.r.Tokens = platform.NewStaticTokens(nil)
	ctx := context.Background()

	require.NoError(t, f.r.ScheduleAttach(ctx, f.pub, f.acc, "post-1", ""))
	f.step(t)

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, notifier.KindCollectionAttachFailure, f.sink.sent[0].kind)
	assert.Zero(t, f.coll.attaches)
}
