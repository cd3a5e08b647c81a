package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crosspost/internal/activity"
	"crosspost/internal/domain"
	"crosspost/internal/notifier"
	"crosspost/internal/platform"
	"crosspost/internal/publication"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	"crosspost/internal/verify"
	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	res   platform.Result
	err   error
	panic bool
}

// scriptPublisher plays a per-account script; the last outcome repeats and
// accounts without a script succeed.
type scriptPublisher struct {
	mu     sync.Mutex
	script map[string][]outcome
	calls  map[string]int
}

func newScriptPublisher() *scriptPublisher {
	return &scriptPublisher{script: map[string][]outcome{}, calls: map[string]int{}}
}

func (p *scriptPublisher) on(account string, outs ...outcome) { p.script[account] = outs }

func (p *scriptPublisher) Publish(_ context.Context, acc domain.TargetAccount, _ platform.Token, _ platform.Post) (platform.Result, error) {
	p.mu.Lock()
	n := p.calls[acc.ID]
	p.calls[acc.ID]++
	outs := p.script[acc.ID]
	p.mu.Unlock()
	if len(outs) == 0 {
		return platform.Result{Success: true, ExternalPostID: "ext-" + acc.ID}, nil
	}
	o := outs[min(n, len(outs)-1)]
	if o.panic {
		panic("publisher exploded")
	}
	return o.res, o.err
}

func (p *scriptPublisher) Delete(context.Context, domain.TargetAccount, platform.Token, string) (bool, error) {
	return true, nil
}

func (p *scriptPublisher) CheckStatus(context.Context, domain.TargetAccount, platform.Token, string) (platform.StatusReport, error) {
	return platform.StatusReport{Exists: true, State: platform.RemoteProcessed}, nil
}

func (p *scriptPublisher) callsFor(account string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[account]
}

type notification struct {
	recipients []string
	kind       notifier.Kind
	payload    notifier.Payload
}

type fakeSink struct {
	mu   sync.Mutex
	sent []notification
}

func (s *fakeSink) Notify(_ context.Context, recipients []string, kind notifier.Kind, p notifier.Payload) error {
	s.mu.Lock()
	s.sent = append(s.sent, notification{recipients, kind, p})
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) all() []notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification(nil), s.sent...)
}

type env struct {
	st     storage.Store
	eng    *engine.Service
	orch   *Orchestrator
	pub    *scriptPublisher
	sink   *fakeSink
	tokens *platform.StaticTokens
	now    time.Time
}

func newEnv(t *testing.T, mws ...func(*env) engine.Middleware) *env {
	t.Helper()
	e := &env{
		st:     storage.NewMemory(),
		pub:    newScriptPublisher(),
		sink:   &fakeSink{},
		tokens: platform.NewStaticTokens(map[string]string{"a": "tok-a", "b": "tok-b"}),
		now:    time.Now().Add(time.Second),
	}
	reg := platform.NewRegistry()
	reg.Register("video", e.pub, nil)
	reg.Register("social", e.pub, nil)
	e.orch = NewOrchestrator(Config{}, Deps{
		Store:     e.st,
		Lifecycle: publication.New(e.st, nil, logx.Nop()),
		Tokens:    e.tokens,
		Platforms: reg,
		Notify:    e.sink,
		Activity:  activity.StoreRecorder{Store: e.st, Log: logx.Nop()},
	})
	e.eng = engine.New(engine.Config{Workers: 1, QueueSize: 16}, e.st, logx.Nop(), nil)
	var wrapped []engine.Middleware
	for _, mw := range mws {
		wrapped = append(wrapped, mw(e))
	}
	e.eng.Register(KindDispatch, e.orch.Handler(), wrapped...)

	ctx := context.Background()
	require.NoError(t, e.st.SavePublication(ctx, domain.Publication{ID: "pub", OwnerID: "owner", Title: "Launch", Status: domain.StatusApproved}))
	require.NoError(t, e.st.SaveAccount(ctx, domain.TargetAccount{ID: "a", Platform: "video", Handle: "chan-a", Active: true}))
	require.NoError(t, e.st.SaveAccount(ctx, domain.TargetAccount{ID: "b", Platform: "social", Handle: "page-b", Active: true}))
	return e
}

func (e *env) submit(t *testing.T, accounts ...string) storage.JobRecord {
	t.Helper()
	rec, created, err := Submit(context.Background(), e.eng, domain.NewDispatchRequest("pub", accounts, domain.DispatchOptions{}, "batch-1"))
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

// step runs everything due and moves the clock past the longest backoff.
func (e *env) step(t *testing.T) {
	t.Helper()
	_, err := e.eng.RunDue(context.Background(), e.now)
	require.NoError(t, err)
	e.now = e.now.Add(5 * time.Minute)
}

func (e *env) status(t *testing.T) domain.PublicationStatus {
	t.Helper()
	p, err := e.st.GetPublication(context.Background(), "pub")
	require.NoError(t, err)
	return p.Status
}

func (e *env) entry(t *testing.T, account string) domain.PublishLogEntry {
	t.Helper()
	en, err := e.st.GetLogEntry(context.Background(), "pub", account)
	require.NoError(t, err)
	return en
}

func (e *env) account(t *testing.T, id string) domain.TargetAccount {
	t.Helper()
	a, err := e.st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestAllAccountsSucceed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.submit(t, "a", "b")
	e.step(t)

	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Equal(t, domain.EntryPublished, e.entry(t, "a").Status)
	assert.Equal(t, domain.EntryPublished, e.entry(t, "b").Status)

	sent := e.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.KindDispatchSuccess, sent[0].kind)
	assert.Equal(t, []string{"owner"}, sent[0].recipients)
	assert.Equal(t, []string{"video:chan-a", "social:page-b"}, sent[0].payload.Accounts)
	assert.Empty(t, sent[0].payload.Failed)
}

func TestPartialSuccessRetriesOnlyFailedAccount(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.pub.on("a",
		outcome{err: errors.New("upstream 503")},
		outcome{res: platform.Result{Success: true, ExternalPostID: "ext-a"}},
	)
	rec := e.submit(t, "a", "b")

	e.step(t)
	assert.Equal(t, domain.StatusPublishing, e.status(t), "no terminal status mid-retry")
	assert.Equal(t, domain.EntryFailed, e.entry(t, "a").Status)
	assert.Equal(t, domain.EntryPublished, e.entry(t, "b").Status)
	assert.Empty(t, e.sink.all())

	job, err := e.st.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobQueued, job.State)
	assert.Contains(t, job.LastError, "a: upstream 503")
	assert.NotContains(t, job.LastError, "b:")

	e.step(t)
	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Equal(t, 2, e.pub.callsFor("a"))
	assert.Equal(t, 1, e.pub.callsFor("b"), "delivered account is skipped on retry")

	sent := e.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.KindDispatchSuccess, sent[0].kind)
	assert.Empty(t, sent[0].payload.Failed)
	assert.ElementsMatch(t, []string{"video:chan-a", "social:page-b"}, sent[0].payload.Accounts)
	assert.Zero(t, e.account(t, "a").ConsecutiveFailures, "success resets the counter")
}

func TestAllFailExhaustsAndDeactivates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.account(t, "a")
	a.ConsecutiveFailures = 1
	_, err := e.st.CompareAndSwapAccount(ctx, a)
	require.NoError(t, err)

	e.pub.on("a", outcome{err: errors.New("timeout")})
	e.pub.on("b", outcome{err: errors.New("timeout")})
	e.submit(t, "a", "b")

	e.step(t)
	assert.Equal(t, domain.StatusPublishing, e.status(t))
	e.step(t)
	assert.Equal(t, domain.StatusFailed, e.status(t))

	sent := e.sink.all()
	require.Len(t, sent, 2)
	byKind := map[notifier.Kind]notifier.Payload{}
	for _, n := range sent {
		byKind[n.kind] = n.payload
	}
	assert.ElementsMatch(t, []string{"video:chan-a", "social:page-b"}, byKind[notifier.KindDispatchFailure].Failed)
	assert.Equal(t, notifier.Payload{PublicationID: "pub", Title: "Launch", Account: "video:chan-a", Count: 3}, byKind[notifier.KindAccountDeactivated])

	gotA, gotB := e.account(t, "a"), e.account(t, "b")
	assert.Equal(t, 3, gotA.ConsecutiveFailures)
	assert.False(t, gotA.Active, "threshold reached")
	assert.Equal(t, 2, gotB.ConsecutiveFailures)
	assert.True(t, gotB.Active)

	// Further runs never duplicate the notification or regress the status.
	e.step(t)
	assert.Len(t, e.sink.all(), 2)
	assert.Equal(t, domain.StatusFailed, e.status(t))
}

func TestReconnectRequiredDoesNotConsumeRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.tokens.Apply(map[string]string{"a": "tok-a"})
	rec := e.submit(t, "a", "b")
	e.step(t)

	assert.Equal(t, domain.StatusPublishedWithErrors, e.status(t))
	assert.Equal(t, domain.EntryFailed, e.entry(t, "b").Status)
	assert.Zero(t, e.pub.callsFor("b"))
	assert.Zero(t, e.account(t, "b").ConsecutiveFailures)

	job, err := e.st.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDone, job.State)
	assert.Equal(t, 1, job.Attempts)

	kinds := map[notifier.Kind]notifier.Payload{}
	for _, n := range e.sink.all() {
		kinds[n.kind] = n.payload
	}
	require.Len(t, kinds, 2)
	assert.Equal(t, "social:page-b", kinds[notifier.KindReconnectRequired].Account)
	assert.Equal(t, []string{"social:page-b"}, kinds[notifier.KindDispatchSuccess].Failed)
}

func TestRejectedContentIsPermanent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.pub.on("a", outcome{res: platform.Result{Error: "title too long"}})
	e.submit(t, "a")
	e.step(t)

	assert.Equal(t, domain.StatusFailed, e.status(t))
	assert.Equal(t, 1, e.pub.callsFor("a"))
	assert.Equal(t, "title too long", e.entry(t, "a").Error)
	require.Len(t, e.sink.all(), 1)
}

func TestAsyncAcceptanceAwaitsVerification(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.pub.on("a", outcome{res: platform.Result{Success: true, ExternalPostID: "up-1", NeedsVerification: true}})
	ctx := context.Background()
	e.submit(t, "a")

	// Create the record a real tracker would.
	e.orch.Verify = trackerFunc(func(ctx context.Context, _ domain.Publication, entry domain.PublishLogEntry, _ string) error {
		_, err := e.st.CreateVerification(ctx, domain.VerificationRecord{LogEntryID: entry.ID, PublicationID: entry.PublicationID, AccountID: entry.AccountID, ExternalPostID: entry.ExternalPostID})
		return err
	})
	e.step(t)

	en := e.entry(t, "a")
	assert.Equal(t, domain.EntryPending, en.Status)
	assert.Equal(t, "up-1", en.ExternalPostID)
	assert.Equal(t, domain.StatusPublishing, e.status(t), "verifier finalizes")
	recs, err := e.st.ListVerifications(ctx, "pub")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, e.sink.all(), 1)
	assert.Equal(t, notifier.KindDispatchSuccess, e.sink.all()[0].kind)
}

type trackerFunc func(ctx context.Context, pub domain.Publication, entry domain.PublishLogEntry, group string) error

func (f trackerFunc) Track(ctx context.Context, pub domain.Publication, entry domain.PublishLogEntry, group string) error {
	return f(ctx, pub, entry, group)
}

// A verification settled while a sibling account's retry is queued must not
// finalize the publication ahead of the dispatch lineage.
func TestVerificationWaitsForQueuedDispatchRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.pub.on("a", outcome{res: platform.Result{Success: true, ExternalPostID: "up-a", NeedsVerification: true}})
	e.pub.on("b",
		outcome{err: errors.New("upstream 503")},
		outcome{res: platform.Result{Success: true, ExternalPostID: "ext-b"}},
	)
	v := verify.New(verify.Config{InitialDelay: -1}, verify.Deps{
		Store:     e.st,
		Lifecycle: e.orch.Lifecycle,
		Tokens:    e.tokens,
		Platforms: e.orch.Platforms,
		Notify:    e.sink,
		Jobs:      e.eng,
	})
	e.eng.Register(verify.KindPoll, v.Handler())
	e.orch.Verify = v
	ctx := context.Background()
	e.submit(t, "a", "b")

	// Attempt 1 and the verification poll; the retry of b is still queued.
	e.step(t)
	recs, err := e.st.ListVerifications(ctx, "pub")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.VerifyProcessed, recs[0].State)
	assert.Equal(t, domain.EntryPublished, e.entry(t, "a").Status)
	assert.Equal(t, domain.StatusPublishing, e.status(t))
	assert.Empty(t, e.sink.all())

	e.step(t)
	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Equal(t, 1, e.pub.callsFor("a"))
	assert.Equal(t, 2, e.pub.callsFor("b"))
	assert.Equal(t, domain.EntryPublished, e.entry(t, "b").Status)
	sent := e.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.KindDispatchSuccess, sent[0].kind)
	assert.ElementsMatch(t, []string{"video:chan-a", "social:page-b"}, sent[0].payload.Accounts)

	open, err := e.st.OpenLineages(ctx, "pub")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTerminalPublicationIsNotTouched(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.TransitionPublication(ctx, "pub", []domain.PublicationStatus{domain.StatusApproved}, domain.StatusPublished)
	require.NoError(t, err)

	rec := e.submit(t, "a")
	e.step(t)

	assert.Equal(t, domain.StatusPublished, e.status(t))
	assert.Zero(t, e.pub.callsFor("a"))
	assert.Empty(t, e.sink.all())
	job, err := e.st.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDiscarded, job.State)
}

func TestNoActiveAccountFailsPublication(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.submit(t, "missing")
	e.step(t)

	assert.Equal(t, domain.StatusFailed, e.status(t))
	sent := e.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.KindDispatchFailure, sent[0].kind)
	assert.Equal(t, notifier.ReasonNoActiveAccounts, sent[0].payload.Reason)
}

func TestCrashesEndLineageFromDurableLog(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.pub.on("b", outcome{panic: true})
	e.submit(t, "a", "b")

	e.step(t)
	assert.Equal(t, domain.StatusPublishing, e.status(t))
	assert.Empty(t, e.sink.all())

	e.step(t)
	assert.Equal(t, domain.StatusPublishedWithErrors, e.status(t), "a was delivered before the crash")

	sent := e.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.KindDispatchSuccess, sent[0].kind)
	assert.Equal(t, []string{"video:chan-a"}, sent[0].payload.Accounts)
	assert.Equal(t, []string{"social:page-b"}, sent[0].payload.Failed)

	acts, err := e.st.ListActivity(context.Background(), "pub", 0)
	require.NoError(t, err)
	crashed := 0
	for _, a := range acts {
		if a.Tag == domain.TagCrashed {
			crashed++
		}
	}
	assert.Equal(t, 4, crashed, "every account, every crash")
	assert.Equal(t, 1, e.pub.callsFor("a"))
}

func TestSubmitJoinsActiveLineage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	first, created, err := Submit(ctx, e.eng, domain.NewDispatchRequest("pub", []string{"a", "b"}, domain.DispatchOptions{}, "x"))
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := Submit(ctx, e.eng, domain.NewDispatchRequest("pub", []string{"b", "a"}, domain.DispatchOptions{}, "y"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = Submit(ctx, e.eng, domain.NewDispatchRequest("pub", nil, domain.DispatchOptions{}, ""))
	assert.Error(t, err)
}
