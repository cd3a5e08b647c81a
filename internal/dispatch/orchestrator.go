package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/activity"
	"crosspost/internal/domain"
	"crosspost/internal/metrics"
	"crosspost/internal/notifier"
	"crosspost/internal/platform"
	"crosspost/internal/publication"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"
)

// KindDispatch is the engine job kind of a DispatchRequest.
const KindDispatch = "dispatch.publish"

var (
	ErrNoActiveAccounts = errors.New("no active target account")
	ErrNotDispatchable  = errors.New("publication is not dispatchable")
)

type Store interface {
	storage.PublicationStore
	storage.AccountStore
	storage.LogStore
	storage.VerificationStore
	storage.NotificationLedger
}

// Enqueuer is the part of the job engine used to submit work.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...engine.EnqueueOption) (storage.JobRecord, bool, error)
}

// VerifyTracker starts polling an upload the platform accepts asynchronously.
// It must be idempotent per log entry.
type VerifyTracker interface {
	Track(ctx context.Context, pub domain.Publication, entry domain.PublishLogEntry, group string) error
}

// AttachScheduler queues attaching a published post to the publication's
// collection. It must be idempotent and ignore platforms without collections.
type AttachScheduler interface {
	ScheduleAttach(ctx context.Context, pub domain.Publication, account domain.TargetAccount, externalPostID, group string) error
}

// Config holds the retry contract of a dispatch lineage.
type Config struct {
	MaxAttempts      int
	Timeout          time.Duration
	Backoff          []time.Duration
	MaxCrashes       int
	DedupWindow      time.Duration
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{60 * time.Second, 180 * time.Second}
	}
	if c.MaxCrashes <= 0 {
		c.MaxCrashes = 2
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

func (c Config) Policy() engine.Policy {
	return engine.Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		Jitter:      0.1,
		Timeout:     c.Timeout,
		MaxCrashes:  c.MaxCrashes,
		DedupWindow: c.DedupWindow,
	}
}

// Deps are the collaborators of the orchestrator. Verify and Attach may be nil.
type Deps struct {
	Store     Store
	Lifecycle *publication.Lifecycle
	Tokens    platform.TokenProvider
	Platforms *platform.Registry
	Pacer     *platform.Pacer
	Notify    notifier.Sink
	Activity  activity.Recorder
	Verify    VerifyTracker
	Attach    AttachScheduler
	Log       logx.Logger
}

type Orchestrator struct {
	cfg Config
	Deps
}

func NewOrchestrator(cfg Config, d Deps) *Orchestrator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Activity == nil {
		d.Activity = activity.Nop{}
	}
	if d.Pacer == nil {
		d.Pacer = platform.NewPacer(nil, 0)
	}
	return &Orchestrator{cfg: cfg.withDefaults(), Deps: d}
}

// Handler is the engine registration of KindDispatch.
func (o *Orchestrator) Handler() engine.Handler {
	return engine.Handler{Run: o.Run, OnCrash: o.OnCrash, Policy: o.cfg.Policy()}
}

// Submit validates req and enqueues it keyed by its identity, so a request
// equal to an active or recent one joins that lineage instead.
func Submit(ctx context.Context, e Enqueuer, req domain.DispatchRequest) (storage.JobRecord, bool, error) {
	if err := req.Validate(); err != nil {
		return storage.JobRecord{}, false, err
	}
	return e.Enqueue(ctx, KindDispatch, req, engine.WithKey(req.Identity()), engine.WithGroup(req.BatchID))
}

// accountResult is the outcome of one account in one attempt.
type accountResult struct {
	account domain.TargetAccount
	success bool
	skipped bool
	// newly is set when this lineage delivered the account, now or in an
	// earlier attempt.
	newly      bool
	pending    bool
	permanent  bool
	reconnect  bool
	err        string
	retryAfter time.Duration
}

// Run executes one attempt of a DispatchRequest.
func (o *Orchestrator) Run(ctx context.Context, job engine.Job) error {
	var req domain.DispatchRequest
	if err := job.Decode(&req); err != nil {
		return engine.Fatal(fmt.Errorf("decode dispatch request: %w", err))
	}
	log := o.Log.With(logx.String("publication", req.PublicationID), logx.String("job", job.ID), logx.Int("attempt", job.Attempt))

	pub, err := o.Store.GetPublication(ctx, req.PublicationID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("publication vanished; dispatch discarded")
		return engine.Fatal(fmt.Errorf("publication %s: %w", req.PublicationID, err))
	}
	if err != nil {
		return fmt.Errorf("load publication: %w", err)
	}
	if pub.Status.Terminal() {
		log.Info("publication already terminal; dispatch discarded", logx.String("status", string(pub.Status)))
		return engine.Fatal(fmt.Errorf("publication %s is %s: %w", pub.ID, pub.Status, ErrNotDispatchable))
	}

	accounts, err := o.activeAccounts(ctx, req.AccountIDs)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		log.Warn("no active target account; publication failed")
		if _, err := o.Lifecycle.Transition(ctx, pub, domain.Dispatchable, domain.StatusFailed); err != nil {
			return err
		}
		o.notifyOnce(ctx, job.ID, pub, notifier.KindDispatchFailure, notifier.Payload{Reason: notifier.ReasonNoActiveAccounts})
		return engine.Fatal(fmt.Errorf("publication %s: %w", pub.ID, ErrNoActiveAccounts))
	}

	if err := o.Lifecycle.OpenLineage(ctx, pub.ID, job.ID); err != nil {
		return err
	}
	if err := o.enterPublishing(ctx, &pub); err != nil {
		return err
	}

	results := make([]accountResult, 0, len(accounts))
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		results = append(results, o.publishOne(ctx, job, pub, req, acc))
	}

	tally := tallyOf(results)
	dec := Decide(tally, job.IsLastAttempt())
	log.Info("dispatch attempt finished",
		logx.Int("succeeded", tally.Succeeded), logx.Int("retryable", tally.Retryable),
		logx.Int("permanent", tally.Permanent), logx.Bool("retry", dec.Retry), logx.String("status", string(dec.Status)))

	if dec.Retry {
		return retryError(results)
	}
	return o.terminate(ctx, job.ID, pub, dec, results)
}

func (o *Orchestrator) activeAccounts(ctx context.Context, ids []string) ([]domain.TargetAccount, error) {
	out := make([]domain.TargetAccount, 0, len(ids))
	for _, id := range ids {
		acc, err := o.Store.GetAccount(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load account %s: %w", id, err)
		}
		if acc.Active {
			out = append(out, acc)
		}
	}
	return out, nil
}

// enterPublishing moves the publication to publishing. A retry finds it
// there already and emits nothing.
func (o *Orchestrator) enterPublishing(ctx context.Context, pub *domain.Publication) error {
	changed, err := o.Lifecycle.Transition(ctx, *pub, []domain.PublicationStatus{domain.StatusApproved, domain.StatusScheduled}, domain.StatusPublishing)
	if err != nil {
		return err
	}
	if changed {
		pub.Status = domain.StatusPublishing
		return nil
	}
	cur, err := o.Store.GetPublication(ctx, pub.ID)
	if err != nil {
		return fmt.Errorf("reload publication: %w", err)
	}
	*pub = cur
	if cur.Status != domain.StatusPublishing {
		return engine.Fatal(fmt.Errorf("publication %s is %s: %w", cur.ID, cur.Status, ErrNotDispatchable))
	}
	return nil
}

func (o *Orchestrator) publishOne(ctx context.Context, job engine.Job, pub domain.Publication, req domain.DispatchRequest, acc domain.TargetAccount) accountResult {
	res := accountResult{account: acc}
	log := o.Log.With(logx.String("publication", pub.ID), logx.String("account", acc.ID), logx.String("platform", acc.Platform))

	pubClient, err := o.Platforms.Publisher(acc.Platform)
	if err != nil {
		res.permanent = true
		res.err = err.Error()
		o.recordFailure(ctx, job, pub, &res, domain.TagFailed)
		return res
	}
	guard := platform.SkipGuard{Publisher: pubClient, Log: o.Store}

	skip, done, err := guard.Check(ctx, pub.ID, acc.ID)
	if err != nil {
		res.err = err.Error()
		log.Warn("skip check failed", logx.Err(err))
		return res
	}
	if done {
		return o.recordSkip(ctx, job, pub, acc, skip)
	}

	tok, err := o.Tokens.Token(ctx, acc)
	if err != nil {
		return o.tokenFailure(ctx, job, pub, res, err)
	}

	o.Pacer.Take(acc.Platform)
	r, err := guard.Publish(ctx, acc, tok, platform.NormalizePost(pub, req.Options))
	switch {
	case errors.Is(err, platform.ErrReconnectRequired):
		return o.tokenFailure(ctx, job, pub, res, err)
	case err != nil:
		res.err = err.Error()
		var ra engine.RetryAfterError
		if errors.As(err, &ra) {
			res.retryAfter = ra.RetryAfter()
		}
		metrics.PublishResult(acc.Platform, "failed")
		log.Warn("publish failed", logx.Err(err))
		o.recordFailure(ctx, job, pub, &res, domain.TagFailed)
		o.countFailure(ctx, pub, acc)
		return res
	case r.Skipped:
		return o.recordSkip(ctx, job, pub, acc, r)
	case !r.Success:
		// The platform refused the content; another attempt would be refused too.
		res.permanent = true
		res.err = r.Error
		metrics.PublishResult(acc.Platform, "rejected")
		log.Warn("publish rejected", logx.String("error", r.Error))
		o.recordFailure(ctx, job, pub, &res, domain.TagFailed)
		o.countFailure(ctx, pub, acc)
		return res
	}

	entry := domain.PublishLogEntry{
		PublicationID:  pub.ID,
		AccountID:      acc.ID,
		Status:         domain.EntryPublished,
		ExternalPostID: r.ExternalPostID,
		LineageID:      job.ID,
	}
	if r.NeedsVerification {
		entry.Status = domain.EntryPending
	}
	stored, err := o.Store.RecordLogEntry(ctx, entry)
	if err != nil {
		// The post exists remotely; the next attempt re-posts unless the
		// platform deduplicates. Nothing better is possible without the row.
		res.err = err.Error()
		log.Error("record publish log entry failed", logx.String("external_id", r.ExternalPostID), logx.Err(err))
		return res
	}
	res.success, res.newly = true, true
	o.countSuccess(ctx, acc)

	if stored.Status == domain.EntryPending {
		res.pending = true
		metrics.PublishResult(acc.Platform, "pending_verification")
		o.track(ctx, job, pub, stored, &res)
	} else {
		metrics.PublishResult(acc.Platform, "published")
		o.attach(ctx, job, pub, acc, stored.ExternalPostID)
	}
	o.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: pub.ID, AccountID: acc.ID, LineageID: job.ID, Kind: KindDispatch,
		Tag: domain.TagPublished, Message: "external id " + stored.ExternalPostID,
	})
	return res
}

func (o *Orchestrator) recordSkip(ctx context.Context, job engine.Job, pub domain.Publication, acc domain.TargetAccount, r platform.Result) accountResult {
	res := accountResult{account: acc, success: true, skipped: true, pending: r.NeedsVerification}
	entry, err := o.Store.GetLogEntry(ctx, pub.ID, acc.ID)
	if err == nil {
		res.newly = entry.LineageID == job.ID
		if res.pending {
			// Tracking is idempotent; this heals an earlier attempt that
			// stored the entry but failed to start verification.
			o.track(ctx, job, pub, entry, &res)
		}
	}
	metrics.PublishResult(acc.Platform, "skipped")
	o.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: pub.ID, AccountID: acc.ID, LineageID: job.ID, Kind: KindDispatch,
		Tag: domain.TagSkipped, Message: "already delivered",
	})
	return res
}

func (o *Orchestrator) track(ctx context.Context, job engine.Job, pub domain.Publication, entry domain.PublishLogEntry, res *accountResult) {
	if o.Verify == nil {
		return
	}
	if err := o.Verify.Track(ctx, pub, entry, job.Group); err != nil {
		// Keep the account retryable so the next attempt tracks it again.
		res.success, res.err = false, "start verification: "+err.Error()
		o.Log.Warn("start verification failed", logx.String("publication", pub.ID), logx.String("account", entry.AccountID), logx.Err(err))
	}
}

func (o *Orchestrator) attach(ctx context.Context, job engine.Job, pub domain.Publication, acc domain.TargetAccount, externalID string) {
	if o.Attach == nil || pub.Collection == "" || externalID == "" {
		return
	}
	if err := o.Attach.ScheduleAttach(ctx, pub, acc, externalID, job.Group); err != nil {
		o.Log.Warn("schedule collection attach failed", logx.String("publication", pub.ID), logx.String("account", acc.ID), logx.Err(err))
	}
}

// tokenFailure handles credential errors. Reconnect required is recorded
// per account and never consumes the unit's retry.
func (o *Orchestrator) tokenFailure(ctx context.Context, job engine.Job, pub domain.Publication, res accountResult, err error) accountResult {
	res.err = err.Error()
	if !errors.Is(err, platform.ErrReconnectRequired) {
		o.Log.Warn("token unavailable", logx.String("account", res.account.ID), logx.Err(err))
		return res
	}
	res.permanent, res.reconnect = true, true
	metrics.PublishResult(res.account.Platform, "reconnect_required")
	o.recordFailure(ctx, job, pub, &res, domain.TagReconnectRequired)

	lineage := job.ID + "/reconnect/" + res.account.ID
	o.notifyOnce(ctx, lineage, pub, notifier.KindReconnectRequired, notifier.Payload{Account: res.account.DisplayName()})
	return res
}

func (o *Orchestrator) recordFailure(ctx context.Context, job engine.Job, pub domain.Publication, res *accountResult, tag string) {
	entry, err := o.Store.RecordLogEntry(ctx, domain.PublishLogEntry{
		PublicationID: pub.ID,
		AccountID:     res.account.ID,
		Status:        domain.EntryFailed,
		Error:         res.err,
		LineageID:     job.ID,
	})
	if err != nil {
		o.Log.Error("record failed log entry", logx.String("publication", pub.ID), logx.String("account", res.account.ID), logx.Err(err))
	} else if entry.Status == domain.EntryPublished {
		// A concurrent attempt delivered the account meanwhile.
		res.success, res.skipped, res.permanent, res.reconnect = true, true, false, false
		return
	}
	o.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: pub.ID, AccountID: res.account.ID, LineageID: job.ID, Kind: KindDispatch,
		Tag: tag, Message: res.err,
	})
}

// countFailure increments the consecutive-failure counter with
// compare-and-set and deactivates the account at the threshold.
func (o *Orchestrator) countFailure(ctx context.Context, pub domain.Publication, acc domain.TargetAccount) {
	updated, err := o.casAccount(ctx, acc.ID, func(a *domain.TargetAccount) bool {
		a.ConsecutiveFailures++
		if a.ConsecutiveFailures >= o.cfg.FailureThreshold {
			a.Active = false
		}
		return true
	})
	if err != nil {
		o.Log.Warn("update failure counter failed", logx.String("account", acc.ID), logx.Err(err))
		return
	}
	if updated.Active || updated.ConsecutiveFailures != o.cfg.FailureThreshold {
		return
	}
	o.Log.Warn("account deactivated", logx.String("account", acc.ID), logx.Int("failures", updated.ConsecutiveFailures))
	metrics.AccountDeactivated(acc.Platform)
	o.Activity.Record(ctx, domain.ActivityEntry{AccountID: acc.ID, Kind: KindDispatch, Tag: domain.TagDeactivated,
		Message: fmt.Sprintf("%d consecutive failures", updated.ConsecutiveFailures)})
	// The version tells a later deactivation of a reactivated account apart.
	lineage := fmt.Sprintf("account/%s/deactivated/%d", acc.ID, updated.Version)
	o.notifyOnce(ctx, lineage, pub, notifier.KindAccountDeactivated, notifier.Payload{Account: acc.DisplayName(), Count: updated.ConsecutiveFailures})
}

func (o *Orchestrator) countSuccess(ctx context.Context, acc domain.TargetAccount) {
	_, err := o.casAccount(ctx, acc.ID, func(a *domain.TargetAccount) bool {
		if a.ConsecutiveFailures == 0 {
			return false
		}
		a.ConsecutiveFailures = 0
		return true
	})
	if err != nil {
		o.Log.Warn("reset failure counter failed", logx.String("account", acc.ID), logx.Err(err))
	}
}

func (o *Orchestrator) casAccount(ctx context.Context, id string, mutate func(*domain.TargetAccount) bool) (domain.TargetAccount, error) {
	const maxTries = 5
	for i := 0; i < maxTries; i++ {
		cur, err := o.Store.GetAccount(ctx, id)
		if err != nil {
			return domain.TargetAccount{}, err
		}
		if !mutate(&cur) {
			return cur, nil
		}
		updated, err := o.Store.CompareAndSwapAccount(ctx, cur)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return updated, err
	}
	return domain.TargetAccount{}, fmt.Errorf("account %s: %w after %d tries", id, storage.ErrConflict, maxTries)
}

// terminate is the single terminal step of a lineage: final status (unless
// a verification is still pending or another lineage may still publish) and
// one notification per class.
func (o *Orchestrator) terminate(ctx context.Context, lineage string, pub domain.Publication, dec Decision, results []accountResult) error {
	// Closed before counting pending verifications, so that either this step
	// or the verifier's Finalize sees the other one done.
	if err := o.Lifecycle.CloseLineage(ctx, pub.ID, lineage); err != nil {
		return err
	}
	pending, err := o.Lifecycle.Pending(ctx, pub.ID)
	if err != nil {
		return err
	}
	others, err := o.Lifecycle.Dispatching(ctx, pub.ID, lineage)
	if err != nil {
		return err
	}
	switch {
	case others > 0:
		o.Log.Info("another dispatch lineage is still running", logx.String("publication", pub.ID), logx.Int("lineages", others))
	case pending > 0 && dec.Status != domain.StatusFailed:
		o.Log.Info("publication awaits verification", logx.String("publication", pub.ID), logx.Int("pending", pending))
	default:
		if _, err := o.Lifecycle.Transition(ctx, pub, []domain.PublicationStatus{domain.StatusPublishing}, dec.Status); err != nil {
			return err
		}
	}

	var p notifier.Payload
	for _, r := range results {
		switch {
		case r.success && r.newly:
			p.Accounts = append(p.Accounts, r.account.DisplayName())
		case !r.success:
			p.Failed = append(p.Failed, r.account.DisplayName())
		}
	}
	o.notifyOnce(ctx, lineage, pub, dec.Notify, p)
	return nil
}

// notifyOnce claims (lineage, class) in the ledger and notifies the owner
// only on the first claim.
func (o *Orchestrator) notifyOnce(ctx context.Context, lineage string, pub domain.Publication, kind notifier.Kind, p notifier.Payload) {
	if kind == "" || o.Notify == nil || pub.OwnerID == "" {
		return
	}
	first, err := o.Store.MarkNotified(ctx, lineage, kind.Class())
	if err != nil {
		o.Log.Warn("notification ledger unavailable", logx.String("lineage", lineage), logx.Err(err))
		return
	}
	if !first {
		o.Log.Debug("notification already sent for lineage", logx.String("lineage", lineage), logx.String("kind", string(kind)))
		return
	}
	p.PublicationID, p.Title = pub.ID, pub.Title
	if err := o.Notify.Notify(ctx, []string{pub.OwnerID}, kind, p); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		o.Log.Warn("notify owner failed", logx.String("publication", pub.ID), logx.String("kind", string(kind)), logx.Err(err))
	}
}

// OnCrash handles a panic, timeout or lost lease of an attempt. Every
// account gets a crashed activity entry; the final crash ends the lineage
// from the durable log.
func (o *Orchestrator) OnCrash(ctx context.Context, job engine.Job, cause error, final bool) {
	var req domain.DispatchRequest
	if err := job.Decode(&req); err != nil {
		return
	}
	for _, id := range req.AccountIDs {
		o.Activity.Record(ctx, domain.ActivityEntry{
			PublicationID: req.PublicationID, AccountID: id, LineageID: job.ID, Kind: KindDispatch,
			Tag: domain.TagCrashed, Message: cause.Error(),
		})
	}
	if !final {
		return
	}
	pub, err := o.Store.GetPublication(ctx, req.PublicationID)
	if err != nil {
		o.Log.Warn("crash: publication unavailable", logx.String("publication", req.PublicationID), logx.Err(err))
		return
	}
	results := make([]accountResult, 0, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		acc, err := o.Store.GetAccount(ctx, id)
		if err != nil {
			continue
		}
		r := accountResult{account: acc, permanent: true, err: cause.Error()}
		if e, err := o.Store.GetLogEntry(ctx, pub.ID, id); err == nil &&
			(e.Status == domain.EntryPublished || (e.Status == domain.EntryPending && e.ExternalPostID != "")) {
			r = accountResult{account: acc, success: true, newly: e.LineageID == job.ID, pending: e.Status == domain.EntryPending}
		}
		results = append(results, r)
	}
	dec := Decide(tallyOf(results), true)
	o.Log.Warn("dispatch lineage ended by crash", logx.String("publication", pub.ID), logx.String("status", string(dec.Status)), logx.Err(cause))
	if err := o.terminate(ctx, job.ID, pub, dec, results); err != nil {
		o.Log.Error("crash terminal step failed", logx.String("publication", pub.ID), logx.Err(err))
	}
}

// Targets lists the budget targets of a dispatch job for the gate.
func (o *Orchestrator) Targets(ctx context.Context, job engine.Job) ([]Target, error) {
	var req domain.DispatchRequest
	if err := job.Decode(&req); err != nil {
		return nil, err
	}
	pub, err := o.Store.GetPublication(ctx, req.PublicationID)
	if err != nil {
		return nil, err
	}
	accounts, err := o.activeAccounts(ctx, req.AccountIDs)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, Target{PublicationID: pub.ID, WorkspaceID: pub.WorkspaceID, Platform: a.Platform})
	}
	return out, nil
}

func tallyOf(results []accountResult) Tally {
	var t Tally
	for _, r := range results {
		switch {
		case r.success:
			t.Succeeded++
		case r.permanent:
			t.Permanent++
		default:
			t.Retryable++
		}
	}
	return t
}

// retryError names the still-failed accounts and carries the longest
// Retry-After hint any platform gave.
func retryError(results []accountResult) error {
	var (
		names []string
		hint  time.Duration
	)
	for _, r := range results {
		if r.success || r.permanent {
			continue
		}
		names = append(names, r.account.ID+": "+r.err)
		hint = max(hint, r.retryAfter)
	}
	err := fmt.Errorf("%d account(s) failed: %s", len(names), strings.Join(names, "; "))
	if hint > 0 {
		return engine.RetryAfter(err, hint)
	}
	return err
}
