// Package verify polls posts a platform accepted asynchronously until they
// reach a verdict, remediates rejected uploads and settles the publication.
package verify

import (
	"context"
	"errors"
	"fmt"
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

const KindPoll = "verify.poll"

// ErrStillProcessing is the retryable result of a poll that found no verdict.
var ErrStillProcessing = errors.New("still processing")

type Store interface {
	storage.PublicationStore
	storage.AccountStore
	storage.LogStore
	storage.VerificationStore
	storage.NotificationLedger
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...engine.EnqueueOption) (storage.JobRecord, bool, error)
}

// AttachScheduler queues the collection attach of a verified post.
type AttachScheduler interface {
	ScheduleAttach(ctx context.Context, pub domain.Publication, account domain.TargetAccount, externalPostID, group string) error
}

type Config struct {
	MaxAttempts int
	Backoff     []time.Duration
	// InitialDelay postpones the first poll; negative polls right away.
	InitialDelay time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	} else if c.InitialDelay == 0 {
		c.InitialDelay = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

func (c Config) Policy() engine.Policy {
	return engine.Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		Jitter:      0.1,
		Timeout:     c.Timeout,
		MaxCrashes:  c.MaxAttempts,
		DedupWindow: 24 * time.Hour,
	}
}

type Deps struct {
	Store     Store
	Lifecycle *publication.Lifecycle
	Tokens    platform.TokenProvider
	Platforms *platform.Registry
	Notify    notifier.Sink
	Activity  activity.Recorder
	Attach    AttachScheduler
	Jobs      Enqueuer
	Log       logx.Logger
}

type Verifier struct {
	cfg Config
	Deps
}

func New(cfg Config, d Deps) *Verifier {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Activity == nil {
		d.Activity = activity.Nop{}
	}
	return &Verifier{cfg: cfg.withDefaults(), Deps: d}
}

func (v *Verifier) Handler() engine.Handler {
	return engine.Handler{Run: v.Run, OnCrash: v.OnCrash, Policy: v.cfg.Policy()}
}

type pollPayload struct {
	RecordID string `json:"record_id"`
}

// Track creates the verification record of a pending entry and queues its
// first poll. Calling it again for the same entry changes nothing.
func (v *Verifier) Track(ctx context.Context, pub domain.Publication, entry domain.PublishLogEntry, group string) error {
	rec, err := v.Store.CreateVerification(ctx, domain.VerificationRecord{
		LogEntryID:     entry.ID,
		PublicationID:  pub.ID,
		AccountID:      entry.AccountID,
		ExternalPostID: entry.ExternalPostID,
	})
	if err != nil {
		return fmt.Errorf("create verification: %w", err)
	}
	if rec.State.Terminal() {
		return nil
	}
	_, created, err := v.Jobs.Enqueue(ctx, KindPoll, pollPayload{RecordID: rec.ID},
		engine.WithKey("verify:"+rec.ID), engine.WithGroup(group), engine.WithDelay(v.cfg.InitialDelay))
	if err != nil {
		return fmt.Errorf("enqueue verification poll: %w", err)
	}
	if created {
		v.Log.Debug("verification tracked", logx.String("publication", pub.ID), logx.String("account", entry.AccountID), logx.String("record", rec.ID))
	}
	return nil
}

// subject is everything one poll works on.
type subject struct {
	rec     domain.VerificationRecord
	pub     domain.Publication
	account domain.TargetAccount
	// accountMissing means the account row is gone; no call can be made.
	accountMissing bool
}

func (s subject) accountName() string {
	if s.accountMissing {
		return s.rec.AccountID
	}
	return s.account.DisplayName()
}

func (v *Verifier) load(ctx context.Context, job engine.Job) (subject, error) {
	var p pollPayload
	if err := job.Decode(&p); err != nil {
		return subject{}, engine.Fatal(fmt.Errorf("decode verification poll: %w", err))
	}
	var s subject
	var err error
	s.rec, err = v.Store.GetVerification(ctx, p.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		return subject{}, engine.Fatal(fmt.Errorf("verification %s: %w", p.RecordID, err))
	}
	if err != nil {
		return subject{}, fmt.Errorf("load verification: %w", err)
	}
	s.pub, err = v.Store.GetPublication(ctx, s.rec.PublicationID)
	if errors.Is(err, storage.ErrNotFound) {
		return subject{}, engine.Fatal(fmt.Errorf("publication %s: %w", s.rec.PublicationID, err))
	}
	if err != nil {
		return subject{}, fmt.Errorf("load publication: %w", err)
	}
	s.account, err = v.Store.GetAccount(ctx, s.rec.AccountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.accountMissing = true
	case err != nil:
		return subject{}, fmt.Errorf("load account: %w", err)
	}
	return s, nil
}

// Run performs one poll.
func (v *Verifier) Run(ctx context.Context, job engine.Job) error {
	s, err := v.load(ctx, job)
	if err != nil {
		return err
	}
	if s.rec.State.Terminal() {
		return nil
	}
	if s.accountMissing {
		return v.conclude(ctx, job, s, OutcomeFailed, "account no longer exists")
	}

	report, err := v.check(ctx, s)
	if err != nil {
		if job.IsLastAttempt() {
			return v.conclude(ctx, job, s, OutcomeFailed, notifier.ReasonVerificationTimedOut)
		}
		return fmt.Errorf("check status of %s: %w", s.rec.ExternalPostID, err)
	}

	switch out := Classify(report); out {
	case OutcomeProcessed:
		return v.processed(ctx, job, s)
	case OutcomeRejected, OutcomeFailed, OutcomeVanished:
		return v.conclude(ctx, job, s, out, report.Reason)
	default:
		if job.IsLastAttempt() {
			return v.conclude(ctx, job, s, OutcomeFailed, notifier.ReasonVerificationTimedOut)
		}
		v.Log.Debug("upload still processing", logx.String("record", s.rec.ID), logx.Int("attempt", job.Attempt))
		return fmt.Errorf("%s: %w", s.rec.ExternalPostID, ErrStillProcessing)
	}
}

func (v *Verifier) check(ctx context.Context, s subject) (platform.StatusReport, error) {
	pub, err := v.Platforms.Publisher(s.account.Platform)
	if err != nil {
		return platform.StatusReport{}, err
	}
	tok, err := v.Tokens.Token(ctx, s.account)
	if err != nil {
		return platform.StatusReport{}, err
	}
	return pub.CheckStatus(ctx, s.account, tok, s.rec.ExternalPostID)
}

func (v *Verifier) processed(ctx context.Context, job engine.Job, s subject) error {
	changed, err := v.Store.TransitionVerification(ctx, s.rec.ID, domain.VerifyAwaiting, domain.VerifyProcessed, "", false)
	if err != nil {
		return fmt.Errorf("mark verification processed: %w", err)
	}
	if !changed {
		return nil
	}
	metrics.Verification(string(domain.VerifyProcessed))
	if _, err := v.Store.TransitionLogEntry(ctx, s.rec.LogEntryID, domain.EntryPending, domain.EntryPublished, ""); err != nil {
		return fmt.Errorf("mark entry published: %w", err)
	}
	v.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: s.pub.ID, AccountID: s.rec.AccountID, LineageID: job.ID, Kind: KindPoll,
		Tag: domain.TagVerification, Message: "processed",
	})
	if v.Attach != nil && s.pub.Collection != "" {
		if err := v.Attach.ScheduleAttach(ctx, s.pub, s.account, s.rec.ExternalPostID, job.Group); err != nil {
			v.Log.Warn("schedule collection attach failed", logx.String("publication", s.pub.ID), logx.String("account", s.account.ID), logx.Err(err))
		}
	}
	to, err := v.Lifecycle.Finalize(ctx, s.pub)
	if err != nil {
		return err
	}
	if to != "" {
		v.Log.Info("publication finalized after verification", logx.String("publication", s.pub.ID), logx.String("status", string(to)))
	}
	return nil
}

// conclude ends the record on a negative outcome: best-effort delete, entry
// and publication updates, one owner notification.
func (v *Verifier) conclude(ctx context.Context, job engine.Job, s subject, out Outcome, reason string) error {
	removed := out == OutcomeVanished
	remediated := false
	if out != OutcomeVanished && !s.accountMissing {
		remediated = v.remediate(ctx, s)
		removed = remediated
		metrics.Remediation(remediated)
	}

	state := out.state()
	changed, err := v.Store.TransitionVerification(ctx, s.rec.ID, domain.VerifyAwaiting, state, reason, remediated)
	if err != nil {
		return fmt.Errorf("mark verification %s: %w", state, err)
	}
	if !changed {
		return nil
	}
	metrics.Verification(string(state))

	entryStatus := domain.EntryFailed
	if removed {
		entryStatus = domain.EntryRemovedOnPlatform
	}
	if _, err := v.Store.TransitionLogEntry(ctx, s.rec.LogEntryID, domain.EntryPending, entryStatus, reason); err != nil {
		return fmt.Errorf("mark entry %s: %w", entryStatus, err)
	}
	if _, err := v.Lifecycle.Transition(ctx, s.pub, []domain.PublicationStatus{domain.StatusPublishing}, domain.StatusFailed); err != nil {
		return err
	}

	v.Log.Warn("verification failed",
		logx.String("publication", s.pub.ID), logx.String("account", s.rec.AccountID), logx.String("outcome", out.String()),
		logx.String("reason", reason), logx.Bool("remediated", remediated))
	v.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: s.pub.ID, AccountID: s.rec.AccountID, LineageID: job.ID, Kind: KindPoll,
		Tag: domain.TagVerification, Message: fmt.Sprintf("%s: %s (removed=%t)", out, reason, removed),
	})
	v.notify(ctx, s, notifier.Payload{
		Account:    s.accountName(),
		Reason:     reason,
		Remediated: remediated,
		Vanished:   out == OutcomeVanished,
	})
	return nil
}

func (v *Verifier) remediate(ctx context.Context, s subject) bool {
	log := v.Log.With(logx.String("record", s.rec.ID), logx.String("external_id", s.rec.ExternalPostID))
	pub, err := v.Platforms.Publisher(s.account.Platform)
	if err != nil {
		log.Warn("remediation impossible", logx.Err(err))
		return false
	}
	tok, err := v.Tokens.Token(ctx, s.account)
	if err != nil {
		log.Warn("remediation impossible", logx.Err(err))
		return false
	}
	deleted, err := pub.Delete(ctx, s.account, tok, s.rec.ExternalPostID)
	if err != nil {
		log.Warn("remediation delete failed", logx.Err(err))
		return false
	}
	return deleted
}

func (v *Verifier) notify(ctx context.Context, s subject, p notifier.Payload) {
	if v.Notify == nil || s.pub.OwnerID == "" {
		return
	}
	kind := notifier.KindVerificationFailure
	first, err := v.Store.MarkNotified(ctx, "verify/"+s.rec.ID, kind.Class())
	if err != nil {
		v.Log.Warn("notification ledger unavailable", logx.String("record", s.rec.ID), logx.Err(err))
		return
	}
	if !first {
		return
	}
	p.PublicationID, p.Title = s.pub.ID, s.pub.Title
	if err := v.Notify.Notify(ctx, []string{s.pub.OwnerID}, kind, p); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		v.Log.Warn("notify owner failed", logx.String("publication", s.pub.ID), logx.Err(err))
	}
}

// OnCrash concludes the record as timed out once the budget is spent.
func (v *Verifier) OnCrash(ctx context.Context, job engine.Job, cause error, final bool) {
	if !final {
		return
	}
	s, err := v.load(ctx, job)
	if err != nil || s.rec.State.Terminal() {
		return
	}
	v.Log.Warn("verification poll crashed for the last time", logx.String("record", s.rec.ID), logx.Err(cause))
	if err := v.conclude(ctx, job, s, OutcomeFailed, notifier.ReasonVerificationTimedOut); err != nil {
		v.Log.Error("conclude crashed verification failed", logx.String("record", s.rec.ID), logx.Err(err))
	}
}
