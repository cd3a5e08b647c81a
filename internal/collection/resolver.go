// Package collection attaches published posts to named collections on the
// platform, resolving or recreating the collection when its id went stale.
package collection

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
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"
)

const KindAttach = "collection.attach"

type Store interface {
	storage.PublicationStore
	storage.AccountStore
	storage.CollectionStore
	storage.NotificationLedger
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...engine.EnqueueOption) (storage.JobRecord, bool, error)
}

// Config is the retry contract of an attach job. Job attempts are the only
// retry counter; handles keep none.
type Config struct {
	MaxAttempts int
	Backoff     []time.Duration
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
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

// Request attaches one external post to a named collection of one account.
type Request struct {
	PublicationID  string `json:"publication_id"`
	AccountID      string `json:"account_id"`
	Collection     string `json:"collection"`
	Description    string `json:"description,omitempty"`
	ExternalPostID string `json:"external_post_id"`
}

type Deps struct {
	Store     Store
	Tokens    platform.TokenProvider
	Platforms *platform.Registry
	Notify    notifier.Sink
	Activity  activity.Recorder
	Jobs      Enqueuer
	Log       logx.Logger
}

type Resolver struct {
	cfg Config
	Deps
}

func New(cfg Config, d Deps) *Resolver {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Activity == nil {
		d.Activity = activity.Nop{}
	}
	return &Resolver{cfg: cfg.withDefaults(), Deps: d}
}

func (r *Resolver) Handler() engine.Handler {
	return engine.Handler{Run: r.Run, OnCrash: r.OnCrash, Policy: r.cfg.Policy()}
}

// ScheduleAttach queues an attach job. Publications without a collection and
// platforms without collection support are ignored.
func (r *Resolver) ScheduleAttach(ctx context.Context, pub domain.Publication, account domain.TargetAccount, externalPostID, group string) error {
	if pub.Collection == "" || externalPostID == "" {
		return nil
	}
	if _, ok := r.Platforms.Collections(account.Platform); !ok {
		return nil
	}
	req := Request{
		PublicationID:  pub.ID,
		AccountID:      account.ID,
		Collection:     pub.Collection,
		Description:    pub.CollectionDescription,
		ExternalPostID: externalPostID,
	}
	key := "attach:" + account.ID + "/" + pub.Collection + "/" + externalPostID
	if _, _, err := r.Jobs.Enqueue(ctx, KindAttach, req, engine.WithKey(key), engine.WithGroup(group)); err != nil {
		return fmt.Errorf("enqueue collection attach: %w", err)
	}
	return nil
}

// EnsureAttached attaches req's post, resolving the collection by name when
// the handle has no id or its id is stale. It is safe to run again.
func (r *Resolver) EnsureAttached(ctx context.Context, req Request) (domain.CollectionHandle, error) {
	acc, err := r.Store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.CollectionHandle{}, engine.Fatal(fmt.Errorf("account %s: %w", req.AccountID, err))
	}
	if err != nil {
		return domain.CollectionHandle{}, fmt.Errorf("load account: %w", err)
	}
	client, ok := r.Platforms.Collections(acc.Platform)
	if !ok {
		return domain.CollectionHandle{}, engine.Fatal(fmt.Errorf("%w: %s has no collections", platform.ErrUnknownPlatform, acc.Platform))
	}
	tok, err := r.Tokens.Token(ctx, acc)
	if errors.Is(err, platform.ErrReconnectRequired) {
		return domain.CollectionHandle{}, engine.Fatal(err)
	}
	if err != nil {
		return domain.CollectionHandle{}, fmt.Errorf("token: %w", err)
	}

	h, err := r.Store.EnsureHandle(ctx, acc.ID, req.Collection)
	if err != nil {
		return domain.CollectionHandle{}, fmt.Errorf("load collection handle: %w", err)
	}
	log := r.Log.With(logx.String("account", acc.ID), logx.String("collection", req.Collection))

	if h.ExternalID != "" {
		if h, err = r.markAttaching(ctx, h); err != nil {
			return h, err
		}
		err := client.Attach(ctx, acc, tok, h.ExternalID, req.ExternalPostID)
		if err == nil {
			return r.markAttached(ctx, h)
		}
		if !errors.Is(err, platform.ErrCollectionNotFound) {
			return h, fmt.Errorf("attach to %s: %w", h.ExternalID, err)
		}
		log.Info("collection id is stale; resolving by name", logx.String("stale_id", h.ExternalID))
		h.ExternalID, h.State = "", domain.HandleUnresolved
		if h, err = r.Store.UpdateHandle(ctx, h); err != nil {
			return h, fmt.Errorf("clear stale collection id: %w", err)
		}
	}

	h, err = r.resolve(ctx, client, acc, tok, h, req)
	if err != nil {
		return h, err
	}
	if h, err = r.markAttaching(ctx, h); err != nil {
		return h, err
	}
	if err := client.Attach(ctx, acc, tok, h.ExternalID, req.ExternalPostID); err != nil {
		return h, fmt.Errorf("attach to %s: %w", h.ExternalID, err)
	}
	return r.markAttached(ctx, h)
}

// resolve finds the collection by name or creates it, then stores its id.
// A concurrent resolver that stored an id first wins.
func (r *Resolver) resolve(ctx context.Context, client platform.CollectionClient, acc domain.TargetAccount, tok platform.Token, h domain.CollectionHandle, req Request) (domain.CollectionHandle, error) {
	id, found, err := client.Find(ctx, acc, tok, req.Collection)
	if err != nil {
		return h, fmt.Errorf("find collection: %w", err)
	}
	if !found {
		desc := req.Description
		if desc == "" {
			desc = req.Collection
		}
		if id, err = client.Create(ctx, acc, tok, req.Collection, desc); err != nil {
			return h, fmt.Errorf("create collection: %w", err)
		}
		r.Log.Info("collection created", logx.String("account", acc.ID), logx.String("collection", req.Collection), logx.String("id", id))
	}

	h.ExternalID, h.State, h.LastError = id, domain.HandleResolved, ""
	updated, err := r.Store.UpdateHandle(ctx, h)
	if errors.Is(err, storage.ErrConflict) && updated.ExternalID != "" {
		return updated, nil
	}
	if err != nil {
		return h, fmt.Errorf("store collection id: %w", err)
	}
	return updated, nil
}

// markAttaching records an attach in flight against the handle's id. A
// concurrent writer that kept an id wins and its id is used.
func (r *Resolver) markAttaching(ctx context.Context, h domain.CollectionHandle) (domain.CollectionHandle, error) {
	if h.State == domain.HandleAttachPending {
		return h, nil
	}
	h.State = domain.HandleAttachPending
	updated, err := r.Store.UpdateHandle(ctx, h)
	if errors.Is(err, storage.ErrConflict) && updated.ExternalID != "" {
		return updated, nil
	}
	if err != nil {
		return h, fmt.Errorf("mark collection attach pending: %w", err)
	}
	return updated, nil
}

func (r *Resolver) markAttached(ctx context.Context, h domain.CollectionHandle) (domain.CollectionHandle, error) {
	if h.State == domain.HandleAttached && h.LastError == "" {
		return h, nil
	}
	h.State, h.LastError = domain.HandleAttached, ""
	updated, err := r.Store.UpdateHandle(ctx, h)
	if errors.Is(err, storage.ErrConflict) {
		// A concurrent run rewrote the handle; the attach still stands.
		return updated, nil
	}
	return updated, err
}

// Run executes one attach attempt.
func (r *Resolver) Run(ctx context.Context, job engine.Job) error {
	var req Request
	if err := job.Decode(&req); err != nil {
		return engine.Fatal(fmt.Errorf("decode attach request: %w", err))
	}
	h, err := r.EnsureAttached(ctx, req)
	if err == nil {
		metrics.CollectionAttach("attached")
		r.Activity.Record(ctx, domain.ActivityEntry{
			PublicationID: req.PublicationID, AccountID: req.AccountID, LineageID: job.ID, Kind: KindAttach,
			Tag: domain.TagCollection, Message: "attached to " + req.Collection,
		})
		r.notify(ctx, job.ID, req, notifier.KindCollectionAttachSuccess, "")
		return nil
	}
	if engine.IsFatal(err) || job.IsLastAttempt() {
		r.fail(ctx, job.ID, req, h, err)
		return err
	}
	r.Log.Warn("collection attach failed; will retry", logx.String("account", req.AccountID), logx.Int("attempt", job.Attempt), logx.Err(err))
	return err
}

// fail marks the handle failed and tells the owner.
func (r *Resolver) fail(ctx context.Context, lineage string, req Request, h domain.CollectionHandle, cause error) {
	metrics.CollectionAttach("failed")
	r.Log.Warn("collection attach gave up", logx.String("account", req.AccountID), logx.String("collection", req.Collection), logx.Err(cause))
	if h.ID != "" {
		if cur, err := r.Store.EnsureHandle(ctx, h.AccountID, h.Name); err == nil {
			h = cur
		}
		h.State, h.LastError = domain.HandleFailed, cause.Error()
		if _, err := r.Store.UpdateHandle(ctx, h); err != nil {
			r.Log.Debug("mark collection handle failed", logx.Err(err))
		}
	}
	r.Activity.Record(ctx, domain.ActivityEntry{
		PublicationID: req.PublicationID, AccountID: req.AccountID, LineageID: lineage, Kind: KindAttach,
		Tag: domain.TagCollection, Message: cause.Error(),
	})
	r.notify(ctx, lineage, req, notifier.KindCollectionAttachFailure, cause.Error())
}

// notify reaches the owner only when the publication still exists.
func (r *Resolver) notify(ctx context.Context, lineage string, req Request, kind notifier.Kind, reason string) {
	if r.Notify == nil {
		return
	}
	pub, err := r.Store.GetPublication(ctx, req.PublicationID)
	if err != nil || pub.OwnerID == "" {
		return
	}
	first, err := r.Store.MarkNotified(ctx, lineage, kind.Class())
	if err != nil || !first {
		return
	}
	name := req.AccountID
	if acc, err := r.Store.GetAccount(ctx, req.AccountID); err == nil {
		name = acc.DisplayName()
	}
	p := notifier.Payload{PublicationID: pub.ID, Title: pub.Title, Account: name, Collection: req.Collection, Reason: reason}
	if err := r.Notify.Notify(ctx, []string{pub.OwnerID}, kind, p); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		r.Log.Warn("notify owner failed", logx.String("publication", pub.ID), logx.Err(err))
	}
}

func (r *Resolver) OnCrash(ctx context.Context, job engine.Job, cause error, final bool) {
	if !final {
		return
	}
	var req Request
	if err := job.Decode(&req); err != nil {
		return
	}
	h, _ := r.Store.EnsureHandle(ctx, req.AccountID, req.Collection)
	r.fail(ctx, job.ID, req, h, cause)
}
