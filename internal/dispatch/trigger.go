package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/metrics"
	"crosspost/internal/publication"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	logx "crosspost/pkg/logx"
)

type TriggerStore interface {
	storage.PublicationStore
	storage.AccountStore
	storage.ScheduleStore
}

type TriggerConfig struct {
	// Every is the sweep schedule, e.g. "@every 30s".
	Every     string
	BatchSize int
}

func (c TriggerConfig) withDefaults() TriggerConfig {
	if c.Every == "" {
		c.Every = "@every 30s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// Trigger hands due schedule rows over to the orchestrator.
type Trigger struct {
	mu        sync.Mutex
	cfg       TriggerConfig
	store     TriggerStore
	lifecycle *publication.Lifecycle
	enq       Enqueuer
	log       logx.Logger
	now       func() time.Time
}

func NewTrigger(cfg TriggerConfig, store TriggerStore, lc *publication.Lifecycle, enq Enqueuer, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{cfg: cfg.withDefaults(), store: store, lifecycle: lc, enq: enq, log: log, now: time.Now}
}

func (t *Trigger) Schedule() string { return t.config().Every }

// Apply swaps the config and reports whether the cadence changed, in which
// case the caller re-registers Sweep.
func (t *Trigger) Apply(cfg TriggerConfig) bool {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := cfg.Every != t.cfg.Every
	t.cfg = cfg
	return changed
}

func (t *Trigger) config() TriggerConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

type scheduleGroup struct {
	publicationID string
	batchID       string
	options       domain.DispatchOptions
	rows          []domain.ScheduleEntry
}

// Sweep claims every due row and dispatches one request per
// (publication, batch, options) group. Group failures don't stop the sweep.
func (t *Trigger) Sweep(ctx context.Context) error {
	due, err := t.store.DueScheduleEntries(ctx, t.now(), t.config().BatchSize)
	if err != nil {
		return fmt.Errorf("load due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var groups []*scheduleGroup
	index := map[string]*scheduleGroup{}
	for _, row := range due {
		k := fmt.Sprintf("%s\x00%s\x00%t\x00%s", row.PublicationID, row.BatchID, row.Options.Subtitles, row.Options.Language)
		g := index[k]
		if g == nil {
			g = &scheduleGroup{publicationID: row.PublicationID, batchID: row.BatchID, options: row.Options}
			index[k] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}

	var errs []error
	for _, g := range groups {
		if err := t.dispatchGroup(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Trigger) dispatchGroup(ctx context.Context, g *scheduleGroup) error {
	ids := make([]string, 0, len(g.rows))
	for _, r := range g.rows {
		ids = append(ids, r.ID)
	}
	claimed, err := t.store.TransitionScheduleEntries(ctx, ids, domain.SchedulePending, domain.SchedulePosted)
	if err != nil {
		return fmt.Errorf("claim schedules of %s: %w", g.publicationID, err)
	}
	if len(claimed) == 0 {
		// Another sweeper took them.
		return nil
	}
	metrics.TriggerClaimed(len(claimed))
	log := t.log.With(logx.String("publication", g.publicationID), logx.String("batch", g.batchID), logx.Int("rows", len(claimed)))

	accountIDs := make([]string, 0, len(claimed))
	for _, r := range g.rows {
		if slices.Contains(claimed, r.ID) {
			accountIDs = append(accountIDs, r.AccountID)
		}
	}

	pub, err := t.store.GetPublication(ctx, g.publicationID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("scheduled publication vanished")
		return t.fail(ctx, claimed, nil)
	}
	if err != nil {
		t.release(ctx, claimed, log)
		return fmt.Errorf("load publication %s: %w", g.publicationID, err)
	}
	if !slices.Contains(domain.Dispatchable, pub.Status) {
		log.Warn("scheduled publication is not dispatchable", logx.String("status", string(pub.Status)))
		return t.fail(ctx, claimed, nil)
	}

	active, err := t.hasActiveAccount(ctx, accountIDs)
	if err != nil {
		t.release(ctx, claimed, log)
		return err
	}
	if !active {
		log.Warn("no active target account for scheduled publication")
		return t.fail(ctx, claimed, &pub)
	}

	entered, err := t.lifecycle.Transition(ctx, pub, []domain.PublicationStatus{domain.StatusApproved, domain.StatusScheduled}, domain.StatusPublishing)
	if err != nil {
		t.release(ctx, claimed, log)
		return err
	}

	req := domain.NewDispatchRequest(pub.ID, accountIDs, g.options, g.batchID)
	rec, created, err := Submit(ctx, t.enq, req)
	if err == nil && !created && !rec.State.Active() {
		log.Info("identical dispatch ended recently; starting a new lineage", logx.String("ended_job", rec.ID), logx.String("state", string(rec.State)))
		rec, created, err = submitFresh(ctx, t.enq, req, claimed)
	}
	if err == nil && !rec.State.Active() {
		err = fmt.Errorf("lineage %s is already %s", rec.ID, rec.State)
	}
	if err != nil {
		t.release(ctx, claimed, log)
		if entered {
			t.revert(ctx, pub, log)
		}
		return fmt.Errorf("enqueue dispatch of %s: %w", pub.ID, err)
	}
	if err := t.lifecycle.OpenLineage(ctx, pub.ID, rec.ID); err != nil {
		// Run opens it again before publishing.
		log.Warn("open dispatch lineage failed", logx.String("job", rec.ID), logx.Err(err))
	}
	log.Info("dispatch enqueued", logx.String("job", rec.ID), logx.Bool("created", created))
	return nil
}

// submitFresh enqueues req under a key salted with the claimed row ids, so
// it cannot join the ended lineage of an identical earlier request.
func submitFresh(ctx context.Context, e Enqueuer, req domain.DispatchRequest, claimed []string) (storage.JobRecord, bool, error) {
	rows := slices.Clone(claimed)
	slices.Sort(rows)
	key := req.Identity() + "#rows:" + strings.Join(rows, ",")
	return e.Enqueue(ctx, KindDispatch, req, engine.WithKey(key), engine.WithGroup(req.BatchID))
}

// revert puts a publication the sweep moved to publishing back to its
// previous status when no lineage took it over.
func (t *Trigger) revert(ctx context.Context, pub domain.Publication, log logx.Logger) {
	if _, err := t.lifecycle.Transition(context.WithoutCancel(ctx), pub, []domain.PublicationStatus{domain.StatusPublishing}, pub.Status); err != nil {
		log.Error("revert publication status failed", logx.Err(err))
	}
}

func (t *Trigger) hasActiveAccount(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		acc, err := t.store.GetAccount(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load account %s: %w", id, err)
		}
		if acc.Active {
			return true, nil
		}
	}
	return false, nil
}

// fail marks claimed rows failed and, when given, the publication too.
// A missing aggregate is permanent, so nothing is returned for retry.
func (t *Trigger) fail(ctx context.Context, claimed []string, pub *domain.Publication) error {
	if _, err := t.store.TransitionScheduleEntries(ctx, claimed, domain.SchedulePosted, domain.ScheduleFailed); err != nil {
		return fmt.Errorf("fail schedules: %w", err)
	}
	if pub != nil {
		if _, err := t.lifecycle.Transition(ctx, *pub, domain.Dispatchable, domain.StatusFailed); err != nil {
			return err
		}
	}
	return nil
}

// release hands claimed rows back so the next sweep retries them.
func (t *Trigger) release(ctx context.Context, claimed []string, log logx.Logger) {
	if _, err := t.store.TransitionScheduleEntries(context.WithoutCancel(ctx), claimed, domain.SchedulePosted, domain.SchedulePending); err != nil {
		log.Error("release claimed schedules failed", logx.Err(err))
	}
}
