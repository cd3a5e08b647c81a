// Package publication owns the compare-and-set status transitions of a
// publication and the finalization rule shared by dispatch and verification.
package publication

import (
	"context"
	"errors"
	"fmt"

	"crosspost/internal/domain"
	"crosspost/internal/eventbus"
	"crosspost/internal/metrics"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

type Store interface {
	storage.PublicationStore
	storage.LogStore
	storage.VerificationStore
	storage.LineageStore
	GetJob(ctx context.Context, id string) (storage.JobRecord, error)
}

type Lifecycle struct {
	store  Store
	events eventbus.EventSink
	log    logx.Logger
}

func New(store Store, events eventbus.EventSink, log logx.Logger) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{store: store, events: events, log: log}
}

// Transition moves pub to `to` if its stored status is one of from. The
// status-changed event is emitted only when the row changed.
func (l *Lifecycle) Transition(ctx context.Context, pub domain.Publication, from []domain.PublicationStatus, to domain.PublicationStatus) (bool, error) {
	changed, err := l.store.TransitionPublication(ctx, pub.ID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition publication %s to %s: %w", pub.ID, to, err)
	}
	if !changed {
		return false, nil
	}
	l.log.Info("publication status changed", logx.String("publication", pub.ID), logx.String("status", string(to)))
	if to.Terminal() {
		metrics.PublicationFinal(string(to))
	}
	if l.events != nil {
		l.events.PublicationStatusChanged(ctx, pub.OwnerID, pub.ID, to)
	}
	return true, nil
}

// Pending counts verifications of the publication still awaiting a verdict.
func (l *Lifecycle) Pending(ctx context.Context, publicationID string) (int, error) {
	recs, err := l.store.ListVerifications(ctx, publicationID)
	if err != nil {
		return 0, fmt.Errorf("list verifications: %w", err)
	}
	n := 0
	for _, r := range recs {
		if r.State == domain.VerifyAwaiting {
			n++
		}
	}
	return n, nil
}

// OpenLineage marks the dispatch job as able to publish for the publication
// until it ends.
func (l *Lifecycle) OpenLineage(ctx context.Context, publicationID, jobID string) error {
	if err := l.store.OpenLineage(ctx, publicationID, jobID); err != nil {
		return fmt.Errorf("open lineage %s: %w", jobID, err)
	}
	return nil
}

func (l *Lifecycle) CloseLineage(ctx context.Context, publicationID, jobID string) error {
	if err := l.store.CloseLineage(ctx, publicationID, jobID); err != nil {
		return fmt.Errorf("close lineage %s: %w", jobID, err)
	}
	return nil
}

// Dispatching counts open lineages of the publication, other than except,
// whose job is still queued or running. Lineages whose job ended without
// closing them are closed here.
func (l *Lifecycle) Dispatching(ctx context.Context, publicationID, except string) (int, error) {
	ids, err := l.store.OpenLineages(ctx, publicationID)
	if err != nil {
		return 0, fmt.Errorf("list lineages: %w", err)
	}
	n := 0
	for _, id := range ids {
		if id == except {
			continue
		}
		job, err := l.store.GetJob(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("load lineage job %s: %w", id, err)
		}
		if err == nil && job.State.Active() {
			n++
			continue
		}
		if err := l.CloseLineage(ctx, publicationID, id); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Outcome derives the terminal status from the publish log: published when
// every entry is published, failed when none is, published_with_errors
// otherwise.
func Outcome(entries []domain.PublishLogEntry) domain.PublicationStatus {
	published := 0
	for _, e := range entries {
		if e.Status == domain.EntryPublished {
			published++
		}
	}
	switch {
	case published == 0:
		return domain.StatusFailed
	case published == len(entries):
		return domain.StatusPublished
	default:
		return domain.StatusPublishedWithErrors
	}
}

// Finalize settles a publishing publication once no verification is
// awaiting and no dispatch lineage can still publish. It returns the status
// written, or "" when nothing changed.
func (l *Lifecycle) Finalize(ctx context.Context, pub domain.Publication) (domain.PublicationStatus, error) {
	pending, err := l.Pending(ctx, pub.ID)
	if err != nil {
		return "", err
	}
	if pending > 0 {
		l.log.Debug("publication still awaiting verification", logx.String("publication", pub.ID), logx.Int("pending", pending))
		return "", nil
	}
	dispatching, err := l.Dispatching(ctx, pub.ID, "")
	if err != nil {
		return "", err
	}
	if dispatching > 0 {
		l.log.Debug("publication still dispatching", logx.String("publication", pub.ID), logx.Int("lineages", dispatching))
		return "", nil
	}
	entries, err := l.store.ListLogEntries(ctx, pub.ID)
	if err != nil {
		return "", fmt.Errorf("list log entries: %w", err)
	}
	to := Outcome(entries)
	changed, err := l.Transition(ctx, pub, []domain.PublicationStatus{domain.StatusPublishing}, to)
	if err != nil || !changed {
		return "", err
	}
	return to, nil
}
