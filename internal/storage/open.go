package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/domain"
	logx "crosspost/pkg/logx"
)

type PublicationStore interface {
	GetPublication(ctx context.Context, id string) (domain.Publication, error)
	SavePublication(ctx context.Context, p domain.Publication) error
	// TransitionPublication moves the status to `to` only if the current status
	// is one of `from`. It reports whether the row changed.
	TransitionPublication(ctx context.Context, id string, from []domain.PublicationStatus, to domain.PublicationStatus) (bool, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (domain.TargetAccount, error)
	SaveAccount(ctx context.Context, a domain.TargetAccount) error
	// CompareAndSwapAccount writes Active and ConsecutiveFailures if the stored
	// version equals a.Version and returns the row with the bumped version.
	CompareAndSwapAccount(ctx context.Context, a domain.TargetAccount) (domain.TargetAccount, error)
}

type LogStore interface {
	GetLogEntry(ctx context.Context, publicationID, accountID string) (domain.PublishLogEntry, error)
	GetLogEntryByID(ctx context.Context, id string) (domain.PublishLogEntry, error)
	ListLogEntries(ctx context.Context, publicationID string) ([]domain.PublishLogEntry, error)
	// RecordLogEntry inserts or updates the (publication, account) entry. A
	// published entry is never overwritten; the stored row is returned instead.
	RecordLogEntry(ctx context.Context, e domain.PublishLogEntry) (domain.PublishLogEntry, error)
	TransitionLogEntry(ctx context.Context, id string, from, to domain.EntryStatus, errMsg string) (bool, error)
}

type VerificationStore interface {
	// CreateVerification is insert-if-absent on (log entry, external post id).
	CreateVerification(ctx context.Context, v domain.VerificationRecord) (domain.VerificationRecord, error)
	GetVerification(ctx context.Context, id string) (domain.VerificationRecord, error)
	ListVerifications(ctx context.Context, publicationID string) ([]domain.VerificationRecord, error)
	TransitionVerification(ctx context.Context, id string, from, to domain.VerificationState, reason string, remediated bool) (bool, error)
}

type CollectionStore interface {
	// EnsureHandle returns the (account, name) handle, creating it unresolved.
	EnsureHandle(ctx context.Context, accountID, name string) (domain.CollectionHandle, error)
	// UpdateHandle writes h if the stored version equals h.Version.
	UpdateHandle(ctx context.Context, h domain.CollectionHandle) (domain.CollectionHandle, error)
}

type ScheduleStore interface {
	SaveScheduleEntry(ctx context.Context, e domain.ScheduleEntry) error
	DueScheduleEntries(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error)
	ListScheduleEntries(ctx context.Context, publicationID string) ([]domain.ScheduleEntry, error)
	// TransitionScheduleEntries returns the ids that actually moved.
	TransitionScheduleEntries(ctx context.Context, ids []string, from, to domain.ScheduleStatus) ([]string, error)
	CancelBatchSchedules(ctx context.Context, batchID string) (int, error)
}

type NotificationLedger interface {
	// MarkNotified reports true exactly once per (lineage, class).
	MarkNotified(ctx context.Context, lineageID string, class domain.NotificationClass) (bool, error)
}

type ActivityStore interface {
	AppendActivity(ctx context.Context, e domain.ActivityEntry) error
	ListActivity(ctx context.Context, publicationID string, limit int) ([]domain.ActivityEntry, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type JobStore interface {
	// EnqueueJob inserts j unless a job with the same key is active or
	// finished within dedupWindow; that job is returned with created=false.
	EnqueueJob(ctx context.Context, j JobRecord, dedupWindow time.Duration) (JobRecord, bool, error)
	// ClaimJobs leases due queued jobs (queued -> running).
	ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]JobRecord, error)
	// ReclaimExpiredJobs re-leases running jobs whose lease ran out.
	ReclaimExpiredJobs(ctx context.Context, now time.Time, lease time.Duration) ([]JobRecord, error)
	// RescheduleJob puts a running job back in the queue at j.RunAt.
	RescheduleJob(ctx context.Context, j JobRecord) error
	// FinishJob stores a terminal state (done or discarded).
	FinishJob(ctx context.Context, j JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	CancelGroup(ctx context.Context, group string) error
	GroupCancelled(ctx context.Context, group string) (bool, error)
}

// LineageStore records which dispatch jobs may still publish for a
// publication. A lineage stays open until its job reaches a terminal state.
type LineageStore interface {
	// OpenLineage is idempotent.
	OpenLineage(ctx context.Context, publicationID, jobID string) error
	CloseLineage(ctx context.Context, publicationID, jobID string) error
	OpenLineages(ctx context.Context, publicationID string) ([]string, error)
}

// Store is the persistence API used by the pipeline.
type Store interface {
	PublicationStore
	AccountStore
	LogStore
	VerificationStore
	CollectionStore
	ScheduleStore
	NotificationLedger
	ActivityStore
	DedupStore
	JobStore
	LineageStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
