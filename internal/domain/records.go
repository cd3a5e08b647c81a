package domain

import "time"

type EntryStatus string

const (
	EntryPending           EntryStatus = "pending"
	EntryPublished         EntryStatus = "published"
	EntryFailed            EntryStatus = "failed"
	EntryRemovedOnPlatform EntryStatus = "removed_on_platform"
)

func (s EntryStatus) Terminal() bool { return s != EntryPending }

// PublishLogEntry is the durable outcome of one (publication, account) pair.
// There is at most one entry per pair.
type PublishLogEntry struct {
	ID             string      `json:"id"`
	PublicationID  string      `json:"publication_id"`
	AccountID      string      `json:"account_id"`
	Status         EntryStatus `json:"status"`
	ExternalPostID string      `json:"external_post_id,omitempty"`
	Error          string      `json:"error,omitempty"`
	// LineageID is the job that last wrote the entry.
	LineageID   string    `json:"lineage_id,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type VerificationState string

const (
	VerifyAwaiting  VerificationState = "awaiting"
	VerifyProcessed VerificationState = "processed"
	VerifyRejected  VerificationState = "rejected"
	VerifyFailed    VerificationState = "failed"
	VerifyDeleted   VerificationState = "deleted"
)

func (s VerificationState) Terminal() bool { return s != VerifyAwaiting }

// VerificationRecord tracks async acceptance of one externally accepted post.
type VerificationRecord struct {
	ID             string            `json:"id"`
	LogEntryID     string            `json:"log_entry_id"`
	PublicationID  string            `json:"publication_id"`
	AccountID      string            `json:"account_id"`
	ExternalPostID string            `json:"external_post_id"`
	State          VerificationState `json:"state"`
	Reason         string            `json:"reason,omitempty"`
	Remediated     bool              `json:"remediated"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type HandleState string

const (
	HandleUnresolved    HandleState = "unresolved"
	HandleResolved      HandleState = "resolved"
	HandleAttachPending HandleState = "attach_pending"
	HandleAttached      HandleState = "attached"
	HandleFailed        HandleState = "failed"
)

// CollectionHandle is a named external collection on one account. ExternalID
// may go stale when the collection is removed on the platform.
type CollectionHandle struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Name       string      `json:"name"`
	ExternalID string      `json:"external_id,omitempty"`
	State      HandleState `json:"state"`
	LastError  string      `json:"last_error,omitempty"`
	Version    int64       `json:"version"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	SchedulePosted    ScheduleStatus = "posted"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// ScheduleEntry is one pre-scheduled per-account post intent. Posted means
// handed off to the orchestrator, not delivered.
type ScheduleEntry struct {
	ID            string          `json:"id"`
	PublicationID string          `json:"publication_id"`
	AccountID     string          `json:"account_id"`
	BatchID       string          `json:"batch_id,omitempty"`
	DueAt         time.Time       `json:"due_at"`
	Status        ScheduleStatus  `json:"status"`
	Options       DispatchOptions `json:"options"`
}

// Activity tags.
const (
	TagPublished         = "published"
	TagSkipped           = "skipped"
	TagFailed            = "failed"
	TagReconnectRequired = "reconnect_required"
	TagCrashed           = "crashed"
	TagDeferred          = "deferred"
	TagVerification      = "verification"
	TagCollection        = "collection"
	TagDeactivated       = "deactivated"
)

// ActivityEntry is an operator-facing line of the activity log.
type ActivityEntry struct {
	At            time.Time `json:"at" bson:"at"`
	PublicationID string    `json:"publication_id,omitempty" bson:"publication_id,omitempty"`
	AccountID     string    `json:"account_id,omitempty" bson:"account_id,omitempty"`
	LineageID     string    `json:"lineage_id,omitempty" bson:"lineage_id,omitempty"`
	Kind          string    `json:"kind" bson:"kind"`
	Tag           string    `json:"tag" bson:"tag"`
	Message       string    `json:"message,omitempty" bson:"message,omitempty"`
}

// NotificationClass groups notification kinds for the once-per-lineage rule.
type NotificationClass string

const (
	ClassSuccess NotificationClass = "success"
	ClassFailure NotificationClass = "failure"
)
