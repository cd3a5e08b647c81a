package notifier

import (
	"context"
	"time"

	"crosspost/internal/domain"
)

// Kind identifies a notification template.
type Kind string

const (
	KindDispatchSuccess         Kind = "dispatch_success"
	KindDispatchFailure         Kind = "dispatch_failure"
	KindVerificationFailure     Kind = "verification_failure"
	KindCollectionAttachSuccess Kind = "collection_attach_success"
	KindCollectionAttachFailure Kind = "collection_attach_failure"
	KindReconnectRequired       Kind = "reconnect_required"
	KindAccountDeactivated      Kind = "account_deactivated"
)

// Class maps the kind onto the once-per-lineage ledger classes.
func (k Kind) Class() domain.NotificationClass {
	switch k {
	case KindDispatchSuccess, KindCollectionAttachSuccess:
		return domain.ClassSuccess
	}
	return domain.ClassFailure
}

// Reason codes rendered as localized sentences instead of raw text.
const (
	ReasonNoActiveAccounts     = "no_active_accounts"
	ReasonPublicationMissing   = "publication_missing"
	ReasonVerificationTimedOut = "verification_timed_out"
)

// Payload carries the template data of every kind. Unused fields stay empty.
type Payload struct {
	PublicationID string   `json:"publication_id,omitempty"`
	Title         string   `json:"title,omitempty"`
	Accounts      []string `json:"accounts,omitempty"`
	Failed        []string `json:"failed,omitempty"`
	// Reason is a reason code or a raw collaborator error; raw text is
	// sanitized before rendering.
	Reason     string `json:"reason,omitempty"`
	Remediated bool   `json:"remediated,omitempty"`
	Vanished   bool   `json:"vanished,omitempty"`
	Account    string `json:"account,omitempty"`
	Collection string `json:"collection,omitempty"`
	Count      int    `json:"count,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Sink is the fire-and-forget notification entry point used by the pipeline.
type Sink interface {
	Notify(ctx context.Context, recipients []string, kind Kind, p Payload) error
}

// Channel delivers rendered text to one recipient (an owner id). Channels
// return ErrNoRoute when they have no address for the recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// Language is used when the payload names none.
	Language string
}

type HistoryItem struct {
	At        time.Time
	Channel   string
	Recipient string
	Kind      Kind
	Text      string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
