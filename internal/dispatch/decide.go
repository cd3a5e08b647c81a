package dispatch

import (
	"crosspost/internal/domain"
	"crosspost/internal/notifier"
)

// Tally aggregates the per-account results of one attempt.
type Tally struct {
	Succeeded int
	// Retryable failures may succeed on another attempt.
	Retryable int
	// Permanent failures will not: reconnect required, content rejected,
	// unknown platform.
	Permanent int
}

func (t Tally) AllSuccess() bool  { return t.Succeeded > 0 && t.Retryable == 0 && t.Permanent == 0 }
func (t Tally) AnySuccess() bool  { return t.Succeeded > 0 }
func (t Tally) NoneSuccess() bool { return t.Succeeded == 0 }

// Decision is what an attempt's outcome means for the lineage.
type Decision struct {
	// Retry re-queues the whole unit; the skip guard protects delivered accounts.
	Retry bool
	// Status is the terminal publication status; empty while the lineage continues.
	Status domain.PublicationStatus
	// Notify is the one terminal notification of the lineage.
	Notify notifier.Kind
}

// Decide applies the partial-success policy. Permanent failures never
// justify a retry on their own.
func Decide(t Tally, lastAttempt bool) Decision {
	switch {
	case t.AllSuccess():
		return Decision{Status: domain.StatusPublished, Notify: notifier.KindDispatchSuccess}
	case t.Retryable > 0 && !lastAttempt:
		return Decision{Retry: true}
	case t.AnySuccess():
		return Decision{Status: domain.StatusPublishedWithErrors, Notify: notifier.KindDispatchSuccess}
	default:
		return Decision{Status: domain.StatusFailed, Notify: notifier.KindDispatchFailure}
	}
}
