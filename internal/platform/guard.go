package platform

import (
	"context"
	"errors"
	"fmt"

	"crosspost/internal/domain"
	"crosspost/internal/storage"
)

// DeliveryLog is the read side of the publish log.
type DeliveryLog interface {
	GetLogEntry(ctx context.Context, publicationID, accountID string) (domain.PublishLogEntry, error)
}

// AlreadyDelivered reports whether the account must not be posted to again:
// its entry is published, or pending with an external id awaiting
// verification. The entry is returned when one exists.
func AlreadyDelivered(ctx context.Context, log DeliveryLog, publicationID, accountID string) (domain.PublishLogEntry, bool, error) {
	e, err := log.GetLogEntry(ctx, publicationID, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.PublishLogEntry{}, false, nil
	}
	if err != nil {
		return domain.PublishLogEntry{}, false, fmt.Errorf("load log entry: %w", err)
	}
	switch {
	case e.Status == domain.EntryPublished:
		return e, true, nil
	case e.Status == domain.EntryPending && e.ExternalPostID != "":
		return e, true, nil
	}
	return e, false, nil
}

// SkipGuard is a Publisher that applies the skip rule before delegating, so
// a whole-unit retry never posts twice to a delivered account.
type SkipGuard struct {
	Publisher
	Log DeliveryLog
}

// Check applies the skip rule alone. ok reports that the account is already
// delivered; res is then the skipped result.
func (g SkipGuard) Check(ctx context.Context, publicationID, accountID string) (res Result, ok bool, err error) {
	e, done, err := AlreadyDelivered(ctx, g.Log, publicationID, accountID)
	if err != nil || !done {
		return Result{}, false, err
	}
	return Result{
		Success:           true,
		Skipped:           true,
		ExternalPostID:    e.ExternalPostID,
		NeedsVerification: e.Status == domain.EntryPending,
	}, true, nil
}

func (g SkipGuard) Publish(ctx context.Context, account domain.TargetAccount, token Token, post Post) (Result, error) {
	res, done, err := g.Check(ctx, post.PublicationID, account.ID)
	if err != nil {
		return Result{}, err
	}
	if done {
		return res, nil
	}
	return g.Publisher.Publish(ctx, account, token, post)
}
