package eventbus

import (
	"context"
	"time"

	"crosspost/internal/domain"
)

const TypeStatusChanged = "publication.status_changed"

// StatusChanged is the payload of TypeStatusChanged.
type StatusChanged struct {
	UserID        string                   `json:"user_id"`
	WorkspaceID   string                   `json:"workspace_id,omitempty"`
	PublicationID string                   `json:"publication_id"`
	Status        domain.PublicationStatus `json:"status"`
	At            time.Time                `json:"at"`
}

// EventSink receives publication status changes. Implementations must not
// block the caller.
type EventSink interface {
	PublicationStatusChanged(ctx context.Context, userID, publicationID string, status domain.PublicationStatus)
}

// BusSink adapts a Bus to EventSink.
type BusSink struct {
	Bus Bus
}

func (s BusSink) PublicationStatusChanged(_ context.Context, userID, publicationID string, status domain.PublicationStatus) {
	if s.Bus == nil {
		return
	}
	now := time.Now()
	s.Bus.Publish(Event{
		Type: TypeStatusChanged,
		Time: now,
		Data: StatusChanged{UserID: userID, PublicationID: publicationID, Status: status, At: now},
	})
}
