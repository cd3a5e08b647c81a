package domain

import "time"

type PublicationStatus string

const (
	StatusDraft               PublicationStatus = "draft"
	StatusPendingReview       PublicationStatus = "pending_review"
	StatusApproved            PublicationStatus = "approved"
	StatusScheduled           PublicationStatus = "scheduled"
	StatusPublishing          PublicationStatus = "publishing"
	StatusPublished           PublicationStatus = "published"
	StatusPublishedWithErrors PublicationStatus = "published_with_errors"
	StatusFailed              PublicationStatus = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s PublicationStatus) Terminal() bool {
	switch s {
	case StatusPublished, StatusPublishedWithErrors, StatusFailed:
		return true
	}
	return false
}

func (s PublicationStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusApproved, StatusScheduled,
		StatusPublishing, StatusPublished, StatusPublishedWithErrors, StatusFailed:
		return true
	}
	return false
}

// Dispatchable lists the statuses a publication may enter publishing from.
// Terminal statuses are deliberately absent.
var Dispatchable = []PublicationStatus{StatusApproved, StatusScheduled, StatusPublishing}

// Publication is one content item distributed to several accounts.
type Publication struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	OwnerID     string            `json:"owner_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body,omitempty"`
	MediaRef    string            `json:"media_ref,omitempty"`
	Status      PublicationStatus `json:"status"`

	// Collection names the external collection published posts are attached
	// to. Empty means no attachment.
	Collection            string `json:"collection,omitempty"`
	CollectionDescription string `json:"collection_description,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// TargetAccount is one destination identity on one platform.
type TargetAccount struct {
	ID                  string    `json:"id"`
	WorkspaceID         string    `json:"workspace_id"`
	Platform            string    `json:"platform"`
	Handle              string    `json:"handle"`
	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Version             int64     `json:"version"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DisplayName is the human readable identifier used in notifications.
func (a TargetAccount) DisplayName() string {
	if a.Handle == "" {
		return a.Platform + ":" + a.ID
	}
	return a.Platform + ":" + a.Handle
}
