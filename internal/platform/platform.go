// Package platform holds the contracts of the per-platform collaborators the
// pipeline consumes (credentials, publishing, collections) plus the
// skip guard, call pacing and a generic webhook client.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/domain"
)

var (
	// ErrReconnectRequired means the account's credential cannot be used
	// until the user reconnects it.
	ErrReconnectRequired = errors.New("reconnect required")
	// ErrCollectionNotFound is returned by CollectionClient.Attach when the
	// collection id is stale.
	ErrCollectionNotFound = errors.New("collection not found")
	ErrUnknownPlatform    = errors.New("unknown platform")
)

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type TokenProvider interface {
	Token(ctx context.Context, account domain.TargetAccount) (Token, error)
}

// Post is the normalized content sent to a platform.
type Post struct {
	PublicationID string                 `json:"publication_id"`
	Title         string                 `json:"title"`
	Body          string                 `json:"body,omitempty"`
	MediaRef      string                 `json:"media_ref,omitempty"`
	Options       domain.DispatchOptions `json:"options"`
}

func NormalizePost(p domain.Publication, opts domain.DispatchOptions) Post {
	return Post{PublicationID: p.ID, Title: p.Title, Body: p.Body, MediaRef: p.MediaRef, Options: opts}
}

// Result is the per-account outcome of Publish.
type Result struct {
	Success        bool
	ExternalPostID string
	Error          string
	// Skipped is set when the skip rule found the account already delivered.
	Skipped bool
	// NeedsVerification means the platform accepted the upload but decides
	// asynchronously; the post must be polled with CheckStatus.
	NeedsVerification bool
}

type RemoteState string

const (
	RemoteProcessing RemoteState = "processing"
	RemoteProcessed  RemoteState = "processed"
	RemoteRejected   RemoteState = "rejected"
	RemoteFailed     RemoteState = "failed"
)

// StatusReport is the platform's view of one external post. Exists=false
// means the post vanished.
type StatusReport struct {
	Exists bool
	State  RemoteState
	Reason string
}

type Publisher interface {
	Publish(ctx context.Context, account domain.TargetAccount, token Token, post Post) (Result, error)
	Delete(ctx context.Context, account domain.TargetAccount, token Token, externalID string) (bool, error)
	CheckStatus(ctx context.Context, account domain.TargetAccount, token Token, externalID string) (StatusReport, error)
}

type CollectionClient interface {
	Find(ctx context.Context, account domain.TargetAccount, token Token, name string) (id string, found bool, err error)
	Create(ctx context.Context, account domain.TargetAccount, token Token, name, description string) (string, error)
	Attach(ctx context.Context, account domain.TargetAccount, token Token, collectionID, externalPostID string) error
}

// StatusError is a non-2xx platform answer. It carries the Retry-After hint
// the job engine honors.
type StatusError struct {
	Op     string
	Code   int
	Body   string
	After  time.Duration
	Detail string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: platform answered %d", e.Op, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StatusError) RetryAfter() time.Duration { return e.After }
