// Package activity records the operator-facing activity log.
package activity

import (
	"context"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// Recorder appends activity entries. Recording is best-effort and never
// fails the caller.
type Recorder interface {
	Record(ctx context.Context, e domain.ActivityEntry)
}

// StoreRecorder writes to the primary store.
type StoreRecorder struct {
	Store storage.ActivityStore
	Log   logx.Logger
}

func (r StoreRecorder) Record(ctx context.Context, e domain.ActivityEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := r.Store.AppendActivity(context.WithoutCancel(ctx), e); err != nil {
		r.Log.Warn("activity append failed", logx.String("tag", e.Tag), logx.String("publication", e.PublicationID), logx.Err(err))
	}
}

// Multi fans an entry out to every recorder.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e domain.ActivityEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, r := range m {
		if r != nil {
			r.Record(ctx, e)
		}
	}
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, domain.ActivityEntry) {}
