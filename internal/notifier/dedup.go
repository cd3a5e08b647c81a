package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

const (
	dedupLookupTimeout  = 25 * time.Millisecond
	dedupPersistTimeout = 250 * time.Millisecond
)

func dedupKey(channel, recipient string, kind Kind, text string) string {
	h := fnv.New64a()
	for _, part := range []string{channel, recipient, string(kind), text} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// suppressor remembers delivered keys until their window ends. The store,
// when set, carries windows across restarts; lookups in it are best effort.
type suppressor struct {
	store storage.DedupStore
	log   logx.Logger

	mu    sync.Mutex
	until map[string]time.Time
}

func newSuppressor(store storage.DedupStore, log logx.Logger) *suppressor {
	return &suppressor{store: store, log: log, until: map[string]time.Time{}}
}

// allow reports whether key may go out now and, if so, opens its window.
func (d *suppressor) allow(ctx context.Context, key string, window time.Duration, persisted bool, maxEntries int) bool {
	now := time.Now()
	d.mu.Lock()
	blocked := now.Before(d.until[key])
	d.mu.Unlock()
	if blocked {
		return false
	}

	if persisted && d.store != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := d.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.mu.Lock()
			d.until[key] = until
			d.mu.Unlock()
			return false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.until[key] = now.Add(window)
	d.pruneLocked(now, maxEntries)
	return true
}

// pruneLocked drops expired keys, then the soonest-expiring ones over max.
func (d *suppressor) pruneLocked(now time.Time, maxEntries int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for len(d.until) > maxEntries {
		var oldest string
		for k, u := range d.until {
			if oldest == "" || u.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
}

// persist writes the window of a delivered key.
func (d *suppressor) persist(ctx context.Context, key string, until time.Time) {
	if d.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, dedupPersistTimeout)
	defer cancel()
	if err := d.store.PutDedup(pctx, key, until); err != nil {
		d.log.Debug("dedup window not persisted", logx.Err(err))
	}
}
