package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore. Tokens are pre-filled up to limit.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// ConcurrencyGroups caps concurrent executions per key without blocking:
// TryAcquire either grants a slot or reports that the group is full, and the
// caller decides what to do (the dispatch gate defers the job).
type ConcurrencyGroups struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func NewConcurrencyGroups() *ConcurrencyGroups {
	return &ConcurrencyGroups{groups: map[string]*groupSemaphore{}}
}

// TryAcquire takes a slot of key limited to limit. limit <= 0 means
// unlimited. A changed limit replaces the semaphore for new acquisitions;
// holders of the old one release into it harmlessly.
func (c *ConcurrencyGroups) TryAcquire(key string, limit int) (release func(), ok bool) {
	k := strings.TrimSpace(key)
	if c == nil || limit <= 0 || k == "" {
		return func() {}, true
	}
	c.mu.Lock()
	gs := c.groups[k]
	if gs == nil || gs.limit != limit {
		gs = newGroupSemaphore(limit)
		c.groups[k] = gs
	}
	c.mu.Unlock()

	if !gs.tryAcquire() {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(gs.release) }, true
}

// InUse reports how many slots of key are taken.
func (c *ConcurrencyGroups) InUse(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs := c.groups[strings.TrimSpace(key)]
	if gs == nil {
		return 0
	}
	return gs.limit - len(gs.ch)
}
