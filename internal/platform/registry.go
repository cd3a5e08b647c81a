package platform

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves the collaborators of each platform.
type Registry struct {
	mu          sync.RWMutex
	publishers  map[string]Publisher
	collections map[string]CollectionClient
}

func NewRegistry() *Registry {
	return &Registry{publishers: map[string]Publisher{}, collections: map[string]CollectionClient{}}
}

func key(platform string) string { return strings.ToLower(strings.TrimSpace(platform)) }

// Register binds a platform. coll may be nil for platforms without collections.
func (r *Registry) Register(platform string, pub Publisher, coll CollectionClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[key(platform)] = pub
	if coll != nil {
		r.collections[key(platform)] = coll
	} else {
		delete(r.collections, key(platform))
	}
}

func (r *Registry) Publisher(platform string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[key(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Collections returns the collection client of platform, if it has one.
func (r *Registry) Collections(platform string) (CollectionClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[key(platform)]
	return c, ok
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.publishers))
	for k := range r.publishers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
