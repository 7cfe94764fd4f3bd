package publish

import (
	"sort"
	"sync"
)

// Registry maps event IDs to the publication that owns them. Entries stay
// after completion and are only removed on abort or Clear.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Publication
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Publication{}}
}

func (r *Registry) Put(id string, p Publication) {
	if id == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.m[id] = p
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Publication, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[id]
	return p, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.m = map[string]Publication{}
	r.mu.Unlock()
}

// Keys returns the registered IDs, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
