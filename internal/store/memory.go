package store

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"relaycast/internal/event"
)

type memoryStore struct {
	cache  *lru.Cache[string, event.Event]
	closed atomic.Bool
}

// NewMemory returns a store that keeps at most max events, evicting the
// least recently used.
func NewMemory(max int) (Store, error) {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	c, err := lru.New[string, event.Event](max)
	if err != nil {
		return nil, err
	}
	return &memoryStore{cache: c}, nil
}

func (s *memoryStore) Publish(ctx context.Context, e event.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if e.ID == "" {
		return ErrNoID
	}
	e.Wrap = nil
	s.cache.Add(e.ID, e.Clone())
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (event.Event, bool, error) {
	if s.closed.Load() {
		return event.Event{}, false, ErrClosed
	}
	e, ok := s.cache.Get(id)
	if !ok {
		return event.Event{}, false, nil
	}
	return e.Clone(), true, nil
}

func (s *memoryStore) Remove(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.cache.Remove(id)
	return nil
}

func (s *memoryStore) Len() int { return s.cache.Len() }

func (s *memoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Purge()
	}
	return nil
}
