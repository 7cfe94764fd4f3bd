// Package store keeps the local copy of published events.
//
// Drivers:
//   - "memory": bounded in-process LRU (default)
//   - "file": append-only JSON Lines journal replayed on open
//   - "sqlite": SQLite database file
package store

import (
	"context"
	"errors"
	"time"

	"relaycast/internal/event"
)

var (
	ErrClosed    = errors.New("store closed")
	ErrNoID      = errors.New("store: event has no id")
	ErrBadDriver = errors.New("store: unknown driver")
)

// Store is the event store consumed by publish.
//
// Publish upserts by event ID. Get reports ok=false for unknown IDs.
// Remove of an unknown ID is not an error.
type Store interface {
	Publish(ctx context.Context, e event.Event) error
	Get(ctx context.Context, id string) (e event.Event, ok bool, err error)
	Remove(ctx context.Context, id string) error
	Len() int
	Close() error
}

// Config configures the store.
type Config struct {
	Driver      string
	Path        string
	MaxEvents   int           // memory only; 0 means DefaultMaxEvents
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const DefaultMaxEvents = 10_000
