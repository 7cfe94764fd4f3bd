package relay

import (
	"context"
	"time"

	"relaycast/internal/event"
)

// NotifyKind is the kind of a broadcast lifecycle notification.
type NotifyKind int

const (
	NotifySuccess NotifyKind = iota + 1
	NotifyFailure
	NotifyTimeout
	NotifyAborted
	// NotifyComplete is emitted once, after every relay had its terminal notification.
	NotifyComplete
)

func (k NotifyKind) String() string {
	switch k {
	case NotifySuccess:
		return "success"
	case NotifyFailure:
		return "failure"
	case NotifyTimeout:
		return "timeout"
	case NotifyAborted:
		return "aborted"
	case NotifyComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Notification reports one relay outcome. Relay and Message are empty for
// NotifyComplete.
type Notification struct {
	Kind    NotifyKind
	EventID string
	Relay   string
	Message string
}

// Request describes one broadcast.
type Request struct {
	Event   event.Event
	Relays  []string
	Timeout time.Duration
}

// Broadcaster sends an event to relays.
//
// Broadcast may block until done. notify may be called from several goroutines
// but exactly once per relay with a terminal kind, followed by one
// NotifyComplete. Cancelling ctx turns every unfinished relay into NotifyAborted.
type Broadcaster interface {
	Broadcast(ctx context.Context, req Request, notify func(Notification))
}
