package publish

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"relaycast/internal/event"
)

// Request is one publish request.
type Request struct {
	Event   event.Event
	Relays  []string
	Delay   time.Duration // wait before sending; abort during the wait cancels the send
	Timeout time.Duration // per-relay ack timeout; 0 uses the service default
	Context any           // opaque caller data, returned by Unit.Request
}

// Publication is implemented by *Unit and *Aggregate.
type Publication interface {
	ID() string
	Status() StatusMap
	Subscribe(fn func(StatusMap)) (unsubscribe func())
	Done() <-chan struct{}
	Aborted() bool
	Units() []*Unit
	cancel()
}

// Unit is a single publication of one event to a set of relays.
type Unit struct {
	req    Request
	relays []string
	known  map[string]struct{}

	ctx      context.Context
	cancelFn context.CancelFunc

	result     *Future[StatusMap]
	view       View[StatusMap]
	dispatched atomic.Bool
	signErr    atomic.Value // stores error
}

// Prepare stamps, owns and hashes e, skipping stages that are already done.
func Prepare(e event.Event, author string, now time.Time) event.Event {
	return event.Prepare(e, author, now)
}

func newUnit(parent context.Context, req Request, author string, now time.Time) *Unit {
	req.Event = Prepare(req.Event.Clone(), author, now)
	relays := normalizeRelays(req.Relays)
	req.Relays = relays

	u := &Unit{
		req:    req,
		relays: relays,
		known:  make(map[string]struct{}, len(relays)),
		result: newFuture[StatusMap](),
	}
	for _, r := range relays {
		u.known[r] = struct{}{}
	}
	u.view.Set(StatusMap{})
	u.ctx, u.cancelFn = context.WithCancel(parent)
	// Covers cancellation of the parent as well as cancel().
	context.AfterFunc(u.ctx, func() { u.settle(abortedStatus) })
	return u
}

func normalizeRelays(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (u *Unit) ID() string { return u.req.Event.ID }

// Event returns a copy of the prepared event.
func (u *Unit) Event() event.Event { return u.req.Event.Clone() }

func (u *Unit) Request() Request { return u.req }

func (u *Unit) Relays() []string { return append([]string(nil), u.relays...) }

func (u *Unit) Status() StatusMap { return u.view.Get() }

func (u *Unit) Subscribe(fn func(StatusMap)) func() { return u.view.Subscribe(fn) }

func (u *Unit) Done() <-chan struct{} { return u.result.Done() }

// Wait blocks until every relay is terminal and returns the final statuses.
func (u *Unit) Wait(ctx context.Context) (StatusMap, error) { return u.result.Wait(ctx) }

func (u *Unit) Aborted() bool { return u.ctx.Err() != nil }

func (u *Unit) Units() []*Unit { return []*Unit{u} }

// SignErr returns the signing error that failed the unit, if any.
func (u *Unit) SignErr() error {
	if v := u.signErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (u *Unit) cancel() {
	u.cancelFn()
	u.settle(abortedStatus)
}

var abortedStatus = Status{Kind: Aborted, Message: "aborted"}

// setStatus applies one relay transition. Terminal statuses are final and
// relays outside the request are ignored.
func (u *Unit) setStatus(relay string, st Status) bool {
	if _, ok := u.known[relay]; !ok {
		return false
	}
	return u.view.Update(func(cur StatusMap) (StatusMap, bool) {
		if prev, ok := cur[relay]; ok && (prev.Kind.Terminal() || prev == st) {
			return cur, false
		}
		next := cur.Clone()
		next[relay] = st
		return next, true
	})
}

// setAll moves every non-terminal relay to st in one update.
func (u *Unit) setAll(st Status) {
	u.view.Update(func(cur StatusMap) (StatusMap, bool) {
		var next StatusMap
		for _, r := range u.relays {
			if prev, ok := cur[r]; ok && (prev.Kind.Terminal() || prev == st) {
				continue
			}
			if next == nil {
				next = cur.Clone()
			}
			next[r] = st
		}
		if next == nil {
			return cur, false
		}
		return next, true
	})
}

// settle forces every unfinished relay to st and resolves the result.
func (u *Unit) settle(st Status) {
	u.setAll(st)
	u.result.resolve(u.view.Get())
}

func (u *Unit) fail(err error, base error) {
	u.signErr.CompareAndSwap(nil, error(&signError{base: base, err: err}))
	u.settle(Status{Kind: Failure, Message: err.Error()})
}

type signError struct {
	base error
	err  error
}

func (e *signError) Error() string { return e.err.Error() }

func (e *signError) Is(target error) bool { return target == e.base }

func (e *signError) Unwrap() error { return e.err }
