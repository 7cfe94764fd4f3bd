package publish

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Aggregate merges several publications into one cancellation domain with a
// single merged status view.
type Aggregate struct {
	id      string
	members []Publication

	ctx      context.Context
	cancelFn context.CancelFunc

	latest []StatusMap // guarded by the view lock
	view   View[StatusMap]

	doneOnce sync.Once
	done     chan struct{}
}

// NewAggregate groups members. Cancelling the aggregate cancels every member;
// a member's cancellation does not reach the aggregate.
func NewAggregate(members ...Publication) *Aggregate {
	a := &Aggregate{
		id:      uuid.NewString(),
		members: append([]Publication(nil), members...),
		latest:  make([]StatusMap, len(members)),
		done:    make(chan struct{}),
	}
	a.view.Set(StatusMap{})
	a.ctx, a.cancelFn = context.WithCancel(context.Background())
	for i, m := range a.members {
		i := i
		m.Subscribe(func(sm StatusMap) { a.update(i, sm) })
	}
	return a
}

// update records member i's view and recomputes the merge inside the view
// update, so merged values reach subscribers in the order they were computed.
func (a *Aggregate) update(i int, sm StatusMap) {
	a.view.Update(func(StatusMap) (StatusMap, bool) {
		a.latest[i] = sm
		return Merge(a.latest...), true
	})
}

// ID is a random identifier; the registry keys an aggregate by its members'
// event IDs instead.
func (a *Aggregate) ID() string { return a.id }

func (a *Aggregate) Members() []Publication { return append([]Publication(nil), a.members...) }

func (a *Aggregate) Status() StatusMap { return a.view.Get() }

func (a *Aggregate) Subscribe(fn func(StatusMap)) func() { return a.view.Subscribe(fn) }

func (a *Aggregate) Aborted() bool { return a.ctx.Err() != nil }

func (a *Aggregate) cancel() {
	a.cancelFn()
	for _, m := range a.members {
		m.cancel()
	}
}

// Done is closed once every member is done.
func (a *Aggregate) Done() <-chan struct{} {
	a.doneOnce.Do(func() {
		go func() {
			for _, m := range a.members {
				<-m.Done()
			}
			close(a.done)
		}()
	})
	return a.done
}

// Units flattens nested aggregates depth first, keeping member order.
func (a *Aggregate) Units() []*Unit {
	var out []*Unit
	for _, m := range a.members {
		out = append(out, m.Units()...)
	}
	return out
}

// Wait returns each member's final status in member order. A nested
// aggregate contributes its merged view.
func (a *Aggregate) Wait(ctx context.Context) ([]StatusMap, error) {
	out := make([]StatusMap, 0, len(a.members))
	for _, m := range a.members {
		if u, ok := m.(*Unit); ok {
			sm, err := u.Wait(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, sm)
			continue
		}
		select {
		case <-m.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out = append(out, m.(*Aggregate).settled())
	}
	return out, nil
}

// settled merges the members' current views directly, so the result does not
// depend on queued notifications having reached the aggregate view yet.
func (a *Aggregate) settled() StatusMap {
	maps := make([]StatusMap, len(a.members))
	for i, m := range a.members {
		if inner, ok := m.(*Aggregate); ok {
			maps[i] = inner.settled()
			continue
		}
		maps[i] = m.Status()
	}
	return Merge(maps...)
}
