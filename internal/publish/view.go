package publish

import "sync"

// View is an observable value. Subscribers are called with every new value,
// in update order, with no lock held, so they may call Get or Update.
//
// Each change is queued together with the subscribers registered at that
// moment. Whichever caller finds the queue idle drains it; an Update made
// from inside a subscriber only queues its value and returns.
type View[T any] struct {
	mu       sync.Mutex
	val      T
	seq      uint64
	subs     map[uint64]func(T)
	pending  []delivery[T]
	draining bool
}

type delivery[T any] struct {
	val T
	to  []uint64
}

func (v *View[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

func (v *View[T]) Set(val T) {
	v.Update(func(T) (T, bool) { return val, true })
}

// Update replaces the value with fn's result when fn reports a change. fn runs
// under the view lock and must not call back into the view.
func (v *View[T]) Update(fn func(cur T) (next T, changed bool)) bool {
	v.mu.Lock()
	next, changed := fn(v.val)
	if !changed {
		v.mu.Unlock()
		return false
	}
	v.val = next
	if len(v.subs) == 0 && !v.draining {
		v.mu.Unlock()
		return true
	}
	v.enqueueLocked(next, v.subIDsLocked())
	return true
}

// Subscribe calls fn with the current value, then with every update until
// the returned function is called. When called from inside another
// subscriber of the same view, the first call happens after that subscriber
// returns.
func (v *View[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	if v.subs == nil {
		v.subs = map[uint64]func(T){}
	}
	v.seq++
	id := v.seq
	v.subs[id] = fn
	v.enqueueLocked(v.val, []uint64{id})

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// enqueueLocked queues val for the given subscribers and unlocks v.mu. If no
// one is draining, the caller drains.
func (v *View[T]) enqueueLocked(val T, to []uint64) {
	v.pending = append(v.pending, delivery[T]{val: val, to: to})
	if v.draining {
		v.mu.Unlock()
		return
	}
	v.draining = true
	v.mu.Unlock()
	v.drain()
}

func (v *View[T]) drain() {
	idle := false
	defer func() {
		// A panicking subscriber hands the queue to the next caller.
		if !idle {
			v.mu.Lock()
			v.draining = false
			v.mu.Unlock()
		}
	}()
	for {
		v.mu.Lock()
		if len(v.pending) == 0 {
			v.pending = nil
			v.draining = false
			idle = true
			v.mu.Unlock()
			return
		}
		d := v.pending[0]
		v.pending[0] = delivery[T]{}
		v.pending = v.pending[1:]
		fns := make([]func(T), 0, len(d.to))
		for _, id := range d.to {
			// Unsubscribed since the change was queued.
			if fn, ok := v.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
		v.mu.Unlock()

		for _, fn := range fns {
			fn(d.val)
		}
	}
}

func (v *View[T]) subIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	return ids
}
