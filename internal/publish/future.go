package publish

import (
	"context"
	"sync"
)

// Future holds a value that is resolved exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve sets the value. Only the first call has effect.
func (f *Future[T]) resolve(v T) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Value returns the value without blocking.
func (f *Future[T]) Value() (T, bool) {
	select {
	case <-f.done:
		return f.val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
