// Package worker implements a cooperative batch scheduler.
//
// Items are queued with Push and handled in timer-driven cycles. A cycle
// handles at most BatchSize items, so a large backlog is worked off in slices
// separated by Delay. Cycles never overlap.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ef-ds/deque"

	logx "relaycast/pkg/logx"
)

const (
	DefaultBatchSize = 50
	DefaultDelay     = 50 * time.Millisecond
)

// Handler processes one item. A returned error or panic is logged and does
// not stop the cycle.
type Handler[T any] func(ctx context.Context, item T) error

type Options[T any] struct {
	BatchSize int
	Delay     time.Duration

	// GetKey routes an item to handlers registered with AddHandler.
	GetKey func(T) string
	// ShouldDefer moves an item to the tail of the queue instead of handling it.
	ShouldDefer func(T) bool

	Context context.Context
	Log     logx.Logger
}

// Snapshot is a point-in-time view of worker counters.
type Snapshot struct {
	Queued        int    `json:"queued"`
	Scheduled     bool   `json:"scheduled"`
	Cycles        uint64 `json:"cycles"`
	Handled       uint64 `json:"handled"`
	Deferred      uint64 `json:"deferred"`
	HandlerErrors uint64 `json:"handler_errors"`
}

type Worker[T any] struct {
	opt Options[T]
	ctx context.Context
	log logx.Logger

	mu      sync.Mutex
	queue   deque.Deque
	global  []Handler[T]
	keyed   map[string][]Handler[T]
	timer   *time.Timer
	running bool
	gen     uint64
	// woken records a Push since the last Stop.
	woken bool

	cycles, handled, deferred, handlerErrs uint64
}

func New[T any](opt Options[T]) *Worker[T] {
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.Delay <= 0 {
		opt.Delay = DefaultDelay
	}
	ctx := opt.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker[T]{
		opt:   opt,
		ctx:   ctx,
		log:   log.With(logx.String("comp", "worker")),
		keyed: map[string][]Handler[T]{},
	}
}

// Push appends item and schedules a cycle if none is pending.
func (w *Worker[T]) Push(item T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue.PushBack(item)
	w.woken = true
	w.scheduleLocked()
}

func (w *Worker[T]) AddGlobalHandler(h Handler[T]) {
	if h == nil {
		return
	}
	w.mu.Lock()
	w.global = append(w.global, h)
	w.mu.Unlock()
}

func (w *Worker[T]) AddHandler(key string, h Handler[T]) {
	if h == nil {
		return
	}
	w.mu.Lock()
	w.keyed[key] = append(w.keyed[key], h)
	w.mu.Unlock()
}

// Stop cancels a pending cycle. Queued items stay; the next Push resumes
// processing. A cycle already running finishes its current item and exits;
// a Push made meanwhile is picked up once it has.
func (w *Worker[T]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.woken = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Clear drops every queued item.
func (w *Worker[T]) Clear() {
	w.mu.Lock()
	w.queue.Init()
	w.mu.Unlock()
}

func (w *Worker[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

func (w *Worker[T]) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Queued:        w.queue.Len(),
		Scheduled:     w.timer != nil,
		Cycles:        w.cycles,
		Handled:       w.handled,
		Deferred:      w.deferred,
		HandlerErrors: w.handlerErrs,
	}
}

func (w *Worker[T]) scheduleLocked() {
	if w.running || w.timer != nil || w.queue.Len() == 0 {
		return
	}
	gen := w.gen
	w.timer = time.AfterFunc(w.opt.Delay, func() { w.cycle(gen) })
}

func (w *Worker[T]) cycle(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.running = true
	w.cycles++
	// Items pushed or deferred during this cycle land behind n.
	n := w.queue.Len()
	if n > w.opt.BatchSize {
		n = w.opt.BatchSize
	}
	w.mu.Unlock()

	for i := 0; i < n; i++ {
		w.mu.Lock()
		if gen != w.gen {
			w.mu.Unlock()
			break
		}
		v, ok := w.queue.PopFront()
		if !ok {
			w.mu.Unlock()
			break
		}
		item := v.(T)
		if w.opt.ShouldDefer != nil && w.opt.ShouldDefer(item) {
			w.queue.PushBack(item)
			w.deferred++
			w.mu.Unlock()
			continue
		}
		handlers := append([]Handler[T](nil), w.global...)
		if w.opt.GetKey != nil {
			handlers = append(handlers, w.keyed[w.opt.GetKey(item)]...)
		}
		w.handled++
		w.mu.Unlock()

		for _, h := range handlers {
			if err := w.run(h, item); err != nil {
				w.mu.Lock()
				w.handlerErrs++
				w.mu.Unlock()
				w.log.Warn("handler failed", logx.Err(err))
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// Only the running cycle clears running, so a Push racing Stop cannot
	// start a second cycle beside this one.
	w.running = false
	if gen != w.gen && !w.woken {
		return
	}
	w.scheduleLocked()
}

func (w *Worker[T]) run(h Handler[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(w.ctx, item)
}
