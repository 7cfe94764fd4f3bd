package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	item  int
	cycle uint64
}

type recorder struct {
	mu   sync.Mutex
	seen []record
	done chan struct{}
	want int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) add(item int, cycle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, record{item, cycle})
	if len(r.seen) == r.want {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []record {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record(nil), r.seen...)
}

func TestCycleRespectsBatchSize(t *testing.T) {
	t.Parallel()
	w := New(Options[int]{BatchSize: 3, Delay: 20 * time.Millisecond})
	rec := newRecorder(7)
	w.AddGlobalHandler(func(ctx context.Context, item int) error {
		rec.add(item, w.Snapshot().Cycles)
		return nil
	})
	for i := 0; i < 7; i++ {
		w.Push(i)
	}

	seen := rec.wait(t)
	perCycle := map[uint64]int{}
	for i, r := range seen {
		require.Equal(t, i, r.item, "queue order is preserved")
		perCycle[r.cycle]++
	}
	require.GreaterOrEqual(t, len(perCycle), 3)
	for c, n := range perCycle {
		require.LessOrEqual(t, n, 3, "cycle %d", c)
	}
}

func TestDeferredItemWaitsForNextCycle(t *testing.T) {
	t.Parallel()
	var ready atomic.Bool
	var w *Worker[int]
	var lenAfterLast atomic.Int64
	w = New(Options[int]{
		BatchSize: 10,
		Delay:     20 * time.Millisecond,
		ShouldDefer: func(item int) bool {
			if item != 2 {
				return false
			}
			return !ready.Swap(true)
		},
	})
	rec := newRecorder(3)
	w.AddGlobalHandler(func(ctx context.Context, item int) error {
		if item == 3 {
			lenAfterLast.Store(int64(w.Len()))
		}
		rec.add(item, w.Snapshot().Cycles)
		return nil
	})
	w.Push(1)
	w.Push(2)
	w.Push(3)

	seen := rec.wait(t)
	require.Equal(t, []int{1, 3, 2}, []int{seen[0].item, seen[1].item, seen[2].item})
	require.Equal(t, seen[0].cycle, seen[1].cycle)
	require.Greater(t, seen[2].cycle, seen[1].cycle)
	require.EqualValues(t, 1, lenAfterLast.Load(), "deferred item is still queued at the end of its cycle")
	require.EqualValues(t, 1, w.Snapshot().Deferred)
}

func TestHandlersRunGlobalThenKeyed(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})
	note := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}

	w := New(Options[string]{Delay: time.Millisecond, GetKey: func(s string) string { return s }})
	w.AddHandler("x", func(ctx context.Context, s string) error { note("x1:" + s); return nil })
	w.AddGlobalHandler(func(ctx context.Context, s string) error { note("g1:" + s); return errors.New("ignored") })
	w.AddHandler("x", func(ctx context.Context, s string) error { note("x2:" + s); panic("boom") })
	w.AddGlobalHandler(func(ctx context.Context, s string) error {
		note("g2:" + s)
		if s == "y" {
			close(done)
		}
		return nil
	})

	w.Push("x")
	w.Push("y")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"g1:x", "g2:x", "x1:x", "x2:x", "g1:y", "g2:y"}, calls)
	require.EqualValues(t, 3, w.Snapshot().HandlerErrors)
}

func TestStopKeepsQueueAndClearEmptiesIt(t *testing.T) {
	t.Parallel()
	var handled atomic.Int32
	w := New(Options[int]{Delay: 30 * time.Millisecond})
	w.AddGlobalHandler(func(ctx context.Context, item int) error {
		handled.Add(1)
		return nil
	})

	w.Push(1)
	w.Push(2)
	w.Stop()
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, handled.Load())
	require.Equal(t, 2, w.Len())
	require.False(t, w.Snapshot().Scheduled)

	w.Clear()
	require.Zero(t, w.Len())

	w.Push(3)
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, w.Len())
}

func TestPushAfterStopWaitsForRunningCycle(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	var handled sync.Map
	w := New(Options[int]{Delay: time.Millisecond})
	w.AddGlobalHandler(func(ctx context.Context, item int) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		if item == 1 {
			<-release
		}
		handled.Store(item, true)
		return nil
	})

	w.Push(1)
	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, time.Millisecond)
	w.Stop()
	w.Push(2)
	time.Sleep(20 * time.Millisecond)
	_, ok := handled.Load(2)
	require.False(t, ok, "item 2 ran beside the stopped cycle")

	close(release)
	require.Eventually(t, func() bool {
		_, ok := handled.Load(2)
		return ok
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 1, maxActive.Load())
}
