package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/event"
)

func testUnit(content string, relays ...string) *Unit {
	return newUnit(context.Background(), Request{Event: event.Event{Kind: 1, Content: content}, Relays: relays}, "pk", time.Unix(1, 0))
}

func TestAggregateMergedView(t *testing.T) {
	t.Parallel()
	a := testUnit("a", "wss://x", "wss://y")
	b := testUnit("b", "wss://x")
	agg := NewAggregate(a, b)

	var views []StatusMap
	agg.Subscribe(func(sm StatusMap) { views = append(views, sm) })

	a.setStatus("wss://x", Status{Kind: Success})
	require.Equal(t, Success, agg.Status()["wss://x"].Kind)

	b.setStatus("wss://x", Status{Kind: Pending, Message: "sending"})
	require.Equal(t, Pending, agg.Status()["wss://x"].Kind)

	a.setStatus("wss://y", Status{Kind: Timeout})
	b.setStatus("wss://x", Status{Kind: Failure, Message: "nope"})
	merged := agg.Status()
	require.Equal(t, Status{Kind: Failure, Message: "nope"}, merged["wss://x"])
	require.Equal(t, Timeout, merged["wss://y"].Kind)
	require.GreaterOrEqual(t, len(views), 4)
}

func TestAggregateCancelIsOneWay(t *testing.T) {
	t.Parallel()
	a := testUnit("a", "wss://x")
	b := testUnit("b", "wss://x")
	agg := NewAggregate(a, b)

	a.cancel()
	require.False(t, agg.Aborted())
	require.False(t, b.Aborted())

	agg.cancel()
	require.Eventually(t, func() bool { return b.Aborted() }, time.Second, time.Millisecond)

	results, err := agg.Wait(context.Background())
	require.NoError(t, err)
	for _, sm := range results {
		require.Equal(t, Aborted, sm["wss://x"].Kind)
	}
	select {
	case <-agg.Done():
	case <-time.After(time.Second):
		t.Fatal("aggregate not done")
	}
}

func TestAggregateUnitsFlattenDepthFirst(t *testing.T) {
	t.Parallel()
	u1, u2, u3, u4 := testUnit("1"), testUnit("2"), testUnit("3"), testUnit("4")
	inner := NewAggregate(u2, NewAggregate(u3))
	outer := NewAggregate(u1, inner, u4)

	got := outer.Units()
	require.Equal(t, []*Unit{u1, u2, u3, u4}, got)

	outer.cancel()
	require.Eventually(t, func() bool {
		for _, u := range got {
			if !u.Aborted() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestAggregateWaitReturnsOneMapPerMember(t *testing.T) {
	t.Parallel()
	u1 := testUnit("1", "wss://x")
	u2 := testUnit("2", "wss://x", "wss://y")
	u3 := testUnit("3", "wss://y")
	outer := NewAggregate(u1, NewAggregate(u2, u3))

	u1.settle(Status{Kind: Success})
	u2.setStatus("wss://x", Status{Kind: Success})
	u2.settle(Status{Kind: Timeout})
	u3.settle(Status{Kind: Success})

	results, err := outer.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []StatusMap{
		{"wss://x": {Kind: Success}},
		{"wss://x": {Kind: Success}, "wss://y": {Kind: Timeout}},
	}, results)
}
