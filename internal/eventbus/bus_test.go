package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeQueued, Data: Lifecycle{EventID: "abc"}})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		require.Equal(t, TypeQueued, ev.Type)
		require.False(t, ev.Time.IsZero())
		require.Equal(t, "abc", ev.Data.(Lifecycle).EventID)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})

	require.Equal(t, "one", (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}
