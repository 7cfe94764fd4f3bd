package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/event"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	u := newUnit(context.Background(), Request{Event: event.Event{Kind: 1}, Relays: []string{"wss://a"}}, "pk", time.Now())

	r.Put(u.ID(), u)
	r.Put("", u)
	r.Put("nil", nil)
	require.Equal(t, 1, r.Len())

	got, ok := r.Get(u.ID())
	require.True(t, ok)
	require.Same(t, u, got.(*Unit))
	require.Equal(t, []string{u.ID()}, r.Keys())

	r.Remove(u.ID())
	_, ok = r.Get(u.ID())
	require.False(t, ok)

	r.Put("a", u)
	r.Put("b", u)
	r.Clear()
	require.Zero(t, r.Len())
}
