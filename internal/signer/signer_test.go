package signer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/event"
)

func TestSecretKeySignsVerifiableEvents(t *testing.T) {
	t.Parallel()
	k, err := Generate()
	require.NoError(t, err)

	e := event.Prepare(event.Event{Kind: 1, Content: "hi"}, k.PubKey(), time.Now())
	signed, err := k.Sign(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, e.ID, signed.ID)
	require.NoError(t, event.Verify(signed))
}

func TestFromHexRoundTrip(t *testing.T) {
	t.Parallel()
	k, err := Generate()
	require.NoError(t, err)
	k2, err := FromHex(k.SecretHex())
	require.NoError(t, err)
	require.Equal(t, k.PubKey(), k2.PubKey())

	for _, bad := range []string{"", "zz", "00", "0000000000000000000000000000000000000000000000000000000000000000"} {
		_, err := FromHex(bad)
		require.ErrorIs(t, err, ErrBadKey, bad)
	}
}

func TestSignRejects(t *testing.T) {
	t.Parallel()
	k, err := Generate()
	require.NoError(t, err)

	_, err = k.Sign(context.Background(), event.Event{PubKey: k.PubKey()})
	require.ErrorIs(t, err, ErrNotHashed)

	other := event.Prepare(event.Event{Kind: 1}, "ff", time.Now())
	_, err = k.Sign(context.Background(), other)
	require.ErrorIs(t, err, ErrWrongAuthor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Sign(ctx, event.Prepare(event.Event{}, k.PubKey(), time.Now()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeyring(t *testing.T) {
	t.Parallel()
	k, err := Generate()
	require.NoError(t, err)
	ring := NewKeyring(k, nil)

	got, ok := ring.SignerFor(k.PubKey())
	require.True(t, ok)
	require.Same(t, k, got)

	ring.Remove(k.PubKey())
	_, ok = ring.SignerFor(k.PubKey())
	require.False(t, ok)
}
