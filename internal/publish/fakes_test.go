package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/event"
	"relaycast/internal/relay"
	"relaycast/internal/signer"
	"relaycast/internal/store"
)

// behavior scripts one fake relay. A zero behavior never acknowledges.
type behavior struct {
	ack   bool
	ok    bool
	after time.Duration
	msg   string
}

type fakeBroadcaster struct {
	relays map[string]behavior

	mu    sync.Mutex
	calls []relay.Request
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, req relay.Request, notify func(relay.Notification)) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, url := range req.Relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			b := f.relays[url]
			n := relay.Notification{EventID: req.Event.ID, Relay: url}

			var timeout <-chan time.Time
			if req.Timeout > 0 {
				t := time.NewTimer(req.Timeout)
				defer t.Stop()
				timeout = t.C
			}
			var ack <-chan time.Time
			if b.ack {
				ack = time.After(b.after)
			}
			select {
			case <-ctx.Done():
				n.Kind = relay.NotifyAborted
			case <-timeout:
				n.Kind = relay.NotifyTimeout
				n.Message = "timeout"
			case <-ack:
				n.Kind = relay.NotifyFailure
				if b.ok {
					n.Kind = relay.NotifySuccess
				}
				n.Message = b.msg
			}
			notify(n)
		}(url)
	}
	wg.Wait()
	notify(relay.Notification{Kind: relay.NotifyComplete, EventID: req.Event.ID})
}

func (f *fakeBroadcaster) requests() []relay.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Request(nil), f.calls...)
}

// slowSigner delays signing and counts calls.
type slowSigner struct {
	inner signer.Signer
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (s *slowSigner) PubKey() string { return s.inner.PubKey() }

func (s *slowSigner) Sign(ctx context.Context, e event.Event) (event.Event, error) {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		return e, ctx.Err()
	case <-time.After(s.delay):
	}
	if s.err != nil {
		return e, s.err
	}
	return s.inner.Sign(ctx, e)
}

type harness struct {
	svc    *Service
	bcast  *fakeBroadcaster
	signer *slowSigner
	store  store.Store
}

func newHarness(t *testing.T, relays map[string]behavior) *harness {
	t.Helper()
	key, err := signer.Generate()
	require.NoError(t, err)
	sg := &slowSigner{inner: key, delay: 10 * time.Millisecond}
	st, err := store.NewMemory(100)
	require.NoError(t, err)
	bc := &fakeBroadcaster{relays: relays}

	svc := New(context.Background(), Config{
		Author:         key.PubKey(),
		DefaultTimeout: time.Second,
		BatchDelay:     time.Millisecond,
	}, Deps{
		Store:       st,
		Signers:     signer.NewKeyring(sg),
		Broadcaster: bc,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &harness{svc: svc, bcast: bc, signer: sg, store: st}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var errSignerDown = errors.New("remote signer unreachable")
