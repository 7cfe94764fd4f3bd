package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"relaycast/internal/event"
	"relaycast/internal/signer"
	logx "relaycast/pkg/logx"
)

type fakeRelay struct {
	url      string
	received atomic.Int32
}

// newFakeRelay starts a websocket relay. mode is "accept", "reject" or "silent".
func newFakeRelay(t *testing.T, mode string) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg []json.RawMessage
			if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
				continue
			}
			var ev event.Event
			if json.Unmarshal(msg[1], &ev) != nil {
				continue
			}
			fr.received.Add(1)
			switch mode {
			case "accept":
				_ = ws.WriteJSON([]any{"NOTICE", "welcome"})
				_ = ws.WriteJSON([]any{"OK", ev.ID, event.Verify(ev) == nil, ""})
			case "reject":
				_ = ws.WriteJSON([]any{"OK", ev.ID, false, "blocked: test"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	fr.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fr
}

func signedEvent(t *testing.T) event.Event {
	t.Helper()
	k, err := signer.Generate()
	require.NoError(t, err)
	e, err := k.Sign(context.Background(), event.Prepare(event.Event{Kind: 1, Content: "<hello & bye>"}, k.PubKey(), time.Now()))
	require.NoError(t, err)
	return e
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(context.Background(), Config{RatePerSec: 100, Burst: 10, DialTimeout: time.Second}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

type collector struct {
	mu  sync.Mutex
	got []Notification
}

func (c *collector) notify(n Notification) {
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
}

func (c *collector) byRelay(t *testing.T) map[string]Notification {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.got)
	require.Equal(t, NotifyComplete, c.got[len(c.got)-1].Kind, "complete is last")
	out := map[string]Notification{}
	for _, n := range c.got[:len(c.got)-1] {
		_, dup := out[n.Relay]
		require.False(t, dup, "one terminal notification per relay")
		out[n.Relay] = n
	}
	return out
}

func TestBroadcastOutcomes(t *testing.T) {
	t.Parallel()
	accept := newFakeRelay(t, "accept")
	reject := newFakeRelay(t, "reject")
	silent := newFakeRelay(t, "silent")
	down := "ws://127.0.0.1:1"

	p := newTestPool(t)
	e := signedEvent(t)
	var c collector
	p.Broadcast(context.Background(), Request{
		Event:   e,
		Relays:  []string{accept.url, reject.url, silent.url, down},
		Timeout: 300 * time.Millisecond,
	}, c.notify)

	got := c.byRelay(t)
	require.Len(t, got, 4)
	require.Equal(t, NotifySuccess, got[accept.url].Kind)
	require.Equal(t, NotifyFailure, got[reject.url].Kind)
	require.Equal(t, "blocked: test", got[reject.url].Message)
	require.Equal(t, NotifyTimeout, got[silent.url].Kind)
	require.Equal(t, NotifyFailure, got[down].Kind)
	require.Equal(t, e.ID, got[accept.url].EventID)
	require.EqualValues(t, 1, silent.received.Load())
}

func TestBroadcastAbort(t *testing.T) {
	t.Parallel()
	silent := newFakeRelay(t, "silent")
	p := newTestPool(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var c collector
	start := time.Now()
	p.Broadcast(ctx, Request{Event: signedEvent(t), Relays: []string{silent.url}, Timeout: 5 * time.Second}, c.notify)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, NotifyAborted, c.byRelay(t)[silent.url].Kind)

	var again collector
	p.Broadcast(ctx, Request{Event: signedEvent(t), Relays: []string{silent.url}}, again.notify)
	require.Equal(t, NotifyAborted, again.byRelay(t)[silent.url].Kind)
}

func TestConnectionReuseAndIdleSweep(t *testing.T) {
	t.Parallel()
	accept := newFakeRelay(t, "accept")
	p := newTestPool(t)

	for i := 0; i < 2; i++ {
		var c collector
		p.Broadcast(context.Background(), Request{Event: signedEvent(t), Relays: []string{accept.url}, Timeout: time.Second}, c.notify)
		require.Equal(t, NotifySuccess, c.byRelay(t)[accept.url].Kind)
	}
	conns := p.Conns()
	require.Len(t, conns, 1)
	require.Equal(t, accept.url, conns[0].URL)
	require.Zero(t, conns[0].Waiting)

	require.Zero(t, p.CloseIdle(time.Hour))
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, p.CloseIdle(time.Millisecond))
	require.Empty(t, p.Conns())

	var c collector
	p.Broadcast(context.Background(), Request{Event: signedEvent(t), Relays: []string{accept.url}, Timeout: time.Second}, c.notify)
	require.Equal(t, NotifySuccess, c.byRelay(t)[accept.url].Kind)
	require.EqualValues(t, 3, accept.received.Load())
}

func TestBroadcastAfterCloseFails(t *testing.T) {
	t.Parallel()
	accept := newFakeRelay(t, "accept")
	p := NewPool(context.Background(), Config{}, logx.Nop())
	require.NoError(t, p.Close(context.Background()))

	var c collector
	p.Broadcast(context.Background(), Request{Event: signedEvent(t), Relays: []string{accept.url}, Timeout: time.Second}, c.notify)
	n := c.byRelay(t)[accept.url]
	require.Equal(t, NotifyFailure, n.Kind)
	require.Equal(t, ErrPoolClosed.Error(), n.Message)
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()
	f, err := decodeFrame([]byte(`["OK","abc",true,"duplicate:"]`))
	require.NoError(t, err)
	require.Equal(t, frame{Label: "OK", EventID: "abc", Accepted: true, Message: "duplicate:"}, f)

	f, err = decodeFrame([]byte(`["NOTICE","slow down"]`))
	require.NoError(t, err)
	require.Equal(t, "slow down", f.Message)

	f, err = decodeFrame([]byte(`["EOSE","sub"]`))
	require.NoError(t, err)
	require.Equal(t, "EOSE", f.Label)

	for _, bad := range []string{`{}`, `[]`, `[1]`, `["OK","id"]`, `["OK",1,true]`} {
		_, err := decodeFrame([]byte(bad))
		require.ErrorIs(t, err, errBadFrame, bad)
	}
}

func TestEncodeEventKeepsHTML(t *testing.T) {
	t.Parallel()
	b, err := encodeEvent(event.Event{ID: "x", Content: "<a & b>"})
	require.NoError(t, err)
	require.Contains(t, string(b), `"<a & b>"`)
	require.True(t, strings.HasPrefix(string(b), `["EVENT",{`))
}
