package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	logx "relaycast/pkg/logx"
)

var errConnClosed = errors.New("connection closed")

type ack struct {
	accepted bool
	message  string
}

// conn is one websocket connection to a relay.
type conn struct {
	url     string
	ws      *websocket.Conn
	limiter *rate.Limiter
	log     logx.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan ack

	lastUsed  atomic.Int64 // unix nano
	closeOnce sync.Once
	closed    chan struct{}
	err       atomic.Value // stores closeErr
}

type closeErr struct{ err error }

func newConn(url string, ws *websocket.Conn, lim *rate.Limiter, log logx.Logger) *conn {
	c := &conn{
		url:     url,
		ws:      ws,
		limiter: lim,
		log:     log,
		waiters: map[string][]chan ack{},
		closed:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *conn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

func (c *conn) idleSince() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// wait registers interest in the OK frame for id.
func (c *conn) wait(id string) chan ack {
	ch := make(chan ack, 1)
	c.mu.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()
	return ch
}

func (c *conn) unwait(id string, ch chan ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, id)
	} else {
		c.waiters[id] = list
	}
}

func (c *conn) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.waiters {
		n += len(l)
	}
	return n
}

func (c *conn) deliver(id string, a ack) {
	c.mu.Lock()
	list := c.waiters[id]
	c.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- a:
		default:
		}
	}
}

func (c *conn) write(ctx context.Context, data []byte, timeout time.Duration) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.touch()
	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches frames until the connection fails.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		c.touch()
		f, err := decodeFrame(data)
		if err != nil {
			c.log.Debug("bad frame", logx.Err(err))
			continue
		}
		switch f.Label {
		case "OK":
			c.deliver(f.EventID, ack{accepted: f.Accepted, message: f.Message})
		case "NOTICE":
			c.log.Info("relay notice", logx.String("notice", f.Message))
		default:
			c.log.Trace("ignored frame", logx.String("label", f.Label))
		}
	}
}

func (c *conn) close(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = errConnClosed
		}
		c.err.Store(closeErr{err})
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.closed)
	})
}

func (c *conn) closeErr() error {
	if v, ok := c.err.Load().(closeErr); ok {
		return v.err
	}
	return errConnClosed
}
