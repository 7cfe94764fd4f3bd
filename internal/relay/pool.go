package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"relaycast/internal/event"
	"relaycast/internal/runtime/supervisor"
	logx "relaycast/pkg/logx"
)

// Config tunes the relay pool.
type Config struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	DefaultTimeout time.Duration // per-relay ack timeout when a request has none
	RatePerSec     float64       // per relay; <= 0 disables limiting
	Burst          int
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	URL      string    `json:"url"`
	LastUsed time.Time `json:"last_used"`
	Waiting  int       `json:"waiting"`
}

// Pool is a Broadcaster over websocket relay connections.
type Pool struct {
	log logx.Logger
	sup *supervisor.Supervisor

	mu     sync.Mutex
	cfg    Config
	conns  map[string]*conn
	dialMu map[string]*sync.Mutex
	closed bool
}

var ErrPoolClosed = errors.New("relay pool closed")

func NewPool(ctx context.Context, cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "relay"))
	return &Pool{
		log:    log,
		sup:    supervisor.New(ctx, supervisor.WithLogger(log)),
		cfg:    cfg.withDefaults(),
		conns:  map[string]*conn{},
		dialMu: map[string]*sync.Mutex{},
	}
}

// Apply updates timeouts and limits. Existing connections keep their limiter.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Broadcast sends req.Event to every relay in parallel and blocks until each
// relay reported a terminal outcome.
func (p *Pool) Broadcast(ctx context.Context, req Request, notify func(Notification)) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.config().DefaultTimeout
	}
	frame, err := encodeEvent(req.Event)

	var wg sync.WaitGroup
	for _, url := range req.Relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			n := Notification{EventID: req.Event.ID, Relay: url}
			if err != nil {
				n.Kind, n.Message = NotifyFailure, fmt.Sprintf("encode: %v", err)
			} else {
				n.Kind, n.Message = p.send(ctx, url, req.Event, frame, timeout)
			}
			p.log.Debug("relay outcome", logx.String("relay", url), logx.String("id", req.Event.ID),
				logx.String("kind", n.Kind.String()), logx.String("message", n.Message))
			notify(n)
		}(url)
	}
	wg.Wait()
	notify(Notification{Kind: NotifyComplete, EventID: req.Event.ID})
}

func (p *Pool) send(ctx context.Context, url string, e event.Event, frame []byte, timeout time.Duration) (NotifyKind, string) {
	if ctx.Err() != nil {
		return NotifyAborted, "aborted"
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	classify := func(err error) (NotifyKind, string) {
		switch {
		case ctx.Err() != nil:
			return NotifyAborted, "aborted"
		case tctx.Err() != nil:
			return NotifyTimeout, "timeout"
		default:
			return NotifyFailure, err.Error()
		}
	}

	c, err := p.get(tctx, url)
	if err != nil {
		return classify(err)
	}
	ch := c.wait(e.ID)
	defer c.unwait(e.ID, ch)

	if err := c.write(tctx, frame, p.config().WriteTimeout); err != nil {
		if tctx.Err() == nil {
			p.drop(c, err)
		}
		return classify(err)
	}

	select {
	case a := <-ch:
		if a.accepted {
			return NotifySuccess, a.message
		}
		return NotifyFailure, a.message
	case <-c.closed:
		return classify(c.closeErr())
	case <-tctx.Done():
		return classify(tctx.Err())
	}
}

// get returns the open connection for url, dialing it if needed.
func (p *Pool) get(ctx context.Context, url string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c := p.conns[url]; c != nil {
		p.mu.Unlock()
		return c, nil
	}
	dm := p.dialMu[url]
	if dm == nil {
		dm = &sync.Mutex{}
		p.dialMu[url] = dm
	}
	cfg := p.cfg
	p.mu.Unlock()

	// One dial per relay at a time.
	dm.Lock()
	defer dm.Unlock()

	p.mu.Lock()
	if c := p.conns[url]; c != nil {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	hdr := http.Header{}
	if cfg.UserAgent != "" {
		hdr.Set("User-Agent", cfg.UserAgent)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(dctx, url, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	c := newConn(url, ws, lim, p.log.With(logx.String("relay", url)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close(ErrPoolClosed)
		return nil, ErrPoolClosed
	}
	p.conns[url] = c
	p.mu.Unlock()

	p.sup.Go("relay.read "+url, func(ctx context.Context) error {
		err := c.readLoop(ctx)
		p.drop(c, c.closeErr())
		return err
	})
	p.log.Debug("relay connected", logx.String("relay", url))
	return c, nil
}

// drop closes c and forgets it if it is still the current connection.
func (p *Pool) drop(c *conn, err error) {
	p.mu.Lock()
	if p.conns[c.url] == c {
		delete(p.conns, c.url)
	}
	p.mu.Unlock()
	c.close(err)
}

// CloseIdle closes connections unused for longer than maxIdle that have no
// pending acknowledgements. It returns how many were closed.
func (p *Pool) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	p.mu.Lock()
	var idle []*conn
	for _, c := range p.conns {
		if c.idleSince().Before(cutoff) && c.pending() == 0 {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, c := range idle {
		p.drop(c, errConnClosed)
	}
	if len(idle) > 0 {
		p.log.Debug("closed idle relays", logx.Int("count", len(idle)))
	}
	return len(idle)
}

// Conns lists open connections sorted by URL.
func (p *Pool) Conns() []ConnInfo {
	p.mu.Lock()
	out := make([]ConnInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, ConnInfo{URL: c.url, LastUsed: c.idleSince(), Waiting: c.pending()})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Close closes every connection and waits for the readers to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = map[string]*conn{}
	p.mu.Unlock()

	for _, c := range conns {
		c.close(ErrPoolClosed)
	}
	return p.sup.Stop(ctx)
}
