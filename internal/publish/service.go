package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"relaycast/internal/event"
	"relaycast/internal/eventbus"
	"relaycast/internal/relay"
	"relaycast/internal/signer"
	"relaycast/internal/store"
	"relaycast/internal/worker"
	logx "relaycast/pkg/logx"
)

// Config tunes the publish service.
type Config struct {
	// Author owns events that do not carry a pubkey yet.
	Author         string
	DefaultTimeout time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	// StoreTimeout bounds each store call made on the publish path.
	StoreTimeout time.Duration
}

// Deps are the collaborators of the publish service.
type Deps struct {
	Store       store.Store
	Signers     signer.Lookup
	Broadcaster relay.Broadcaster
	Bus         eventbus.Bus
	Log         logx.Logger
	Now         func() time.Time
}

// Service accepts publish requests, queues them on a batch worker and tracks
// every unit in a registry until it is aborted.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.RWMutex
	cfg Config

	store    store.Store
	signers  signer.Lookup
	bcast    relay.Broadcaster
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	registry *Registry
	worker   *worker.Worker[*Unit]
	inflight sync.WaitGroup
}

func New(ctx context.Context, cfg Config, deps Deps) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "publish"))
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	signers := deps.Signers
	if signers == nil {
		signers = signer.NewKeyring()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		signers:  signers,
		bcast:    deps.Broadcaster,
		bus:      bus,
		log:      log,
		now:      now,
		registry: NewRegistry(),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.worker = worker.New(worker.Options[*Unit]{
		BatchSize: cfg.BatchSize,
		Delay:     cfg.BatchDelay,
		GetKey:    func(u *Unit) string { return strconv.Itoa(u.req.Event.Kind) },
		Context:   s.ctx,
		Log:       log,
	})
	s.worker.AddGlobalHandler(s.dispatch)
	return s
}

// Apply updates the tunables that can change at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg.Author = cfg.Author
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	if cfg.StoreTimeout > 0 {
		s.cfg.StoreTimeout = cfg.StoreTimeout
	}
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Worker() *worker.Worker[*Unit] { return s.worker }

// OnKind registers a hook that runs after dispatch for units of the given kind.
func (s *Service) OnKind(kind int, h worker.Handler[*Unit]) {
	s.worker.AddHandler(strconv.Itoa(kind), h)
}

// Publish prepares req.Event, stores it and queues it for sending.
func (s *Service) Publish(req Request) *Unit {
	u := s.accept(req)
	s.worker.Push(u)
	return u
}

// PublishMany publishes every request and registers the resulting aggregate
// under each member's event ID.
func (s *Service) PublishMany(reqs []Request) *Aggregate {
	units := make([]Publication, 0, len(reqs))
	for _, req := range reqs {
		units = append(units, s.accept(req))
	}
	agg := NewAggregate(units...)
	for _, u := range agg.Units() {
		s.registry.Put(u.ID(), agg)
	}
	for _, u := range agg.Units() {
		s.worker.Push(u)
	}
	return agg
}

func (s *Service) accept(req Request) *Unit {
	cfg := s.config()
	u := newUnit(s.ctx, req, cfg.Author, s.now())
	if s.store != nil {
		if err := s.withStore(func(ctx context.Context) error { return s.store.Publish(ctx, u.req.Event) }); err != nil {
			s.log.Warn("store publish failed", logx.String("id", u.ID()), logx.Err(err))
		}
	}
	s.registry.Put(u.ID(), u)
	s.emit(eventbus.TypeQueued, eventbus.Lifecycle{EventID: u.ID()})
	s.log.Debug("publish queued", logx.String("id", u.ID()), logx.Int("kind", u.req.Event.Kind), logx.Strings("relays", u.relays))
	return u
}

// Abort cancels p. For a unit only its own registry key is removed; for an
// aggregate every member key is removed. Stored events are deleted too.
func (s *Service) Abort(p Publication) {
	if p == nil {
		return
	}
	p.cancel()
	var units []*Unit
	switch v := p.(type) {
	case *Unit:
		units = []*Unit{v}
	default:
		units = p.Units()
	}
	for _, u := range units {
		s.registry.Remove(u.ID())
		if s.store != nil {
			id := u.ID()
			if err := s.withStore(func(ctx context.Context) error { return s.store.Remove(ctx, id) }); err != nil {
				s.log.Warn("store remove failed", logx.String("id", id), logx.Err(err))
			}
		}
		s.emit(eventbus.TypeAborted, eventbus.Lifecycle{EventID: u.ID()})
	}
}

func (s *Service) Lookup(id string) (Publication, bool) { return s.registry.Get(id) }

// Close stops the worker, aborts every unit still in flight and waits for
// their send goroutines until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.worker.Stop()
	s.worker.Clear()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.registry.Clear()
	return nil
}

// dispatch runs on the worker. The send itself happens on its own goroutine
// so a slow signer or relay does not hold the batch.
func (s *Service) dispatch(_ context.Context, u *Unit) error {
	if u.Aborted() {
		return nil
	}
	if !u.dispatched.CompareAndSwap(false, true) {
		return nil
	}
	s.emit(eventbus.TypeDispatched, eventbus.Lifecycle{EventID: u.ID()})

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.send(u)
	}()
	return nil
}

func (s *Service) send(u *Unit) {
	log := s.log.With(logx.String("id", u.ID()))
	ev := u.req.Event
	if ev.IsWrapped() {
		ev = ev.Wrap.Clone()
	}

	signedHere := false
	if !ev.IsSigned() {
		sg, ok := s.signers.SignerFor(ev.PubKey)
		if !ok {
			err := fmt.Errorf("%w for %s", ErrSigningUnavailable, ev.PubKey)
			log.Warn("no signer", logx.String("pubkey", ev.PubKey))
			u.fail(err, ErrSigningUnavailable)
			s.emitDone(u)
			return
		}
		signed, err := sg.Sign(u.ctx, ev)
		if err != nil {
			if u.Aborted() {
				s.emitDone(u)
				return
			}
			log.Warn("signing failed", logx.Err(err))
			u.fail(err, ErrSigningFailed)
			s.emitDone(u)
			return
		}
		ev = signed
		signedHere = true
		s.emit(eventbus.TypeSigned, eventbus.Lifecycle{EventID: u.ID()})
	}

	if d := u.req.Delay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-u.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	if u.Aborted() {
		log.Debug("aborted before send")
		s.emitDone(u)
		return
	}

	u.setAll(Status{Kind: Pending, Message: "sending"})
	if signedHere {
		s.backfillSig(ev)
	}

	timeout := u.req.Timeout
	if timeout <= 0 {
		timeout = s.config().DefaultTimeout
	}
	if s.bcast == nil {
		u.settle(Status{Kind: Failure, Message: "no broadcaster configured"})
		s.emitDone(u)
		return
	}
	s.bcast.Broadcast(u.ctx, relay.Request{Event: ev, Relays: u.Relays(), Timeout: timeout}, func(n relay.Notification) {
		s.notify(u, n)
	})
}

func (s *Service) notify(u *Unit, n relay.Notification) {
	var st Status
	switch n.Kind {
	case relay.NotifySuccess:
		st = Status{Kind: Success, Message: n.Message}
	case relay.NotifyFailure:
		st = Status{Kind: Failure, Message: n.Message}
	case relay.NotifyTimeout:
		st = Status{Kind: Timeout, Message: n.Message}
	case relay.NotifyAborted:
		st = Status{Kind: Aborted, Message: n.Message}
	case relay.NotifyComplete:
		u.settle(Status{Kind: Failure, Message: "no acknowledgement"})
		s.emitDone(u)
		return
	default:
		s.log.Debug("unknown notification", logx.Int("kind", int(n.Kind)))
		return
	}
	if u.setStatus(n.Relay, st) {
		s.emit(eventbus.TypeStatus, eventbus.Lifecycle{EventID: u.ID(), Relay: n.Relay, Status: st.Kind.String(), Message: st.Message})
	}
}

// backfillSig copies the signature onto the stored copy, if it still exists.
func (s *Service) backfillSig(signed event.Event) {
	if s.store == nil {
		return
	}
	err := s.withStore(func(ctx context.Context) error {
		stored, ok, err := s.store.Get(ctx, signed.ID)
		if err != nil || !ok {
			return err
		}
		stored.Sig = signed.Sig
		return s.store.Publish(ctx, stored)
	})
	if err != nil && !errors.Is(err, store.ErrClosed) {
		s.log.Warn("signature backfill failed", logx.String("id", signed.ID), logx.Err(err))
	}
}

func (s *Service) withStore(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config().StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) emitDone(u *Unit) {
	sm, ok := u.result.Value()
	if !ok {
		return
	}
	s.emit(eventbus.TypeCompleted, eventbus.Lifecycle{
		EventID: u.ID(),
		Message: fmt.Sprintf("success=%d failure=%d timeout=%d aborted=%d",
			sm.Count(Success), sm.Count(Failure), sm.Count(Timeout), sm.Count(Aborted)),
	})
}

func (s *Service) emit(typ string, l eventbus.Lifecycle) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: l})
}
