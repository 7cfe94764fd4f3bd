// Package app wires config, logging, storage, signing, relays and the publish
// service into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"relaycast/internal/config"
	"relaycast/internal/eventbus"
	"relaycast/internal/observability/debug"
	"relaycast/internal/publish"
	"relaycast/internal/relay"
	"relaycast/internal/runtime/supervisor"
	"relaycast/internal/signer"
	"relaycast/internal/store"
	"relaycast/internal/worker"
	logx "relaycast/pkg/logx"
)

var ErrNotStarted = errors.New("app not started")

type App struct {
	runID string

	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store store.Store
	keys  *signer.Keyring

	mu       sync.RWMutex
	author   signer.Signer
	defaults []string
	sweep    sweeper

	sup  *supervisor.Supervisor
	pool *relay.Pool
	pub  *publish.Service
	cron *cron.Cron
	dbg  *debug.Server
}

// Status is the document served by the debug endpoint.
type Status struct {
	Run        string              `json:"run"`
	PubKey     string              `json:"pubkey"`
	Worker     worker.Snapshot     `json:"worker"`
	Registered int                 `json:"registered"`
	Stored     int                 `json:"stored"`
	Relays     []relay.ConnInfo    `json:"relays"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

// New loads the config at cfgPath and opens the store and identity. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"), logx.String("run", runID))

	author, err := loadIdentity(cfg.Identity, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		MaxEvents:   cfg.Store.MaxEvents,
		BusyTimeout: r.StoreBusyTimeout,
	}, logSvc.Logger())
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &App{
		runID:    runID,
		cfgm:     cfgm,
		logs:     logSvc,
		log:      log,
		bus:      eventbus.New(),
		store:    st,
		keys:     signer.NewKeyring(author),
		author:   author,
		defaults: append([]string(nil), cfg.Relay.Default...),
	}, nil
}

// loadIdentity parses the configured secret key, or generates an ephemeral
// one when none is configured.
func loadIdentity(id config.IdentityConfig, log logx.Logger) (*signer.SecretKey, error) {
	raw, err := id.Key()
	if err != nil {
		return nil, err
	}
	if raw == "" {
		k, err := signer.Generate()
		if err != nil {
			return nil, err
		}
		log.Warn("no identity configured; using an ephemeral key", logx.String("pubkey", k.PubKey()))
		return k, nil
	}
	k, err := signer.FromHex(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return k, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func publishConfig(author string, r config.Resolved) publish.Config {
	return publish.Config{
		Author:         author,
		DefaultTimeout: r.RelayTimeout,
		BatchSize:      r.BatchSize,
		BatchDelay:     r.WorkerDelay,
	}
}

func relayConfig(cfg *config.Config, r config.Resolved) relay.Config {
	return relay.Config{
		DialTimeout:    r.DialTimeout,
		WriteTimeout:   r.WriteTimeout,
		DefaultTimeout: r.RelayTimeout,
		RatePerSec:     cfg.Relay.RatePerSec,
		Burst:          cfg.Relay.Burst,
		UserAgent:      cfg.Relay.UserAgent,
	}
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() store.Store { return a.store }

// PubKey returns the public key events are authored with by default.
func (a *App) PubKey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.author.PubKey()
}

// DefaultRelays returns the relays used when a request names none.
func (a *App) DefaultRelays() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.defaults...)
}

// Publisher returns the publish service, or nil before Start.
func (a *App) Publisher() *publish.Service { return a.pub }

// Pool returns the relay pool, or nil before Start.
func (a *App) Pool() *relay.Pool { return a.pool }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the relay pool, the publish service, the maintenance
// schedule and the config watcher.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	r, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.pool = relay.NewPool(a.sup.Context(), relayConfig(cfg, r), a.logs.Logger())
	a.pub = publish.New(a.sup.Context(), publishConfig(a.PubKey(), r), publish.Deps{
		Store:       a.store,
		Signers:     a.keys,
		Broadcaster: a.pool,
		Bus:         a.bus,
		Log:         a.logs.Logger(),
	})

	a.cron = cron.New(cron.WithParser(cronParser))
	if err := a.scheduleSweep(r.IdleSweepSchedule, r.IdleTimeout); err != nil {
		return err
	}
	a.cron.Start()

	a.dbg = debug.New(debug.Config{
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}, func() any { return a.Status() }, a.logs.Logger())
	if err := a.dbg.Start(a.sup.Context()); err != nil {
		return err
	}

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				l, _ := e.Data.(eventbus.Lifecycle)
				a.log.Debug("lifecycle",
					logx.String("type", e.Type),
					logx.String("id", l.EventID),
					logx.String("relay", l.Relay),
					logx.String("status", l.Status),
				)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started",
		logx.String("pubkey", a.PubKey()),
		logx.Strings("relays", a.DefaultRelays()),
		logx.String("store", cfg.Store.Driver),
	)
	return nil
}

// Status reports queue, registry, store and relay counters.
func (a *App) Status() Status {
	st := Status{Run: a.runID, PubKey: a.PubKey(), Stored: a.store.Len()}
	if a.pub != nil {
		st.Worker = a.pub.Worker().Snapshot()
		st.Registered = a.pub.Registry().Len()
	}
	if a.pool != nil {
		st.Relays = a.pool.Conns()
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	return st
}

// Publish publishes one request, filling in the default relays when the
// request names none.
func (a *App) Publish(req publish.Request) (*publish.Unit, error) {
	if a.pub == nil {
		return nil, ErrNotStarted
	}
	if len(req.Relays) == 0 {
		req.Relays = a.DefaultRelays()
	}
	return a.pub.Publish(req), nil
}

// PublishMany publishes reqs as one aggregate.
func (a *App) PublishMany(reqs []publish.Request) (*publish.Aggregate, error) {
	if a.pub == nil {
		return nil, ErrNotStarted
	}
	defaults := a.DefaultRelays()
	for i := range reqs {
		if len(reqs[i].Relays) == 0 {
			reqs[i].Relays = defaults
		}
	}
	return a.pub.PublishMany(reqs), nil
}

// Stop shuts everything down in dependency order and returns every error
// encountered on the way.
func (a *App) Stop(ctx context.Context) error {
	var result *multierror.Error
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	if a.sup != nil {
		if a.dbg != nil {
			step("debug", time.Second, a.dbg.Stop)
		}
		step("maintenance", 2*time.Second, func(c context.Context) error {
			select {
			case <-a.cron.Stop().Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
		step("publish", 3*time.Second, a.pub.Close)
		step("relay", 2*time.Second, a.pool.Close)
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("store", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging: %w", err))
	}
	return result.ErrorOrNil()
}
