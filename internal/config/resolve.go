package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Resolved holds parsed durations and defaults applied.
type Resolved struct {
	WorkerDelay       time.Duration
	BatchSize         int
	RelayTimeout      time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	StoreBusyTimeout  time.Duration
	IdleTimeout       time.Duration
	IdleSweepSchedule string
}

const (
	DefaultBatchSize    = 50
	DefaultWorkerDelay  = 50 * time.Millisecond
	DefaultRelayTimeout = 10 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
)

var validDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true}

// Resolve validates cfg and returns its parsed form.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var r Resolved
	var err error

	if r.WorkerDelay, err = ParseDurationOrDefault("worker.delay", cfg.Worker.Delay, DefaultWorkerDelay); err != nil {
		return r, err
	}
	r.BatchSize = cfg.Worker.BatchSize
	if r.BatchSize < 0 {
		return r, fmt.Errorf("worker.batch_size must be >= 0")
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.RelayTimeout, err = ParseDurationOrDefault("relay.timeout", cfg.Relay.Timeout, DefaultRelayTimeout); err != nil {
		return r, err
	}
	if r.DialTimeout, err = ParseDurationOrDefault("relay.dial_timeout", cfg.Relay.DialTimeout, DefaultDialTimeout); err != nil {
		return r, err
	}
	if r.WriteTimeout, err = ParseDurationOrDefault("relay.write_timeout", cfg.Relay.WriteTimeout, DefaultWriteTimeout); err != nil {
		return r, err
	}
	if cfg.Relay.RatePerSec < 0 {
		return r, fmt.Errorf("relay.rate_per_sec must be >= 0")
	}
	for i, u := range cfg.Relay.Default {
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return r, fmt.Errorf("relay.default[%d]: %q is not a websocket url", i, u)
		}
	}
	if r.StoreBusyTimeout, err = ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return r, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if !validDrivers[driver] {
		return r, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(cfg.Store.Path) == "" {
		return r, fmt.Errorf("store.path is required for driver %q", driver)
	}
	if r.IdleTimeout, err = ParseDurationOrDefault("maintenance.idle_timeout", cfg.Maintenance.IdleTimeout, DefaultIdleTimeout); err != nil {
		return r, err
	}
	r.IdleSweepSchedule = strings.TrimSpace(cfg.Maintenance.IdleSweep)
	if a := strings.TrimSpace(cfg.Debug.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return r, fmt.Errorf("debug.addr: %w", err)
		}
	}
	return r, nil
}

// Key returns the configured secret key, reading SecretKeyFile if set.
// It returns "" when no identity is configured.
func (c IdentityConfig) Key() (string, error) {
	if p := strings.TrimSpace(c.SecretKeyFile); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("identity.secret_key_file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return strings.TrimSpace(c.SecretKey), nil
}
