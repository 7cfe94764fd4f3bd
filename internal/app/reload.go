package app

import (
	"context"
	"fmt"
	"strings"

	"relaycast/internal/config"
	"relaycast/internal/signer"
	logx "relaycast/pkg/logx"
)

// validate rejects a reloaded config before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	r, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	raw, err := cfg.Identity.Key()
	if err != nil {
		return err
	}
	if raw != "" {
		if _, err := signer.FromHex(raw); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	}
	if r.IdleSweepSchedule != "" {
		if _, err := cronParser.Parse(r.IdleSweepSchedule); err != nil {
			return fmt.Errorf("maintenance.idle_sweep: %w", err)
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Only the newest queued config matters.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

// apply pushes a validated config into the running components. Store and
// worker sizing only change on restart.
func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	r, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(logConfig(next))

	if prev == nil || prev.Identity != next.Identity {
		if k, err := loadIdentity(next.Identity, a.log); err != nil {
			a.log.Warn("identity reload failed; keeping previous", logx.Err(err))
		} else {
			a.keys.Add(k)
			a.mu.Lock()
			a.author = k
			a.mu.Unlock()
		}
	}

	a.mu.Lock()
	a.defaults = append([]string(nil), next.Relay.Default...)
	a.mu.Unlock()

	a.pool.Apply(relayConfig(next, r))
	a.pub.Apply(publishConfig(a.PubKey(), r))
	if err := a.scheduleSweep(r.IdleSweepSchedule, r.IdleTimeout); err != nil {
		a.log.Warn("idle sweep not rescheduled", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
