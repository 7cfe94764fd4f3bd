package app

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaycast/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// sweeper is the currently scheduled idle-connection sweep.
type sweeper struct {
	spec    string
	idle    time.Duration
	entryID cron.EntryID
}

// scheduleSweep replaces the idle sweep entry. An empty spec removes it.
func (a *App) scheduleSweep(spec string, idle time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sweep.spec == spec && a.sweep.idle == idle {
		return nil
	}
	if a.sweep.entryID != 0 {
		a.cron.Remove(a.sweep.entryID)
	}
	a.sweep = sweeper{spec: spec, idle: idle}
	if spec == "" {
		return nil
	}
	id, err := a.cron.AddFunc(spec, func() { a.sweepIdle(idle) })
	if err != nil {
		return fmt.Errorf("maintenance.idle_sweep: %w", err)
	}
	a.sweep.entryID = id
	a.log.Debug("idle sweep scheduled", logx.String("spec", spec), logx.Duration("idle", idle))
	return nil
}

func (a *App) sweepIdle(idle time.Duration) {
	if a.pool == nil {
		return
	}
	if n := a.pool.CloseIdle(idle); n > 0 {
		a.log.Info("closed idle relay connections", logx.Int("count", n))
	}
}
