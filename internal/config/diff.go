package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaycast/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between oldCfg and
// newCfg and returns log fields describing the new values. Secrets are never
// included; identity changes only report whether a key is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Identity != newCfg.Identity {
		changed = append(changed, "identity")
		attrs = append(attrs,
			logx.Bool("identity.key_set", strings.TrimSpace(newCfg.Identity.SecretKey) != ""),
			logx.Bool("identity.key_file_set", strings.TrimSpace(newCfg.Identity.SecretKeyFile) != ""),
		)
	}
	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}
	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.batch_size", newCfg.Worker.BatchSize),
			logx.String("worker.delay", newCfg.Worker.Delay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.default_count", len(newCfg.Relay.Default)),
			logx.String("relay.timeout", newCfg.Relay.Timeout),
			logx.Any("relay.rate_per_sec", newCfg.Relay.RatePerSec),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.idle_sweep", newCfg.Maintenance.IdleSweep),
			logx.String("maintenance.idle_timeout", newCfg.Maintenance.IdleTimeout),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// restart. They are read once at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s == "store" || s == "worker" || s == "debug" {
			out = append(out, s)
		}
	}
	return out
}
