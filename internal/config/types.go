package config

// Config is the relaycast configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Identity    IdentityConfig    `json:"identity"`
	Store       StoreConfig       `json:"store"`
	Worker      WorkerConfig      `json:"worker"`
	Relay       RelayConfig       `json:"relay"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// IdentityConfig holds the author key. Either field may be set; SecretKeyFile
// wins when both are. The key is never logged.
type IdentityConfig struct {
	SecretKey     string `json:"secret_key,omitempty"`
	SecretKeyFile string `json:"secret_key_file,omitempty"`
}

// StoreConfig selects the local event store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/events.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	MaxEvents   int    `json:"max_events,omitempty"`   // memory driver
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite driver
}

// WorkerConfig tunes the dispatch batch worker.
//
// Defaults: batch_size 50, delay "50ms".
type WorkerConfig struct {
	BatchSize int    `json:"batch_size,omitempty"`
	Delay     string `json:"delay,omitempty"`
}

// RelayConfig tunes relay connections.
//
// Defaults: timeout "10s", dial_timeout "5s", write_timeout "5s",
// rate_per_sec 0 (unlimited), burst 1.
type RelayConfig struct {
	Default      []string `json:"default"`
	Timeout      string   `json:"timeout,omitempty"`
	DialTimeout  string   `json:"dial_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`
	Burst        int      `json:"burst,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
}

// MaintenanceConfig schedules background housekeeping.
//
// IdleSweep is a cron spec (robfig/cron, with optional seconds field or
// descriptors such as "@every 1m"). Empty disables the sweep.
type MaintenanceConfig struct {
	IdleSweep   string `json:"idle_sweep,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// DebugConfig enables the diagnostics endpoint (/healthz, /status and pprof).
// Empty Addr disables it. A non-loopback Addr needs Token or AllowInsecure.
type DebugConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
