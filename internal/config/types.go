// Package config loads the macrosched JSON/YAML config file, applies
// environment overrides and publishes validated updates to subscribers.
package config

// Config is the on-disk config. Durations are Go duration strings ("250ms",
// "2m"); empty means the component default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Player      PlayerConfig      `json:"player"`
	Storage     StorageConfig     `json:"storage"`
	Metrics     MetricsConfig     `json:"metrics"`
	Power       PowerConfig       `json:"power"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"loglevel"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlerts forwards WARN+ lines to the event bus as log.alert events.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"loglevel"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"min=0"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// IANA zone used for cron ticks and day/window math; empty means Local.
	Timezone       string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	// QuotaMissGrace lets a late QUOTA slot still fire after the next slot is
	// due. Slots are only skipped once their successor is due, so this only
	// changes behaviour for intervals shorter than the grace (default 2m).
	QuotaMissGrace string `json:"quota_miss_grace,omitempty" validate:"duration"`
}

// CoordinatorConfig
//
// Defaults (when fields are omitted/zero):
//   - drain_poll: "250ms"
//   - history_size: 200
//   - speed_multiplier: 1
//   - min_delay: "20ms"
type CoordinatorConfig struct {
	DrainPoll       string  `json:"drain_poll,omitempty" validate:"duration"`
	HistorySize     int     `json:"history_size,omitempty" validate:"min=0,max=100000"`
	SpeedMultiplier float64 `json:"speed_multiplier,omitempty" validate:"min=0,max=100"`
	MinDelay        string  `json:"min_delay,omitempty" validate:"duration"`
}

type PlayerConfig struct {
	Slice   string `json:"slice,omitempty" validate:"duration"`
	Adapter string `json:"adapter,omitempty" validate:"omitempty,oneof=log dry-run record"`
}

// StorageConfig
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/macrosched.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"duration"`
	// Watch reloads schedules when the store is edited outside the process.
	Watch bool `json:"watch,omitempty"`
}

// MetricsConfig controls the Prometheus /metrics listener. Prefer a loopback
// address; Pprof adds /debug/pprof/ to the same listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type PowerConfig struct {
	// PreventSleep holds a systemd-logind sleep inhibitor while at least one
	// enabled schedule is armed.
	PreventSleep bool `json:"prevent_sleep"`
}
