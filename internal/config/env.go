package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "MACROSCHED_"

// overrides are the settings that may come from the environment. Unset
// variables leave the file value alone.
type overrides struct {
	LogLevel      string `env:"LOG_LEVEL"`
	Timezone      string `env:"TIMEZONE"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	MetricsAddr   string `env:"METRICS_ADDR"`
}

// ApplyEnv overlays MACROSCHED_* variables onto cfg. environ is for tests;
// nil reads the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o overrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	if v := strings.TrimSpace(o.MetricsAddr); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	return nil
}
