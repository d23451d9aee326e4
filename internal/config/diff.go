package config

import (
	"sort"
	"strings"

	logx "macrosched/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs describing their new values. Paths are reported only as
// set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := *oldCfg, *newCfg

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", n.Logging.Alerts.Enabled),
		)
	}

	if n.Scheduler.Enabled != o.Scheduler.Enabled ||
		strings.TrimSpace(n.Scheduler.Timezone) != strings.TrimSpace(o.Scheduler.Timezone) ||
		strings.TrimSpace(n.Scheduler.QuotaMissGrace) != strings.TrimSpace(o.Scheduler.QuotaMissGrace) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Scheduler.Timezone)),
			logx.String("scheduler.quota_miss_grace", strings.TrimSpace(n.Scheduler.QuotaMissGrace)),
		)
	}

	if o.Coordinator != n.Coordinator {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.String("coordinator.drain_poll", n.Coordinator.DrainPoll),
			logx.Int("coordinator.history_size", n.Coordinator.HistorySize),
			logx.Float64("coordinator.speed_multiplier", n.Coordinator.SpeedMultiplier),
			logx.String("coordinator.min_delay", n.Coordinator.MinDelay),
		)
	}

	if o.Player != n.Player {
		changed = append(changed, "player")
		attrs = append(attrs,
			logx.String("player.slice", n.Player.Slice),
			logx.String("player.adapter", n.Player.Adapter),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""),
			logx.Bool("storage.watch", n.Storage.Watch),
		)
	}

	if o.Metrics != n.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", n.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(n.Metrics.Addr)),
			logx.Bool("metrics.pprof", n.Metrics.Pprof),
		)
	}

	if o.Power != n.Power {
		changed = append(changed, "power")
		attrs = append(attrs, logx.Bool("power.prevent_sleep", n.Power.PreventSleep))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "player", "metrics":
			out = append(out, s)
		}
	}
	return out
}
