package app

import (
	"strings"
	"time"

	"macrosched/internal/config"
	"macrosched/internal/player"
	"macrosched/internal/storage"
	"macrosched/internal/task/coordinator"
	"macrosched/internal/task/scheduler"
	logx "macrosched/pkg/logx"
)

const defaultStorePath = "./data/macrosched.json"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && driver == "file" {
		path = defaultStorePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDuration("scheduler.quota_miss_grace", cfg.Scheduler.QuotaMissGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		QuotaMissGrace: grace,
	}, nil
}

func mapCoordinatorConfig(cfg *config.Config) (coordinator.Config, error) {
	c := cfg.Coordinator
	poll, err := config.ParseDuration("coordinator.drain_poll", c.DrainPoll)
	if err != nil {
		return coordinator.Config{}, err
	}
	play := player.DefaultPlayOptions()
	if c.SpeedMultiplier > 0 {
		play.SpeedMultiplier = c.SpeedMultiplier
	}
	minDelay, err := config.ParseDurationOrDefault("coordinator.min_delay", c.MinDelay, play.MinDelay)
	if err != nil {
		return coordinator.Config{}, err
	}
	play.MinDelay = minDelay
	return coordinator.Config{DrainPoll: poll, HistorySize: c.HistorySize, Play: play}, nil
}

func mapPlayerConfig(cfg *config.Config) (player.Config, error) {
	slice, err := config.ParseDuration("player.slice", cfg.Player.Slice)
	if err != nil {
		return player.Config{}, err
	}
	return player.Config{Slice: slice}, nil
}
