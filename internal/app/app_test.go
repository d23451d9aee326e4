package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macrosched/internal/config"
	"macrosched/internal/macro"
	"macrosched/internal/schedule"
	"macrosched/internal/task/coordinator"
	"macrosched/internal/task/scheduler"
)

type fakeInhibitor struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeInhibitor) Inhibit(string) (func() error, error) {
	f.mu.Lock()
	f.held = true
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		f.held = false
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *fakeInhibitor) Held() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	store := filepath.ToSlash(filepath.Join(dir, "store", "macrosched.json"))
	body := fmt.Sprintf(`{
		"logging": {"level": "error", "console": false},
		"scheduler": {"enabled": true, "timezone": "UTC"},
		"coordinator": {"drain_poll": "20ms", "min_delay": "1ms"},
		"player": {"adapter": "log", "slice": "5ms"},
		"storage": {"driver": "file", "path": %q},
		"power": {"prevent_sleep": true}
	}`, store)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestApp(t *testing.T) (*App, *fakeInhibitor) {
	t.Helper()
	inh := &fakeInhibitor{}
	a, err := NewApp(writeConfig(t, t.TempDir()), WithEnviron(map[string]string{}), WithInhibitor(inh))
	require.NoError(t, err)
	return a, inh
}

func TestAppLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, inh := newTestApp(t)
	require.NoError(t, a.Start(ctx))

	m, err := a.Catalog().CreateMacro(ctx, "loot", []macro.Event{
		{Type: macro.EventLeftClick, X: 1, Y: 2, DeltaMs: 5},
		{Type: macro.EventWait, Ms: 5},
	}, nil)
	require.NoError(t, err)

	assert.False(t, inh.Held())
	_, err = a.Scheduler().CreateSchedule(ctx, schedule.Schedule{
		MacroID:  m.ID,
		Enabled:  true,
		Days:     []schedule.DayCode{schedule.Mon},
		Mode:     schedule.ModeInterval,
		Interval: &schedule.IntervalParams{Start: "08:00", End: "09:00", EveryMin: 15},
	})
	require.NoError(t, err)
	assert.True(t, inh.Held(), "armed schedule holds the sleep lock")

	out, err := a.Scheduler().RunNow(ctx, m.ID, scheduler.RunOptions{RepeatCount: 2})
	require.NoError(t, err)
	assert.Equal(t, coordinator.OutcomeExecuted, out)

	runs, err := a.repo.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "manual", runs[0].Source)
	assert.Equal(t, "ok", runs[0].Status)
	assert.Equal(t, 2, runs[0].Repeats)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.False(t, inh.Held())
}

func TestApplyConfigTogglesPowerAndScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, inh := newTestApp(t)
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	m, err := a.Catalog().CreateMacro(ctx, "loot", nil, nil)
	require.NoError(t, err)
	_, err = a.Scheduler().CreateSchedule(ctx, schedule.Schedule{
		MacroID: m.ID, Enabled: true, Days: []schedule.DayCode{schedule.Sun}, Mode: schedule.ModeTimes, Times: []string{"06:00"},
	})
	require.NoError(t, err)
	require.True(t, inh.Held())

	prev := a.cfgm.Get()
	next := *prev
	next.Power = config.PowerConfig{PreventSleep: false}
	next.Scheduler.Enabled = false
	a.applyConfig(prev, &next)

	assert.False(t, inh.Held())
	assert.False(t, a.Scheduler().Enabled())
	assert.False(t, a.Scheduler().Snapshot().Running)
}

func TestStopWithoutStartClosesStorage(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	_, err := a.repo.ListMacros(context.Background())
	assert.Error(t, err)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"coordinator": {"drain_poll": "fast"}}`), 0o600))
	_, err := NewApp(p, WithEnviron(map[string]string{}))
	require.Error(t, err)
}
