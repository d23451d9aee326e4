package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
	"macrosched/internal/storage"
	"macrosched/internal/task/clock"
	"macrosched/internal/task/coordinator"
	"macrosched/internal/task/evaluator"
	logx "macrosched/pkg/logx"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []coordinator.Request
}

func (r *recordingRunner) Trigger(_ context.Context, req coordinator.Request) (coordinator.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return coordinator.OutcomeExecuted, nil
}

func (r *recordingRunner) requests() []coordinator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coordinator.Request(nil), r.reqs...)
}

type fixture struct {
	svc    *Service
	cat    *storage.Catalog
	repo   storage.Repository
	runner *recordingRunner
	now    *time.Time
	macro  macro.Macro
}

// 2024-03-04 is a Monday.
func monday(hh, mm int) time.Time {
	return time.Date(2024, 3, 4, hh, mm, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := storage.Open(storage.Config{Path: "/data/macrosched.json", Fs: afero.NewMemMapFs()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	now := monday(7, 0)
	f := &fixture{repo: repo, runner: &recordingRunner{}, now: &now}
	f.cat = storage.NewCatalog(repo, func() time.Time { return *f.now })
	f.svc = New(Config{Enabled: true, Timezone: "UTC"}, f.cat, f.runner, clock.NewFake(monday(7, 0)), logx.Nop(), nil)

	f.macro, err = f.cat.CreateMacro(context.Background(), "loot", []macro.Event{{Type: macro.EventWait, Ms: 100}}, nil)
	require.NoError(t, err)
	return f
}

func timesAt(macroID, hhmm string) schedule.Schedule {
	return schedule.Schedule{
		MacroID: macroID,
		Enabled: true,
		Days:    []schedule.DayCode{schedule.Mon},
		Mode:    schedule.ModeTimes,
		Times:   []string{hhmm},
	}
}

func morningInterval(macroID string) schedule.Schedule {
	return schedule.Schedule{
		MacroID:  macroID,
		Enabled:  true,
		Days:     []schedule.DayCode{schedule.Mon},
		Mode:     schedule.ModeInterval,
		Interval: &schedule.IntervalParams{Start: "08:00", End: "12:00", EveryMin: 30},
	}
}

func TestReloadArmsEnabledSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	on, err := f.cat.CreateSchedule(ctx, timesAt(f.macro.ID, "09:30"))
	require.NoError(t, err)
	off := timesAt(f.macro.ID, "10:00")
	off.Enabled = false
	_, err = f.cat.CreateSchedule(ctx, off)
	require.NoError(t, err)

	// written behind the catalog's back, e.g. a hand-edited file
	broken := schedule.Schedule{ID: "s_bad", MacroID: f.macro.ID, Enabled: true, Mode: schedule.ModeInterval}
	require.NoError(t, f.repo.PutSchedule(ctx, broken))

	res, err := f.svc.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Armed)
	assert.Equal(t, 1, res.Disabled)
	assert.Contains(t, res.Failed, "s_bad")

	snap := f.svc.Snapshot()
	assert.True(t, snap.Enabled)
	assert.False(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, on.ID, snap.Schedules[0].ID)
	assert.Equal(t, []string{"30 9 * * 1"}, snap.Schedules[0].Specs)
	assert.Equal(t, "SKIP", snap.Schedules[0].Policy)
	assert.Contains(t, snap.Failed, "s_bad")
}

func TestTickAllFiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.svc.CreateSchedule(ctx, timesAt(f.macro.ID, "09:30"))
	require.NoError(t, err)

	out := f.svc.TickAll(ctx, monday(9, 29))
	assert.Equal(t, evaluator.DecisionWaiting, out[s.ID].Decision)

	out = f.svc.TickAll(ctx, monday(9, 30))
	assert.Equal(t, evaluator.DecisionFired, out[s.ID].Decision)
	assert.Equal(t, coordinator.OutcomeExecuted, out[s.ID].Outcome)

	out = f.svc.TickAll(ctx, monday(9, 30).Add(20*time.Second))
	assert.Equal(t, evaluator.DecisionDuplicate, out[s.ID].Decision)

	reqs := f.runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "schedule:"+s.ID, reqs[0].Source)
	assert.Equal(t, f.macro.ID, reqs[0].Macro.ID)
}

func TestReloadKeepsStateOfUnchangedSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.svc.CreateSchedule(ctx, morningInterval(f.macro.ID))
	require.NoError(t, err)
	out := f.svc.TickAll(ctx, monday(8, 0))
	require.Equal(t, evaluator.DecisionFired, out[s.ID].Decision)

	// an unrelated edit reloads everything
	*f.now = f.now.Add(time.Minute)
	_, err = f.svc.CreateSchedule(ctx, timesAt(f.macro.ID, "23:00"))
	require.NoError(t, err)
	out = f.svc.TickAll(ctx, monday(8, 0))
	assert.Equal(t, evaluator.DecisionDuplicate, out[s.ID].Decision)

	// editing the schedule itself starts from a fresh window
	*f.now = f.now.Add(time.Minute)
	repeat := 2
	_, err = f.svc.PatchSchedule(ctx, s.ID, schedule.Patch{RepeatCount: &repeat})
	require.NoError(t, err)
	out = f.svc.TickAll(ctx, monday(8, 0))
	assert.Equal(t, evaluator.DecisionFired, out[s.ID].Decision)

	reqs := f.runner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[1].RepeatCount)
}

func TestReloadRebuildsExternallyEditedSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.svc.CreateSchedule(ctx, timesAt(f.macro.ID, "09:00"))
	require.NoError(t, err)

	// a hand edit of the schedules file keeps updatedAt
	edited := s
	edited.Times = []string{"10:00"}
	require.NoError(t, f.repo.PutSchedule(ctx, edited))
	_, err = f.svc.Reload(ctx)
	require.NoError(t, err)

	out := f.svc.TickAll(ctx, monday(9, 0))
	assert.Equal(t, evaluator.DecisionWaiting, out[s.ID].Decision)
	out = f.svc.TickAll(ctx, monday(10, 0))
	assert.Equal(t, evaluator.DecisionFired, out[s.ID].Decision)

	snap := f.svc.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, []string{"0 10 * * 1"}, snap.Schedules[0].Specs)
}

func TestSetEnabledAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var results []ReloadResult
	f.svc.OnReload(func(r ReloadResult) { results = append(results, r) })

	s, err := f.svc.CreateSchedule(ctx, morningInterval(f.macro.ID))
	require.NoError(t, err)
	_, err = f.svc.SetEnabled(ctx, s.ID, false)
	require.NoError(t, err)
	_, err = f.svc.SetEnabled(ctx, s.ID, true)
	require.NoError(t, err)
	require.NoError(t, f.svc.RemoveMacro(ctx, f.macro.ID))

	require.Len(t, results, 4)
	assert.Equal(t, 1, results[0].Armed)
	assert.Equal(t, 0, results[1].Armed)
	assert.Equal(t, 1, results[1].Disabled)
	assert.Equal(t, 1, results[2].Armed)
	assert.Equal(t, 0, results[3].Armed)

	assert.ErrorIs(t, f.svc.RemoveSchedule(ctx, s.ID), storage.ErrNotFound)
	assert.Empty(t, f.svc.Snapshot().Schedules)
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.RunNow(ctx, f.macro.ID, RunOptions{RepeatCount: 3, Countdown: 2 * time.Second, Policy: schedule.PolicyQueue})
	require.NoError(t, err)
	assert.Equal(t, coordinator.OutcomeExecuted, out)

	reqs := f.runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "manual", reqs[0].Source)
	assert.Equal(t, 3, reqs[0].RepeatCount)
	assert.Equal(t, 2*time.Second, reqs[0].Countdown)
	assert.Equal(t, schedule.PolicyQueue, reqs[0].Policy)

	_, err = f.svc.RunNow(ctx, "m_missing", RunOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, f.runner.requests(), 1)
}

func TestStartStopRegistersCronEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSchedule(ctx, timesAt(f.macro.ID, "09:30"))
	require.NoError(t, err)

	f.svc.Start(ctx)
	snap := f.svc.Snapshot()
	assert.True(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	f.svc.Apply(Config{Enabled: false, Timezone: "UTC"})
	assert.False(t, f.svc.Snapshot().Running)
	assert.False(t, f.svc.Enabled())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	assert.False(t, f.svc.Snapshot().Running)
}
