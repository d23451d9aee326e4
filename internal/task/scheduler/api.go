package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"macrosched/internal/eventbus"
	"macrosched/internal/macro"
	"macrosched/internal/metrics"
	"macrosched/internal/schedule"
	"macrosched/internal/task/coordinator"
	"macrosched/internal/task/evaluator"
	logx "macrosched/pkg/logx"
)

// Reload rebuilds the armed set from the repository. Schedules whose stored
// definition is unchanged keep their evaluator (and window state); changed or
// new ones get a fresh evaluator. A schedule that fails to compile is logged
// and left unarmed without affecting the others.
func (s *Service) Reload(ctx context.Context) (ReloadResult, error) {
	scheds, err := s.cat.Repo().ListSchedules(ctx)
	if err != nil {
		metrics.SchedulerReloads.WithLabelValues("error").Inc()
		return ReloadResult{}, fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	deps := evaluator.Deps{
		Macros: s.cat,
		Runner: s.runner,
		Clock:  s.clk,
		Log:    s.log,
		Bus:    s.bus,
	}
	opt := evaluator.Options{MissGrace: s.cfg.QuotaMissGrace}

	res := ReloadResult{Failed: map[string]string{}}
	next := make(map[string]*armed, len(scheds))
	for _, sc := range scheds {
		if !sc.Enabled {
			res.Disabled++
			continue
		}
		if prev, ok := s.armed[sc.ID]; ok && sameDefinition(prev.ev.Schedule(), sc) {
			next[sc.ID] = prev
			continue
		}
		ev, warnings, err := evaluator.Build(sc, deps, opt)
		if err != nil {
			res.Failed[sc.ID] = err.Error()
			s.log.Warn("schedule not armed", logx.String("schedule", sc.ID), logx.String("macro", sc.MacroID), logx.Err(err))
			continue
		}
		if len(warnings) > 0 {
			s.log.Debug("schedule payloads ignored", logx.String("schedule", sc.ID), logx.Any("ignored", warnings))
		}
		next[sc.ID] = &armed{ev: ev}
	}

	for id, a := range s.armed {
		if next[id] != a {
			s.unregisterLocked(a)
		}
	}
	for id, a := range next {
		if s.armed[id] != a {
			s.registerLocked(a)
		}
	}
	s.armed = next
	s.failed = res.Failed
	s.lastReload = s.clk.Now()
	res.Armed = len(next)
	hooks := append([]func(ReloadResult){}, s.onReload...)
	s.mu.Unlock()

	metrics.SchedulerReloads.WithLabelValues("ok").Inc()
	metrics.SchedulesArmed.Set(float64(res.Armed))
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicSchedulerReload, Time: s.clk.Now(), Data: res})
	s.log.Info("schedules reloaded", logx.Int("armed", res.Armed), logx.Int("disabled", res.Disabled), logx.Int("failed", len(res.Failed)))
	for _, fn := range hooks {
		fn(res)
	}
	return res, nil
}

// sameDefinition compares the full stored records. Hand edits to the
// schedules file usually leave updatedAt alone, so timestamps are not enough.
func sameDefinition(a, b schedule.Schedule) bool {
	if a.ID != b.ID {
		return false
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// tick runs one evaluation for a cron entry.
func (s *Service) tick(ev *evaluator.Evaluator) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clk.Now().In(s.location())
	res, err := ev.Tick(ctx, now)
	if err != nil {
		s.reportTickError(ev.ScheduleID(), err)
		return
	}
	if res.Decision == evaluator.DecisionFired {
		s.log.Debug("schedule fired", logx.String("schedule", ev.ScheduleID()), logx.String("slot", res.Slot), logx.String("outcome", string(res.Outcome)))
	}
}

// TickAll evaluates every armed schedule at now, sequentially in schedule id
// order. Errors are reported and swallowed per schedule.
func (s *Service) TickAll(ctx context.Context, now time.Time) map[string]evaluator.Result {
	s.mu.Lock()
	evs := make([]*evaluator.Evaluator, 0, len(s.armed))
	for _, a := range s.armed {
		evs = append(evs, a.ev)
	}
	s.mu.Unlock()
	sort.Slice(evs, func(i, j int) bool { return evs[i].ScheduleID() < evs[j].ScheduleID() })

	out := make(map[string]evaluator.Result, len(evs))
	for _, ev := range evs {
		res, err := ev.Tick(ctx, now)
		if err != nil {
			s.reportTickError(ev.ScheduleID(), err)
		}
		out[ev.ScheduleID()] = res
	}
	return out
}

// RunNow triggers a macro outside any schedule. Errors (unknown macro, player
// failure) are returned to the caller.
func (s *Service) RunNow(ctx context.Context, macroID string, opt RunOptions) (coordinator.Outcome, error) {
	m, err := s.cat.GetMacro(ctx, macroID)
	if err != nil {
		return "", err
	}
	source := opt.Source
	if source == "" {
		source = "manual"
	}
	s.log.Info("run requested",
		logx.String("macro", m.ID),
		logx.String("source", source),
		logx.String("policy", string(opt.Policy)),
		logx.Int("repeat", opt.RepeatCount),
		logx.Duration("countdown", opt.Countdown),
	)
	return s.runner.Trigger(ctx, coordinator.Request{
		Macro:       m,
		Policy:      opt.Policy,
		Countdown:   opt.Countdown,
		RepeatCount: opt.RepeatCount,
		Source:      source,
	})
}

// Schedule edits persist through the catalog and then trigger a full reload.

func (s *Service) CreateSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	out, err := s.cat.CreateSchedule(ctx, sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return out, s.reloadAfter(ctx, "create", out.ID)
}

func (s *Service) PatchSchedule(ctx context.Context, id string, p schedule.Patch) (schedule.Schedule, error) {
	out, err := s.cat.PatchSchedule(ctx, id, p)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return out, s.reloadAfter(ctx, "patch", id)
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (schedule.Schedule, error) {
	out, err := s.cat.SetScheduleEnabled(ctx, id, enabled)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return out, s.reloadAfter(ctx, "set_enabled", id)
}

func (s *Service) RemoveSchedule(ctx context.Context, id string) error {
	if err := s.cat.RemoveSchedule(ctx, id); err != nil {
		return err
	}
	return s.reloadAfter(ctx, "remove", id)
}

// RemoveMacro deletes a macro together with its schedules.
func (s *Service) RemoveMacro(ctx context.Context, id string) error {
	n, err := s.cat.RemoveMacro(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.reloadAfter(ctx, "remove_macro", id)
}

// Macro returns a stored macro; used by callers that want a preview before RunNow.
func (s *Service) Macro(ctx context.Context, id string) (macro.Macro, error) {
	return s.cat.GetMacro(ctx, id)
}

func (s *Service) reloadAfter(ctx context.Context, op, id string) error {
	if _, err := s.Reload(ctx); err != nil {
		return fmt.Errorf("%s %s: reload: %w", op, id, err)
	}
	return nil
}
