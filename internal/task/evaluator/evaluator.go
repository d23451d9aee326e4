// Package evaluator decides, once per tick, whether a single schedule fires.
//
// Each armed schedule gets its own Evaluator holding that schedule's window
// state. An evaluator is replaced only when its schedule's definition changes;
// state is never persisted.
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"macrosched/internal/eventbus"
	"macrosched/internal/macro"
	"macrosched/internal/metrics"
	"macrosched/internal/schedule"
	"macrosched/internal/task/clock"
	"macrosched/internal/task/coordinator"
	logx "macrosched/pkg/logx"
)

// DefaultMissGrace is how late a QUOTA slot may still fire when the following
// slot is already due. A slot is never skipped before its successor is due, so
// the effective lateness bound is max(interval, grace, buffer); the grace only
// matters for intervals shorter than itself.
const DefaultMissGrace = 2 * time.Minute

type MacroSource interface {
	GetMacro(ctx context.Context, id string) (macro.Macro, error)
}

type Runner interface {
	Trigger(ctx context.Context, req coordinator.Request) (coordinator.Outcome, error)
}

type Deps struct {
	Macros MacroSource
	Runner Runner
	Clock  clock.Clock
	Log    logx.Logger
	Bus    eventbus.Bus
}

type Options struct {
	MissGrace time.Duration
}

type Decision string

const (
	DecisionFired     Decision = "fired"
	DecisionFailed    Decision = "failed"
	DecisionWaiting   Decision = "waiting"
	DecisionOutside   Decision = "outside_window"
	DecisionDayOff    Decision = "day_filtered"
	DecisionDuplicate Decision = "duplicate"
	DecisionBlocked   Decision = "blocked"
	DecisionDone      Decision = "window_done"
	DecisionInFlight  Decision = "in_flight"
)

type Result struct {
	Decision Decision
	// Slot identifies the fired (or evaluated) slot, e.g. a slot index or minute key.
	Slot    string
	Outcome coordinator.Outcome
	// Skipped counts QUOTA slots passed over on this tick.
	Skipped int
}

// State is the evaluator's window state.
type State struct {
	WindowKey    string    `json:"windowKey,omitempty"`
	LastIndex    int       `json:"lastIndex"`
	NextIndex    int       `json:"nextIndex"`
	RunsDone     int       `json:"runsDone"`
	BlockedUntil time.Time `json:"blockedUntil,omitempty"`
	NextRunAt    time.Time `json:"nextRunAt,omitempty"`
	InFlight     bool      `json:"inFlight"`
	LastFired    time.Time `json:"lastFired,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

type Evaluator struct {
	sched schedule.Schedule
	plan  schedule.Plan
	deps  Deps
	opt   Options

	mu sync.Mutex
	st State
}

// decision is a mode's verdict for one tick. commit runs after a successful
// Trigger with the clock reading taken when it returned.
type decision struct {
	res    Result
	fire   bool
	commit func(returned time.Time)
}

func New(s schedule.Schedule, plan schedule.Plan, deps Deps, opt Options) *Evaluator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if opt.MissGrace <= 0 {
		opt.MissGrace = DefaultMissGrace
	}
	return &Evaluator{
		sched: s,
		plan:  plan,
		deps:  deps,
		opt:   opt,
		st:    State{LastIndex: -1},
	}
}

// Build compiles s and returns its evaluator plus any compile warnings.
func Build(s schedule.Schedule, deps Deps, opt Options) (*Evaluator, []string, error) {
	plan, warnings, err := schedule.Compile(s)
	if err != nil {
		return nil, nil, err
	}
	return New(s, plan, deps, opt), warnings, nil
}

func (e *Evaluator) ScheduleID() string { return e.sched.ID }

func (e *Evaluator) Schedule() schedule.Schedule { return e.sched }

func (e *Evaluator) Mode() schedule.Mode { return e.plan.Mode() }

// Specs returns the cron specs (5-field, minute resolution) that should tick
// this evaluator.
func (e *Evaluator) Specs() []string {
	if p, ok := e.plan.(schedule.TimesPlan); ok {
		specs := make([]string, 0, len(p.Slots))
		for _, s := range p.Slots {
			specs = append(specs, fmt.Sprintf("%d %d * * %d", s.At.Minute, s.At.Hour, int(s.Weekday)))
		}
		return specs
	}
	return []string{"* * * * *"}
}

func (e *Evaluator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Tick evaluates the schedule at now and dispatches a run when one is due.
// It returns after the Runner's Trigger returns. Errors from loading the macro
// or from Trigger are returned with a DecisionFailed result.
func (e *Evaluator) Tick(ctx context.Context, now time.Time) (Result, error) {
	mode := e.plan.Mode()

	e.mu.Lock()
	if e.st.InFlight {
		e.mu.Unlock()
		e.count(mode, DecisionInFlight)
		return Result{Decision: DecisionInFlight}, nil
	}
	d := e.decideLocked(now)
	if !d.fire {
		e.mu.Unlock()
		e.count(mode, d.res.Decision)
		return d.res, nil
	}
	e.st.InFlight = true
	e.mu.Unlock()

	outcome, err := e.dispatch(ctx, d.res.Slot)
	returned := e.deps.Clock.Now()

	e.mu.Lock()
	e.st.InFlight = false
	if err != nil {
		e.st.LastError = err.Error()
	} else {
		e.st.LastError = ""
		e.st.LastFired = returned
		if d.commit != nil {
			d.commit(returned)
		}
	}
	e.mu.Unlock()

	res := d.res
	res.Outcome = outcome
	if err != nil {
		res.Decision = DecisionFailed
	}
	e.count(mode, res.Decision)
	return res, err
}

func (e *Evaluator) decideLocked(now time.Time) decision {
	switch p := e.plan.(type) {
	case schedule.TimesPlan:
		return e.decideTimes(p, now)
	case schedule.IntervalPlan:
		return e.decideInterval(p, now)
	case schedule.QuotaPlan:
		return e.decideQuota(p, now)
	case schedule.ChainPlan:
		return e.decideChain(p, now)
	}
	return decision{res: Result{Decision: DecisionWaiting}}
}

func (e *Evaluator) dispatch(ctx context.Context, slot string) (coordinator.Outcome, error) {
	m, err := e.deps.Macros.GetMacro(ctx, e.sched.MacroID)
	if err != nil {
		return "", fmt.Errorf("schedule %s: load macro %s: %w", e.sched.ID, e.sched.MacroID, err)
	}
	e.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.TopicScheduleFired,
		Time: e.deps.Clock.Now(),
		Data: map[string]any{"scheduleId": e.sched.ID, "macroId": m.ID, "mode": string(e.plan.Mode()), "slot": slot},
	})
	e.deps.Log.Debug("schedule firing",
		logx.String("schedule", e.sched.ID),
		logx.String("macro", m.ID),
		logx.String("mode", string(e.plan.Mode())),
		logx.String("slot", slot),
	)
	out, err := e.deps.Runner.Trigger(ctx, coordinator.Request{
		Macro:       m,
		Policy:      e.sched.EffectivePolicy(),
		Countdown:   e.sched.Countdown(),
		RepeatCount: e.sched.EffectiveRepeat(),
		Source:      "schedule:" + e.sched.ID,
	})
	if err != nil {
		return out, fmt.Errorf("schedule %s: trigger: %w", e.sched.ID, err)
	}
	return out, nil
}

func (e *Evaluator) count(mode schedule.Mode, d Decision) {
	metrics.TriggerDecisions.WithLabelValues(string(mode), string(d)).Inc()
}
