package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"macrosched/internal/eventbus"
	"macrosched/internal/storage"
	"macrosched/internal/task/clock"
	"macrosched/internal/task/evaluator"
	logx "macrosched/pkg/logx"
)

func New(cfg Config, cat *storage.Catalog, runner evaluator.Runner, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		clk:    clk,
		cat:    cat,
		runner: runner,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		armed:  map[string]*armed{},
		failed: map[string]string{},
		warnLm: map[string]*rate.Limiter{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// OnReload registers a hook called after every reload (power management,
// status displays).
func (s *Service) OnReload(fn func(ReloadResult)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// Apply swaps the config. A timezone change restarts cron in the new location;
// toggling Enabled starts or stops ticking. A changed miss grace takes effect
// on the next reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg

	if !s.started {
		return
	}
	switch {
	case wasEnabled && !cfg.Enabled:
		s.stopCronLocked()
		s.log.Info("scheduler disabled")
	case !wasEnabled && cfg.Enabled:
		s.startCronLocked()
	case cfg.Enabled && oldTZ != newTZ:
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins ticking armed schedules. Call Reload to arm them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.log.Debug("start requested", logx.Bool("enabled", s.cfg.Enabled), logx.String("tz", strings.TrimSpace(s.cfg.Timezone)))
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; schedules will not tick")
		return
	}
	s.startCronLocked()
}

// Stop stops cron and waits (bounded by ctx) for running tick jobs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	cancel := s.cancel
	for _, a := range s.armed {
		a.entries = nil
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(logx.CronLogger{L: s.log})),
	)
	for _, a := range s.armed {
		s.registerLocked(a)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.armed)))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// Running jobs are not awaited while s.mu is held.
	s.c.Stop()
	s.c = nil
	for _, a := range s.armed {
		a.entries = nil
	}
}

func (s *Service) registerLocked(a *armed) {
	if s.c == nil {
		return
	}
	ev := a.ev
	id := ev.ScheduleID()
	job := cron.FuncJob(func() { s.tick(ev) })
	a.entries = a.entries[:0]
	for _, spec := range ev.Specs() {
		eid, err := s.c.AddJob(spec, job)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("schedule", id), logx.String("spec", spec), logx.Err(err))
			continue
		}
		a.entries = append(a.entries, eid)
	}
	if s.log.Enabled(logx.LevelDebug) {
		args := []logx.Field{logx.String("schedule", id), logx.String("mode", string(ev.Mode())), logx.Int("entries", len(a.entries))}
		if specs := ev.Specs(); len(specs) > 0 {
			if next := s.previewNextRunsLocked(specs[0], 3); next != "" {
				args = append(args, logx.String("next", next))
			}
		}
		s.log.Debug("schedule registered", args...)
	}
}

func (s *Service) unregisterLocked(a *armed) {
	if s.c != nil {
		for _, eid := range a.entries {
			s.c.Remove(eid)
		}
	}
	a.entries = nil
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.loadLocationLocked()
	}
	return s.loc
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming fire times for spec
// in the scheduler timezone.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := s.clk.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
