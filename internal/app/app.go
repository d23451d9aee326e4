// Package app wires the macrosched components together and owns their
// lifecycle: config load and hot reload, startup ordering and bounded
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"macrosched/internal/config"
	"macrosched/internal/eventbus"
	"macrosched/internal/metrics"
	"macrosched/internal/player"
	"macrosched/internal/power"
	"macrosched/internal/runtime/supervisor"
	"macrosched/internal/schedule"
	"macrosched/internal/storage"
	"macrosched/internal/task/clock"
	"macrosched/internal/task/coordinator"
	"macrosched/internal/task/scheduler"
	logx "macrosched/pkg/logx"
)

// cliRunDelay gives the user a moment to focus the target window after
// starting with -run-macro.
const cliRunDelay = 1500 * time.Millisecond

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  clock.Clock

	repo   storage.Repository
	cat    *storage.Catalog
	player *player.Player
	coord  *coordinator.Coordinator
	sched  *scheduler.Service
	keeper *power.Keeper
	logind *power.Logind

	metricsSrv *http.Server
}

// Option adjusts App construction; used by tests.
type Option func(*options)

type options struct {
	environ   map[string]string
	inhibitor power.Inhibitor
	clk       clock.Clock
}

// WithEnviron replaces the process environment for MACROSCHED_* overrides.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithInhibitor replaces the systemd-logind sleep inhibitor.
func WithInhibitor(inh power.Inhibitor) Option {
	return func(o *options) { o.inhibitor = inh }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clk == nil {
		o.clk = clock.Real{}
	}

	cfgm := config.NewManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLoggingConfig(cfg), func(a logx.Alert) {
		bus.Publish(eventbus.Event{Type: eventbus.TopicLogAlert, Time: a.Time, Data: a})
	})
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	repo, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	cat := storage.NewCatalog(repo, o.clk.Now)

	fail := func(err error) (*App, error) {
		_ = repo.Close()
		_ = logSvc.Close()
		return nil, err
	}

	adapter, err := player.NewAdapter(cfg.Player.Adapter, log.With(logx.String("comp", "adapter")))
	if err != nil {
		return fail(err)
	}
	pcfg, err := mapPlayerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pl := player.New(pcfg, adapter, o.clk, log.With(logx.String("comp", "player")), bus)

	ccfg, err := mapCoordinatorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	coord := coordinator.New(ccfg, pl, o.clk, log.With(logx.String("comp", "coordinator")), bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(scfg, cat, coord, o.clk, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		clk:    o.clk,
		repo:   repo,
		cat:    cat,
		player: pl,
		coord:  coord,
		sched:  sched,
	}

	inh := o.inhibitor
	if inh == nil {
		a.logind = power.NewLogind()
		inh = a.logind
	}
	a.keeper = power.NewKeeper(inh, cfg.Power.PreventSleep, log.With(logx.String("comp", "power")))
	sched.OnReload(func(r scheduler.ReloadResult) { a.keeper.Update(r.Armed) })

	coord.OnFinish(a.recordRun)
	return a, nil
}

func (a *App) Catalog() *storage.Catalog { return a.cat }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

func (a *App) Player() *player.Player { return a.player }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	cfg := a.cfgm.Get()

	if cfg.Metrics.Enabled {
		a.startMetrics(cfg.Metrics)
	}

	a.sched.Start(a.sup.Context())
	res, err := a.sched.Reload(a.sup.Context())
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("initial schedule load: %w", err)
	}
	for id, reason := range res.Failed {
		a.log.Warn("schedule disabled by error", logx.String("schedule", id), logx.String("err", reason))
	}

	if w, ok := a.repo.(storage.Watcher); ok && cfg.Storage.Watch {
		a.sup.GoRestart("storage.watch", func(c context.Context) error {
			return w.Watch(c, func() {
				if _, err := a.sched.Reload(c); err != nil {
					a.log.Warn("reload after external edit failed", logx.Err(err))
				}
			})
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.observe", func(c context.Context) {
		defer unsub()
		a.observe(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := power.NotifyReady(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.Int("armed", res.Armed),
		logx.Int("disabled", res.Disabled),
		logx.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
	)
	return nil
}

func (a *App) startMetrics(mc config.MetricsConfig) {
	metrics.Register()
	srv := metrics.NewServer(mc.Addr, mc.Pprof)
	a.metricsSrv = srv
	a.sup.Go("metrics.http", func(c context.Context) error {
		a.log.Info("metrics listening", logx.String("addr", mc.Addr), logx.Bool("pprof", mc.Pprof))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// RunMacroAfterStart triggers id with RESTART policy once cliRunDelay has
// passed, as requested by the -run-macro flag.
func (a *App) RunMacroAfterStart(id string) {
	a.sup.Go0("cli.run", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-time.After(cliRunDelay):
		}
		out, err := a.sched.RunNow(c, id, scheduler.RunOptions{Policy: schedule.PolicyRestart, Source: "cli"})
		if err != nil {
			a.log.Error("cli run failed", logx.String("macro", id), logx.Err(err))
			return
		}
		a.log.Info("cli run finished", logx.String("macro", id), logx.String("outcome", string(out)))
	})
}

// StopAll cancels queued and repeating work and interrupts the player.
func (a *App) StopAll(ctx context.Context) error {
	a.coord.CancelAll()
	return a.player.Stop(ctx)
}

func (a *App) recordRun(it coordinator.HistoryItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.cat.RecordRun(ctx, storage.RunRecord{
		ID:         it.ID,
		MacroID:    it.MacroID,
		MacroName:  it.MacroName,
		Source:     it.Source,
		Policy:     string(it.Policy),
		Status:     string(it.Status),
		Started:    it.Started,
		DurationMS: it.Duration.Milliseconds(),
		Repeats:    it.Repeats,
		Error:      it.Error,
	})
	if err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn("run record failed", logx.String("run", it.ID), logx.Err(err))
	}
}

// observe mirrors bus events into logs and metrics.
func (a *App) observe(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TopicPlayerStatus:
				if st, ok := e.Data.(player.Status); ok {
					metrics.SetPlayerState(string(st.Mode))
					a.log.Debug("player status", logx.String("mode", string(st.Mode)), logx.String("macro", st.MacroID))
				}
			case eventbus.TopicLogAlert:
				// already logged at the source
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeStorage()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := power.NotifyStopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "player", 2*time.Second, a.StopAll)
	a.step(ctx, "coordinator", 2*time.Second, a.coord.Close)
	a.step(ctx, "metrics", time.Second, func(c context.Context) error {
		if a.metricsSrv == nil {
			return nil
		}
		return a.metricsSrv.Shutdown(c)
	})
	a.step(ctx, "power", time.Second, func(c context.Context) error {
		err := a.keeper.Close()
		if a.logind != nil {
			a.logind.Close()
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.closeStorage() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStorage() error {
	err := a.repo.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

// step runs one shutdown step bounded by max (never beyond ctx's deadline).
// A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
