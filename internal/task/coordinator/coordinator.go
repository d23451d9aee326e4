// Package coordinator serializes run requests against the single player:
// at most one execution (countdown included) is active process-wide, and a
// busy player resolves each request by its conflict policy.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"macrosched/internal/eventbus"
	"macrosched/internal/metrics"
	"macrosched/internal/player"
	"macrosched/internal/schedule"
	"macrosched/internal/task/clock"
	logx "macrosched/pkg/logx"
)

const (
	defaultDrainPoll   = 250 * time.Millisecond
	defaultHistorySize = 200
)

type Coordinator struct {
	clk    clock.Clock
	player Player
	log    logx.Logger
	bus    eventbus.Bus

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	cfg      Config
	closed   bool
	active   *execution
	released chan struct{} // closed and replaced whenever active is released
	queue    []queued
	draining bool
	// cancelGen is closed by CancelAll; executions capture it when claimed.
	cancelGen chan struct{}
	history   []HistoryItem
	onFinish  func(HistoryItem)
}

type queued struct {
	req      Request
	enqueued time.Time
}

type execution struct {
	id      string
	req     Request
	started time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (e *execution) signalStop() { e.stopOnce.Do(func() { close(e.stop) }) }

func New(cfg Config, p Player, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		clk:        clk,
		player:     p,
		log:        log,
		bus:        bus,
		baseCtx:    ctx,
		baseCancel: cancel,
		cfg:        withDefaults(cfg),
		released:   make(chan struct{}),
		cancelGen:  make(chan struct{}),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = defaultDrainPoll
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Play.SpeedMultiplier <= 0 {
		cfg.Play.SpeedMultiplier = 1
	}
	return cfg
}

func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = withDefaults(cfg)
	c.mu.Unlock()
}

// OnFinish installs a hook called (synchronously) with every history item.
func (c *Coordinator) OnFinish(fn func(HistoryItem)) {
	c.mu.Lock()
	c.onFinish = fn
	c.mu.Unlock()
}

// Trigger resolves a run request against the player.
//
// When nothing is active the request executes inline and Trigger returns once
// it has finished. SKIP drops the request, QUEUE appends it for the drain loop
// and returns immediately, RESTART stops the active execution and then runs
// inline. Player errors from an inline execution are returned.
func (c *Coordinator) Trigger(ctx context.Context, req Request) (Outcome, error) {
	req = normalize(req)
	restarted := false
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return "", ErrClosed
		}
		if c.idleLocked() {
			exec := c.claimLocked(req)
			gen := c.cancelGen
			c.mu.Unlock()

			err := c.run(ctx, exec, gen)
			if restarted {
				return OutcomeRestarted, err
			}
			return OutcomeExecuted, err
		}

		switch req.Policy {
		case schedule.PolicyQueue:
			c.queue = append(c.queue, queued{req: req, enqueued: c.clk.Now()})
			qlen := len(c.queue)
			c.startDrainLocked()
			c.mu.Unlock()

			metrics.RunsTotal.WithLabelValues(string(OutcomeQueued)).Inc()
			metrics.QueueLength.Set(float64(qlen))
			c.bus.Publish(eventbus.Event{Type: eventbus.TopicRunQueued, Data: runEvent("", req)})
			c.log.Debug("run queued", logx.String("macro", req.Macro.ID), logx.String("source", req.Source), logx.Int("queue_len", qlen))
			return OutcomeQueued, nil

		case schedule.PolicyRestart:
			cur := c.active
			c.mu.Unlock()

			restarted = true
			if cur != nil {
				cur.signalStop()
			}
			if err := c.player.Stop(ctx); err != nil {
				return "", err
			}
			if cur != nil {
				select {
				case <-cur.done:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			c.log.Debug("active run stopped for restart", logx.String("macro", req.Macro.ID), logx.String("source", req.Source))

		default:
			item := HistoryItem{
				ID:        uuid.NewString(),
				MacroID:   req.Macro.ID,
				MacroName: req.Macro.Name,
				Source:    req.Source,
				Policy:    req.Policy,
				Status:    StatusSkipped,
				Started:   c.clk.Now(),
				Requested: req.RepeatCount,
			}
			hook := c.recordLocked(item)
			c.mu.Unlock()

			metrics.RunsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			c.bus.Publish(eventbus.Event{Type: eventbus.TopicRunSkipped, Data: runEvent(item.ID, req)})
			c.log.Debug("run skipped (player busy)", logx.String("macro", req.Macro.ID), logx.String("source", req.Source))
			if hook != nil {
				hook(item)
			}
			return OutcomeSkipped, nil
		}
	}
}

// CancelAll clears the queue and stops in-flight executions from starting
// further repeats (or leaving their countdown). It does not stop a play that
// is already running; callers pair it with the player's Stop.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	close(c.cancelGen)
	c.cancelGen = make(chan struct{})
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	metrics.QueueLength.Set(0)
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicRunCanceled, Data: RunEvent{Source: "cancel_all"}})
	c.log.Info("all runs canceled", logx.Int("dropped_queued", dropped))
}

// Close rejects further requests, drops the queue and waits for the drain loop.
// It does not stop the player.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	close(c.cancelGen)
	c.cancelGen = make(chan struct{})
	c.mu.Unlock()
	c.baseCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Player:   c.player.Status(),
		Draining: c.draining,
		Queue:    make([]QueuedInfo, 0, len(c.queue)),
		History:  append([]HistoryItem(nil), c.history...),
	}
	if c.active != nil {
		snap.Active = &ActiveInfo{
			ID:      c.active.id,
			MacroID: c.active.req.Macro.ID,
			Source:  c.active.req.Source,
			Started: c.active.started,
		}
	}
	for _, q := range c.queue {
		snap.Queue = append(snap.Queue, QueuedInfo{MacroID: q.req.Macro.ID, Source: q.req.Source, Enqueued: q.enqueued})
	}
	return snap
}

func normalize(req Request) Request {
	if req.RepeatCount < 1 {
		req.RepeatCount = 1
	}
	if req.Countdown < 0 {
		req.Countdown = 0
	}
	switch req.Policy {
	case schedule.PolicySkip, schedule.PolicyQueue, schedule.PolicyRestart:
	default:
		req.Policy = schedule.PolicySkip
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	return req
}

func (c *Coordinator) idleLocked() bool {
	return c.active == nil && c.player.Status().Mode == player.ModeIdle
}

func (c *Coordinator) claimLocked(req Request) *execution {
	exec := &execution{
		id:      uuid.NewString(),
		req:     req,
		started: c.clk.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.active = exec
	metrics.ActiveRuns.Set(1)
	return exec
}

func (c *Coordinator) release(exec *execution) {
	c.mu.Lock()
	if c.active == exec {
		c.active = nil
	}
	close(c.released)
	c.released = make(chan struct{})
	c.mu.Unlock()
	metrics.ActiveRuns.Set(0)
	close(exec.done)
}

// run performs countdown and repeats for a claimed execution.
func (c *Coordinator) run(ctx context.Context, exec *execution, gen <-chan struct{}) error {
	req := exec.req
	c.mu.Lock()
	opt := c.cfg.Play
	c.mu.Unlock()

	c.bus.Publish(eventbus.Event{Type: eventbus.TopicRunStarted, Data: runEvent(exec.id, req)})
	c.log.Info("run started",
		logx.String("macro", req.Macro.ID),
		logx.String("name", req.Macro.Name),
		logx.String("source", req.Source),
		logx.Int("repeat", req.RepeatCount),
		logx.Duration("countdown", req.Countdown),
	)

	completed := 0
	canceled := false
	var runErr error

	if req.Countdown > 0 {
		cctx, cancel := stoppable(ctx, exec.stop, gen)
		err := c.clk.Sleep(cctx, req.Countdown)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
			} else {
				canceled = true
			}
		}
	}

	for i := 0; runErr == nil && !canceled && i < req.RepeatCount; i++ {
		if signaled(exec.stop) || signaled(gen) {
			canceled = true
			break
		}
		if err := c.player.Play(ctx, req.Macro, opt); err != nil {
			runErr = err
			break
		}
		// Play returns nil when stopped; a restart interrupts the current repeat.
		if signaled(exec.stop) {
			canceled = true
			break
		}
		completed++
	}
	if runErr == nil && ctx.Err() != nil && completed < req.RepeatCount {
		runErr = ctx.Err()
	}

	took := c.clk.Now().Sub(exec.started)
	item := HistoryItem{
		ID:        exec.id,
		MacroID:   req.Macro.ID,
		MacroName: req.Macro.Name,
		Source:    req.Source,
		Policy:    req.Policy,
		Status:    StatusOK,
		Started:   exec.started,
		Duration:  took,
		Repeats:   completed,
		Requested: req.RepeatCount,
	}
	ev := runEvent(exec.id, req)
	ev.Repeats = completed
	ev.Duration = took

	topic := eventbus.TopicRunFinished
	switch {
	case runErr != nil:
		item.Status = StatusFailed
		item.Error = runErr.Error()
		ev.Error = item.Error
		topic = eventbus.TopicRunFailed
		c.log.Warn("run failed", logx.String("macro", req.Macro.ID), logx.String("source", req.Source), logx.Int("completed", completed), logx.Err(runErr))
	case canceled:
		item.Status = StatusCanceled
		topic = eventbus.TopicRunCanceled
		c.log.Info("run canceled", logx.String("macro", req.Macro.ID), logx.String("source", req.Source), logx.Int("completed", completed))
	default:
		c.log.Info("run finished", logx.String("macro", req.Macro.ID), logx.String("source", req.Source), logx.Int("completed", completed), logx.Duration("took", took))
	}

	c.mu.Lock()
	hook := c.recordLocked(item)
	c.mu.Unlock()
	c.release(exec)

	metrics.RunsTotal.WithLabelValues(string(item.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(item.Status)).Observe(took.Seconds())
	c.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	if hook != nil {
		hook(item)
	}
	return runErr
}

func (c *Coordinator) recordLocked(item HistoryItem) func(HistoryItem) {
	c.history = append(c.history, item)
	if n := c.cfg.HistorySize; len(c.history) > n {
		c.history = c.history[len(c.history)-n:]
	}
	return c.onFinish
}

func (c *Coordinator) startDrainLocked() {
	if c.draining {
		return
	}
	c.draining = true
	c.wg.Add(1)
	go c.drain()
}

// drain executes queued requests in arrival order, one at a time.
func (c *Coordinator) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		if !c.idleLocked() {
			released := c.released
			poll := c.cfg.DrainPoll
			c.mu.Unlock()

			t := time.NewTimer(poll)
			select {
			case <-released:
			case <-t.C:
			case <-c.baseCtx.Done():
			}
			t.Stop()
			continue
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		qlen := len(c.queue)
		exec := c.claimLocked(next.req)
		gen := c.cancelGen
		c.mu.Unlock()

		metrics.QueueLength.Set(float64(qlen))
		if err := c.run(c.baseCtx, exec, gen); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("queued run failed", logx.String("macro", next.req.Macro.ID), logx.String("source", next.req.Source), logx.Err(err))
		}
	}
}

func runEvent(id string, req Request) RunEvent {
	return RunEvent{ID: id, MacroID: req.Macro.ID, Source: req.Source, Policy: string(req.Policy)}
}

// stoppable derives a context that is canceled when any of chans fires.
func stoppable(ctx context.Context, chans ...<-chan struct{}) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				cancel()
			case <-cctx.Done():
			}
		}(ch)
	}
	return cctx, cancel
}

func signaled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
