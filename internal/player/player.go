// Package player replays macros through an Adapter with pause, resume and
// cooperative stop.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"macrosched/internal/eventbus"
	"macrosched/internal/macro"
	"macrosched/internal/task/clock"
	logx "macrosched/pkg/logx"
)

const defaultSlice = 50 * time.Millisecond

type Player struct {
	adapter Adapter
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus

	mu    sync.Mutex
	slice time.Duration
	run   *activeRun
	since time.Time
}

type activeRun struct {
	macroID string
	cancel  context.CancelFunc
	done    chan struct{}

	// guarded by Player.mu
	paused bool
	resume chan struct{}
}

func New(cfg Config, adapter Adapter, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Player {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Player{adapter: adapter, clk: clk, log: log, bus: bus}
	p.Apply(cfg)
	return p
}

func (p *Player) Apply(cfg Config) {
	p.mu.Lock()
	p.slice = cfg.Slice
	if p.slice <= 0 {
		p.slice = defaultSlice
	}
	p.mu.Unlock()
}

func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Player) statusLocked() Status {
	st := Status{Mode: ModeIdle, Since: p.since}
	if p.run != nil {
		st.MacroID = p.run.macroID
		st.Mode = ModePlaying
		if p.run.paused {
			st.Mode = ModePaused
		}
	}
	return st
}

func (p *Player) setStatusLocked() Status {
	p.since = p.clk.Now()
	return p.statusLocked()
}

func (p *Player) publish(st Status) {
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicPlayerStatus, Data: st})
}

// Play replays m to completion. Calling Play while paused resumes the paused
// run instead; calling it while playing fails with ErrAlreadyPlaying. A Stop
// during playback is not an error.
func (p *Player) Play(ctx context.Context, m macro.Macro, opt PlayOptions) error {
	p.mu.Lock()
	if p.run != nil {
		paused := p.run.paused
		p.mu.Unlock()
		if paused {
			p.Resume()
			return nil
		}
		return ErrAlreadyPlaying
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{macroID: m.ID, cancel: cancel, done: make(chan struct{})}
	p.run = run
	slice := p.slice
	st := p.setStatusLocked()
	p.mu.Unlock()
	p.publish(st)

	defer func() {
		cancel()
		p.mu.Lock()
		p.run = nil
		st := p.setStatusLocked()
		p.mu.Unlock()
		close(run.done)
		p.publish(st)
	}()

	err := p.play(runCtx, run, m, opt, slice)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		p.log.Debug("playback stopped", logx.String("macro", m.ID))
		return nil
	}
	return err
}

func (p *Player) play(ctx context.Context, run *activeRun, m macro.Macro, opt PlayOptions, slice time.Duration) error {
	if p.adapter == nil {
		return errors.New("player: no input adapter")
	}
	if err := p.adapter.EnsureReady(ctx); err != nil {
		return fmt.Errorf("player: adapter not ready: %w", err)
	}
	if opt.SpeedMultiplier == 0 {
		opt.SpeedMultiplier = 1
	}
	for i, ev := range m.Events {
		if err := p.waitIfPaused(ctx, run); err != nil {
			return err
		}
		if err := p.sleep(ctx, run, ev.Delay(opt.SpeedMultiplier, opt.MinDelay), slice); err != nil {
			return err
		}
		if err := p.waitIfPaused(ctx, run); err != nil {
			return err
		}
		if ev.Type == macro.EventWait {
			continue
		}
		if err := p.adapter.Perform(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("player: event %d (%s): %w", i, ev.Type, err)
		}
	}
	return nil
}

// sleep waits d in slices, parking while paused between slices.
func (p *Player) sleep(ctx context.Context, run *activeRun, d, slice time.Duration) error {
	for d > 0 {
		if err := p.waitIfPaused(ctx, run); err != nil {
			return err
		}
		step := min(slice, d)
		if err := p.clk.Sleep(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	return ctx.Err()
}

func (p *Player) waitIfPaused(ctx context.Context, run *activeRun) error {
	for {
		p.mu.Lock()
		paused, ch := run.paused, run.resume
		p.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause parks the active run at its next slice boundary. It reports whether
// the player transitioned to PAUSED.
func (p *Player) Pause() bool {
	p.mu.Lock()
	if p.run == nil || p.run.paused {
		p.mu.Unlock()
		return false
	}
	p.run.paused = true
	p.run.resume = make(chan struct{})
	st := p.setStatusLocked()
	p.mu.Unlock()
	p.publish(st)
	return true
}

// Resume releases every waiter parked by Pause.
func (p *Player) Resume() bool {
	p.mu.Lock()
	if p.run == nil || !p.run.paused {
		p.mu.Unlock()
		return false
	}
	p.run.paused = false
	close(p.run.resume)
	p.run.resume = nil
	st := p.setStatusLocked()
	p.mu.Unlock()
	p.publish(st)
	return true
}

// Stop aborts the active run and waits until it has unwound (or ctx ends).
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	run := p.run
	p.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
