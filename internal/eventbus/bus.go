// Package eventbus is an in-memory fanout used to decouple the run
// coordinator, player and scheduler from their observers (logs, metrics,
// status displays).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics and the Data type each one carries. Data types live in the
// publishing package, so subscribers type-assert.
const (
	// coordinator.RunEvent; MacroID, Source and Policy set, ID empty.
	TopicRunQueued = "run.queued"
	// coordinator.RunEvent for a busy SKIP.
	TopicRunSkipped = "run.skipped"
	// coordinator.RunEvent once countdown starts.
	TopicRunStarted = "run.started"
	// coordinator.RunEvent with Repeats and Duration filled in.
	TopicRunFinished = "run.finished"
	// coordinator.RunEvent with Error set.
	TopicRunFailed = "run.failed"
	// coordinator.RunEvent; Source "cancel_all" when raised by CancelAll.
	TopicRunCanceled = "run.canceled"
	// player.Status on every mode change.
	TopicPlayerStatus = "player.status"
	// map with scheduleId, macroId, mode and slot.
	TopicScheduleFired = "schedule.fired"
	// scheduler.ReloadResult.
	TopicSchedulerReload = "scheduler.reloaded"
	// logx.Alert for WARN+ lines that passed the alert limiter.
	TopicLogAlert = "log.alert"
)

// Event is one notification. Time defaults to the publish time.
//
// Publish never blocks: each subscriber has its own buffer and an event that
// does not fit is dropped for that subscriber only. Observers (app logging,
// metrics) must tolerate gaps.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything; handy as a default dependency.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from send-on-closed.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
