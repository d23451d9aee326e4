package player

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"macrosched/internal/macro"
	logx "macrosched/pkg/logx"
)

// LogAdapter is a dry-run adapter: it logs each event instead of injecting
// input. It is the built-in adapter for headless hosts and smoke tests.
type LogAdapter struct {
	Log logx.Logger
}

func (a LogAdapter) EnsureReady(ctx context.Context) error { return ctx.Err() }

func (a LogAdapter) Perform(ctx context.Context, e macro.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.Log.Debug("input", logx.String("type", string(e.Type)), logx.String("detail", Describe(e)))
	return nil
}

// RecordingAdapter keeps every performed event in memory.
type RecordingAdapter struct {
	mu     sync.Mutex
	events []macro.Event
}

func (a *RecordingAdapter) EnsureReady(ctx context.Context) error { return ctx.Err() }

func (a *RecordingAdapter) Perform(ctx context.Context, e macro.Event) error {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
	return ctx.Err()
}

func (a *RecordingAdapter) Events() []macro.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]macro.Event(nil), a.events...)
}

// NewAdapter builds a built-in adapter by name ("log" or "record").
func NewAdapter(name string, log logx.Logger) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "log", "dry-run":
		return LogAdapter{Log: log}, nil
	case "record":
		return &RecordingAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown player adapter %q", name)
	}
}

// Describe renders an event as a short human-readable string.
func Describe(e macro.Event) string {
	switch e.Type {
	case macro.EventWait:
		return fmt.Sprintf("wait %dms", e.Ms)
	case macro.EventMove:
		return fmt.Sprintf("move %.0f,%.0f", e.X, e.Y)
	case macro.EventLeftClick, macro.EventRightClick, macro.EventDoubleClick:
		return fmt.Sprintf("%s at %.0f,%.0f", e.Type, e.X, e.Y)
	case macro.EventMouseDown, macro.EventMouseUp:
		return fmt.Sprintf("%s %s at %.0f,%.0f", e.Type, e.Button, e.X, e.Y)
	case macro.EventKeyTap:
		if len(e.Modifiers) > 0 {
			return "key " + strings.Join(e.Modifiers, "+") + "+" + e.Key
		}
		return "key " + e.Key
	case macro.EventScroll:
		return fmt.Sprintf("scroll %.0f,%.0f", e.DX, e.DY)
	default:
		return string(e.Type)
	}
}
