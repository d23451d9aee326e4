// Package macro holds the recorded input sequence model and its timing rules.
package macro

import (
	"math"
	"time"
)

type EventType string

const (
	EventWait        EventType = "wait"
	EventMove        EventType = "move"
	EventLeftClick   EventType = "left_click"
	EventRightClick  EventType = "right_click"
	EventDoubleClick EventType = "double_click"
	EventMouseDown   EventType = "mouse_down"
	EventMouseUp     EventType = "mouse_up"
	EventKeyTap      EventType = "key_tap"
	EventScroll      EventType = "scroll"
)

type Button string

const (
	ButtonLeft  Button = "left"
	ButtonRight Button = "right"
)

// Event is one recorded step. Only the fields relevant to Type are set; DeltaMs
// is the gap since the previous event at record time (Ms for wait events).
type Event struct {
	Type      EventType `json:"type" yaml:"type" validate:"required,oneof=wait move left_click right_click double_click mouse_down mouse_up key_tap scroll"`
	Ms        int64     `json:"ms,omitempty" yaml:"ms,omitempty" validate:"min=0"`
	X         float64   `json:"x,omitempty" yaml:"x,omitempty"`
	Y         float64   `json:"y,omitempty" yaml:"y,omitempty"`
	Button    Button    `json:"button,omitempty" yaml:"button,omitempty" validate:"omitempty,oneof=left right"`
	Key       string    `json:"key,omitempty" yaml:"key,omitempty"`
	Modifiers []string  `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`
	DX        float64   `json:"dx,omitempty" yaml:"dx,omitempty"`
	DY        float64   `json:"dy,omitempty" yaml:"dy,omitempty"`
	DeltaMs   int64     `json:"deltaMs,omitempty" yaml:"deltaMs,omitempty" validate:"min=0"`
}

type Screen struct {
	Width  int     `json:"width" yaml:"width"`
	Height int     `json:"height" yaml:"height"`
	Scale  float64 `json:"scaleFactor,omitempty" yaml:"scaleFactor,omitempty"`
}

type Meta struct {
	Screen *Screen `json:"screen,omitempty" yaml:"screen,omitempty"`
}

type Macro struct {
	ID        string    `json:"macroId" yaml:"macroId" validate:"required"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
	Events    []Event   `json:"events" yaml:"events" validate:"dive"`
	Meta      *Meta     `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Clone returns a deep copy so a run request can snapshot a macro.
func (m Macro) Clone() Macro {
	cp := m
	cp.Events = make([]Event, len(m.Events))
	for i, e := range m.Events {
		cp.Events[i] = e
		if e.Modifiers != nil {
			cp.Events[i].Modifiers = append([]string(nil), e.Modifiers...)
		}
	}
	if m.Meta != nil {
		meta := *m.Meta
		if m.Meta.Screen != nil {
			sc := *m.Meta.Screen
			meta.Screen = &sc
		}
		cp.Meta = &meta
	}
	return cp
}

const minSpeed = 0.1

// Delay is the pause before the event fires: the recorded gap scaled by
// speed (floored at 0.1x) and never shorter than minDelay.
func (e Event) Delay(speed float64, minDelay time.Duration) time.Duration {
	raw := e.DeltaMs
	if e.Type == EventWait {
		raw = e.Ms
	}
	if raw < 0 {
		raw = 0
	}
	if speed < minSpeed || math.IsNaN(speed) {
		speed = minSpeed
	}
	ms := math.Round(float64(raw) / speed)
	d := time.Duration(ms) * time.Millisecond
	if d < minDelay {
		d = minDelay
	}
	return d
}

// EstimateDuration sums every event delay at normal speed.
func EstimateDuration(m Macro, minDelay time.Duration) time.Duration {
	var total time.Duration
	for _, e := range m.Events {
		total += e.Delay(1, minDelay)
	}
	return total
}
