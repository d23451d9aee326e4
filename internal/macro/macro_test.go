package macro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventDelay(t *testing.T) {
	tests := []struct {
		name  string
		ev    Event
		speed float64
		min   time.Duration
		want  time.Duration
	}{
		{"wait uses ms", Event{Type: EventWait, Ms: 500, DeltaMs: 9}, 1, 20 * time.Millisecond, 500 * time.Millisecond},
		{"delta scaled by speed", Event{Type: EventMove, DeltaMs: 300}, 2, 20 * time.Millisecond, 150 * time.Millisecond},
		{"min delay floor", Event{Type: EventLeftClick, DeltaMs: 5}, 1, 20 * time.Millisecond, 20 * time.Millisecond},
		{"speed floored at 0.1", Event{Type: EventMove, DeltaMs: 10}, 0, 0, 100 * time.Millisecond},
		{"rounding", Event{Type: EventMove, DeltaMs: 100}, 3, 0, 33 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Delay(tt.speed, tt.min))
		})
	}
}

func TestEstimateDuration(t *testing.T) {
	m := Macro{Events: []Event{
		{Type: EventMove, DeltaMs: 100},
		{Type: EventWait, Ms: 1000},
		{Type: EventLeftClick, DeltaMs: 0},
	}}
	assert.Equal(t, 1120*time.Millisecond, EstimateDuration(m, 20*time.Millisecond))
}

func TestCloneIsDeep(t *testing.T) {
	m := Macro{ID: "m_1", Events: []Event{{Type: EventKeyTap, Key: "a", Modifiers: []string{"ctrl"}}}}
	cp := m.Clone()
	cp.Events[0].Modifiers[0] = "alt"
	cp.Events[0].Key = "b"
	assert.Equal(t, "ctrl", m.Events[0].Modifiers[0])
	assert.Equal(t, "a", m.Events[0].Key)
}
