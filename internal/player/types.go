package player

import (
	"context"
	"errors"
	"time"

	"macrosched/internal/macro"
)

type Mode string

const (
	ModeIdle    Mode = "IDLE"
	ModePlaying Mode = "PLAYING"
	ModePaused  Mode = "PAUSED"
)

var ErrAlreadyPlaying = errors.New("player: already playing")

type Status struct {
	Mode    Mode      `json:"mode"`
	MacroID string    `json:"macroId,omitempty"`
	Since   time.Time `json:"since"`
}

type PlayOptions struct {
	SpeedMultiplier float64
	MinDelay        time.Duration
}

// DefaultPlayOptions matches scheduled playback: normal speed, 20ms floor.
func DefaultPlayOptions() PlayOptions {
	return PlayOptions{SpeedMultiplier: 1, MinDelay: 20 * time.Millisecond}
}

// Adapter performs input injection for single events. Implementations live
// outside the scheduling core (OS input libraries, remote agents, dry-run).
type Adapter interface {
	// EnsureReady checks platform prerequisites (permissions, display).
	EnsureReady(ctx context.Context) error
	Perform(ctx context.Context, e macro.Event) error
}

type Config struct {
	// Slice bounds each sleep chunk so pause/stop take effect promptly.
	Slice time.Duration
}
