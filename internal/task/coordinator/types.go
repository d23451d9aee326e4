package coordinator

import (
	"context"
	"errors"
	"time"

	"macrosched/internal/macro"
	"macrosched/internal/player"
	"macrosched/internal/schedule"
)

var (
	ErrClosed = errors.New("coordinator closed")
)

// Outcome is what Trigger did with a request.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeRestarted Outcome = "restarted"
	OutcomeQueued    Outcome = "queued"
	OutcomeSkipped   Outcome = "skipped"
)

// Request asks for one execution (countdown + repeats) of a macro snapshot.
type Request struct {
	Macro       macro.Macro
	Policy      schedule.ConflictPolicy
	Countdown   time.Duration
	RepeatCount int
	Source      string // "schedule:<id>", "manual", "cli"
}

// Player is the single automation resource the coordinator arbitrates.
type Player interface {
	Status() player.Status
	Play(ctx context.Context, m macro.Macro, opt player.PlayOptions) error
	Stop(ctx context.Context) error
}

type Config struct {
	// DrainPoll bounds how long the drain loop waits before re-checking a busy player.
	DrainPoll   time.Duration
	HistorySize int
	Play        player.PlayOptions
}

type RunStatus string

const (
	StatusOK       RunStatus = "ok"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
	StatusSkipped  RunStatus = "skipped"
)

// HistoryItem records a finished (or skipped) request.
type HistoryItem struct {
	ID        string                  `json:"id"`
	MacroID   string                  `json:"macroId"`
	MacroName string                  `json:"macroName,omitempty"`
	Source    string                  `json:"source"`
	Policy    schedule.ConflictPolicy `json:"policy"`
	Status    RunStatus               `json:"status"`
	Started   time.Time               `json:"started"`
	Duration  time.Duration           `json:"duration"`
	Repeats   int                     `json:"repeats"`
	Requested int                     `json:"requested"`
	Error     string                  `json:"error,omitempty"`
}

// RunEvent is published on the event bus for run lifecycle changes.
type RunEvent struct {
	ID       string        `json:"id"`
	MacroID  string        `json:"macroId"`
	Source   string        `json:"source"`
	Policy   string        `json:"policy"`
	Repeats  int           `json:"repeats,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type ActiveInfo struct {
	ID      string    `json:"id"`
	MacroID string    `json:"macroId"`
	Source  string    `json:"source"`
	Started time.Time `json:"started"`
}

type QueuedInfo struct {
	MacroID  string    `json:"macroId"`
	Source   string    `json:"source"`
	Enqueued time.Time `json:"enqueued"`
}

type Snapshot struct {
	Player   player.Status `json:"player"`
	Active   *ActiveInfo   `json:"active,omitempty"`
	Queue    []QueuedInfo  `json:"queue"`
	Draining bool          `json:"draining"`
	History  []HistoryItem `json:"history"`
}
