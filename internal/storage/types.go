package storage

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/afero"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path (<prefix>.macros.json, <prefix>.schedules.json, <prefix>.runs.jsonl)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Fs backs the file driver; nil means the OS filesystem.
	Fs afero.Fs
}

// RunRecord is a finished (or skipped) run as kept in the run log.
type RunRecord struct {
	ID         string    `json:"id"`
	MacroID    string    `json:"macroId"`
	MacroName  string    `json:"macroName,omitempty"`
	Source     string    `json:"source"`
	Policy     string    `json:"policy,omitempty"`
	Status     string    `json:"status"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"durationMs"`
	Repeats    int       `json:"repeats"`
	Error      string    `json:"error,omitempty"`
}

// Repository is the key-value persistence the scheduling core consumes.
type Repository interface {
	ListMacros(ctx context.Context) ([]macro.Macro, error)
	GetMacro(ctx context.Context, id string) (macro.Macro, error)
	PutMacro(ctx context.Context, m macro.Macro) error
	DeleteMacro(ctx context.Context, id string) error

	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	PutSchedule(ctx context.Context, s schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// Watcher is implemented by drivers that can report external modifications.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
