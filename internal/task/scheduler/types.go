package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"macrosched/internal/eventbus"
	"macrosched/internal/schedule"
	"macrosched/internal/storage"
	"macrosched/internal/task/clock"
	"macrosched/internal/task/evaluator"
	logx "macrosched/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// QuotaMissGrace is how late a QUOTA slot may still fire once the next
	// slot is due; see evaluator.DefaultMissGrace.
	QuotaMissGrace time.Duration
}

// RunOptions configures a manual run.
type RunOptions struct {
	Countdown   time.Duration
	RepeatCount int
	Policy      schedule.ConflictPolicy
	// Source defaults to "manual".
	Source string
}

type armed struct {
	ev      *evaluator.Evaluator
	entries []cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	clk clock.Clock

	cat    *storage.Catalog
	runner evaluator.Runner

	parser  cron.Parser
	c       *cron.Cron
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc

	armed      map[string]*armed
	failed     map[string]string
	lastReload time.Time
	onReload   []func(ReloadResult)

	// Tick failure throttling: one limiter per schedule id.
	warnMu sync.Mutex
	warnLm map[string]*rate.Limiter
}

type ReloadResult struct {
	Armed    int
	Disabled int
	// Failed maps schedule id to the definition error that kept it unarmed.
	Failed map[string]string
}

type ScheduleInfo struct {
	ID      string          `json:"scheduleId"`
	MacroID string          `json:"macroId"`
	Mode    schedule.Mode   `json:"mode"`
	Policy  string          `json:"conflictPolicy"`
	Specs   []string        `json:"specs"`
	Next    time.Time       `json:"next,omitempty"`
	Prev    time.Time       `json:"prev,omitempty"`
	State   evaluator.State `json:"state"`
}

type Snapshot struct {
	Enabled    bool              `json:"enabled"`
	Running    bool              `json:"running"`
	Timezone   string            `json:"timezone"`
	LastReload time.Time         `json:"lastReload,omitempty"`
	Schedules  []ScheduleInfo    `json:"schedules"`
	Failed     map[string]string `json:"failed,omitempty"`
}
