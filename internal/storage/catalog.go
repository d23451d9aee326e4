package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
)

var ErrInvalidMacro = errors.New("invalid macro")

func NewMacroID() string    { return "m_" + shortID() }
func NewScheduleID() string { return "s_" + shortID() }

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}

// Catalog is the editing surface over a Repository: it assigns ids and
// timestamps and validates records before they are stored.
type Catalog struct {
	repo Repository
	now  func() time.Time
}

func NewCatalog(repo Repository, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{repo: repo, now: now}
}

func (c *Catalog) Repo() Repository { return c.repo }

// ListMacros returns macros most recently updated first.
func (c *Catalog) ListMacros(ctx context.Context) ([]macro.Macro, error) {
	ms, err := c.repo.ListMacros(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].UpdatedAt.After(ms[j].UpdatedAt) })
	return ms, nil
}

func (c *Catalog) GetMacro(ctx context.Context, id string) (macro.Macro, error) {
	return c.repo.GetMacro(ctx, id)
}

func (c *Catalog) CreateMacro(ctx context.Context, name string, events []macro.Event, meta *macro.Meta) (macro.Macro, error) {
	now := c.now()
	m := macro.Macro{
		ID:        NewMacroID(),
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
		Events:    events,
		Meta:      meta,
	}
	if m.Events == nil {
		m.Events = []macro.Event{}
	}
	if err := validateMacro(m); err != nil {
		return macro.Macro{}, err
	}
	if err := c.repo.PutMacro(ctx, m); err != nil {
		return macro.Macro{}, err
	}
	return m, nil
}

func (c *Catalog) RenameMacro(ctx context.Context, id, name string) (macro.Macro, error) {
	return c.updateMacro(ctx, id, func(m *macro.Macro) { m.Name = strings.TrimSpace(name) })
}

func (c *Catalog) UpdateMacroEvents(ctx context.Context, id string, events []macro.Event) (macro.Macro, error) {
	return c.updateMacro(ctx, id, func(m *macro.Macro) { m.Events = events })
}

// CopyMacro duplicates a macro under a new id as "<name> (copy)".
func (c *Catalog) CopyMacro(ctx context.Context, id string) (macro.Macro, error) {
	src, err := c.repo.GetMacro(ctx, id)
	if err != nil {
		return macro.Macro{}, err
	}
	cp := src.Clone()
	return c.CreateMacro(ctx, src.Name+" (copy)", cp.Events, cp.Meta)
}

// RemoveMacro deletes a macro and every schedule that targets it. It returns
// the number of schedules removed.
func (c *Catalog) RemoveMacro(ctx context.Context, id string) (int, error) {
	if err := c.repo.DeleteMacro(ctx, id); err != nil {
		return 0, err
	}
	scheds, err := c.repo.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range scheds {
		if s.MacroID != id {
			continue
		}
		if err := c.repo.DeleteSchedule(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Catalog) updateMacro(ctx context.Context, id string, fn func(m *macro.Macro)) (macro.Macro, error) {
	m, err := c.repo.GetMacro(ctx, id)
	if err != nil {
		return macro.Macro{}, err
	}
	fn(&m)
	m.UpdatedAt = c.now()
	if err := validateMacro(m); err != nil {
		return macro.Macro{}, err
	}
	if err := c.repo.PutMacro(ctx, m); err != nil {
		return macro.Macro{}, err
	}
	return m, nil
}

// ListSchedules returns schedules most recently updated first.
func (c *Catalog) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	ss, err := c.repo.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].UpdatedAt.After(ss[j].UpdatedAt) })
	return ss, nil
}

// CreateSchedule stores s under a fresh id. The target macro must exist and
// the definition must compile.
func (c *Catalog) CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	now := c.now()
	s.ID = NewScheduleID()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := c.checkSchedule(ctx, s); err != nil {
		return schedule.Schedule{}, err
	}
	if err := c.repo.PutSchedule(ctx, s); err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func (c *Catalog) PatchSchedule(ctx context.Context, id string, p schedule.Patch) (schedule.Schedule, error) {
	cur, err := c.repo.GetSchedule(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	next := p.Apply(cur)
	next.UpdatedAt = c.now()
	if err := c.checkSchedule(ctx, next); err != nil {
		return schedule.Schedule{}, err
	}
	if err := c.repo.PutSchedule(ctx, next); err != nil {
		return schedule.Schedule{}, err
	}
	return next, nil
}

func (c *Catalog) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (schedule.Schedule, error) {
	return c.PatchSchedule(ctx, id, schedule.Patch{Enabled: &enabled})
}

func (c *Catalog) RemoveSchedule(ctx context.Context, id string) error {
	return c.repo.DeleteSchedule(ctx, id)
}

func (c *Catalog) RecordRun(ctx context.Context, r RunRecord) error {
	return c.repo.AppendRun(ctx, r)
}

func (c *Catalog) checkSchedule(ctx context.Context, s schedule.Schedule) error {
	if _, _, err := schedule.Compile(s); err != nil {
		return err
	}
	if _, err := c.repo.GetMacro(ctx, s.MacroID); err != nil {
		return fmt.Errorf("schedule target: %w", err)
	}
	return nil
}

func validateMacro(m macro.Macro) error {
	if err := schedule.Validator().Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMacro, err)
	}
	return nil
}
