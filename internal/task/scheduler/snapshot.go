package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	tz := s.cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(s.armed))
	for _, a := range s.armed {
		sc := a.ev.Schedule()
		it := ScheduleInfo{
			ID:      sc.ID,
			MacroID: sc.MacroID,
			Mode:    a.ev.Mode(),
			Policy:  string(sc.EffectivePolicy()),
			Specs:   a.ev.Specs(),
			State:   a.ev.State(),
		}
		if s.c != nil {
			for _, eid := range a.entries {
				e := s.c.Entry(eid)
				if !e.Next.IsZero() && (it.Next.IsZero() || e.Next.Before(it.Next)) {
					it.Next = e.Next
				}
				if e.Prev.After(it.Prev) {
					it.Prev = e.Prev
				}
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	failed := make(map[string]string, len(s.failed))
	for k, v := range s.failed {
		failed[k] = v
	}
	return Snapshot{
		Enabled:    s.cfg.Enabled,
		Running:    s.c != nil,
		Timezone:   tz,
		LastReload: s.lastReload,
		Schedules:  items,
		Failed:     failed,
	}
}
