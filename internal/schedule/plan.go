package schedule

import (
	"fmt"
	"sort"
	"time"
)

// Plan is the compiled, mode-specific form of a schedule. Exactly one of the
// concrete plan types is produced per schedule.
type Plan interface {
	Mode() Mode
}

// WeeklySlot is one TIMES firing: weekday at time of day.
type WeeklySlot struct {
	Weekday time.Weekday
	At      ClockTime
}

type TimesPlan struct {
	Slots []WeeklySlot
}

type IntervalPlan struct {
	Days  DaySet
	Start ClockTime
	End   ClockTime
	Every int // minutes
}

// Overnight reports whether the window wraps past midnight.
func (p IntervalPlan) Overnight() bool { return p.End.Minutes() < p.Start.Minutes() }

type QuotaPlan struct {
	Days     DaySet
	Start    ClockTime
	Window   time.Duration
	Interval time.Duration
	Runs     int
	Buffer   time.Duration
}

type ChainPlan struct {
	Days     DaySet
	Start    ClockTime
	Window   time.Duration
	Interval time.Duration
	Runs     int
}

func (TimesPlan) Mode() Mode    { return ModeTimes }
func (IntervalPlan) Mode() Mode { return ModeInterval }
func (QuotaPlan) Mode() Mode    { return ModeQuota }
func (ChainPlan) Mode() Mode    { return ModeChain }

// Compile validates s and builds its plan. The returned warnings list
// payloads present for modes other than the selected one.
func Compile(s Schedule) (Plan, []string, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	days, err := NewDaySet(s.Days)
	if err != nil {
		return nil, nil, invalid(err)
	}
	mode := s.EffectiveMode()
	warnings := ignoredPayloads(s, mode)

	switch mode {
	case ModeTimes:
		p, err := compileTimes(days, s.Times)
		return p, warnings, err
	case ModeInterval:
		start, _ := ParseClock(s.Interval.Start)
		end, _ := ParseClock(s.Interval.End)
		return IntervalPlan{Days: days, Start: start, End: end, Every: s.Interval.EveryMin}, warnings, nil
	case ModeQuota:
		q := s.Quota
		start, _ := ParseClock(q.Start)
		return QuotaPlan{
			Days:     days,
			Start:    start,
			Window:   time.Duration(q.WindowHours) * time.Hour,
			Interval: time.Duration(q.IntervalMin) * time.Minute,
			Runs:     q.RunsPerWindow,
			Buffer:   time.Duration(q.BufferSec) * time.Second,
		}, warnings, nil
	case ModeChain:
		c := s.Chain
		start, _ := ParseClock(c.Start)
		return ChainPlan{
			Days:     days,
			Start:    start,
			Window:   time.Duration(c.WindowHours) * time.Hour,
			Interval: time.Duration(c.IntervalMin) * time.Minute,
			Runs:     c.RunsPerWindow,
		}, warnings, nil
	}
	return nil, nil, invalid(fmt.Errorf("unknown mode %q", mode))
}

func compileTimes(days DaySet, times []string) (TimesPlan, error) {
	seen := map[WeeklySlot]struct{}{}
	var slots []WeeklySlot
	for _, wd := range days.Weekdays() {
		for _, raw := range times {
			at, err := ParseClock(raw)
			if err != nil {
				return TimesPlan{}, invalid(err)
			}
			slot := WeeklySlot{Weekday: wd, At: at}
			if _, dup := seen[slot]; dup {
				continue
			}
			seen[slot] = struct{}{}
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Weekday != slots[j].Weekday {
			return slots[i].Weekday < slots[j].Weekday
		}
		return slots[i].At.Minutes() < slots[j].At.Minutes()
	})
	return TimesPlan{Slots: slots}, nil
}

func ignoredPayloads(s Schedule, mode Mode) []string {
	var out []string
	if mode != ModeTimes && len(s.Times) > 0 {
		out = append(out, "times")
	}
	if mode != ModeInterval && s.Interval != nil {
		out = append(out, "interval")
	}
	if mode != ModeQuota && s.Quota != nil {
		out = append(out, "quota")
	}
	if mode != ModeChain && s.Chain != nil {
		out = append(out, "chain")
	}
	return out
}
