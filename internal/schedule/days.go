package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type DayCode string

const (
	Mon DayCode = "MON"
	Tue DayCode = "TUE"
	Wed DayCode = "WED"
	Thu DayCode = "THU"
	Fri DayCode = "FRI"
	Sat DayCode = "SAT"
	Sun DayCode = "SUN"
)

var dayWeekday = map[DayCode]time.Weekday{
	Sun: time.Sunday,
	Mon: time.Monday,
	Tue: time.Tuesday,
	Wed: time.Wednesday,
	Thu: time.Thursday,
	Fri: time.Friday,
	Sat: time.Saturday,
}

// Weekday maps a day code to time.Weekday.
func (d DayCode) Weekday() (time.Weekday, bool) {
	wd, ok := dayWeekday[DayCode(strings.ToUpper(string(d)))]
	return wd, ok
}

// DaySet is a bitmask of allowed weekdays.
type DaySet uint8

func NewDaySet(days []DayCode) (DaySet, error) {
	var set DaySet
	for _, d := range days {
		wd, ok := d.Weekday()
		if !ok {
			return 0, fmt.Errorf("unknown day %q", d)
		}
		set |= 1 << uint(wd)
	}
	return set, nil
}

func (s DaySet) Has(wd time.Weekday) bool { return s&(1<<uint(wd)) != 0 }

func (s DaySet) Empty() bool { return s == 0 }

// Weekdays lists the allowed weekdays Sunday first.
func (s DaySet) Weekdays() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if s.Has(wd) {
			out = append(out, wd)
		}
	}
	return out
}

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

var reClock = regexp.MustCompile(`^(\d{2}):(\d{2})$`)

// ParseClock parses a strict "HH:MM" (two digits each, 00:00..23:59).
func ParseClock(s string) (ClockTime, error) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	if h > 23 || mi > 59 {
		return ClockTime{}, fmt.Errorf("time out of range %q", s)
	}
	return ClockTime{Hour: h, Minute: mi}, nil
}

func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns the instant at this time of day on t's calendar date in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, t.Location())
}
