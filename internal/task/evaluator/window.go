package evaluator

import (
	"time"

	"macrosched/internal/schedule"
)

// dailyWindow returns the most recent window opening at start that began at
// or before now: today at start, or yesterday when now is earlier than that.
func dailyWindow(now time.Time, start schedule.ClockTime, length time.Duration) (time.Time, time.Time) {
	ws := start.On(now)
	if now.Before(ws) {
		ws = start.On(now.AddDate(0, 0, -1))
	}
	return ws, ws.Add(length)
}

// windowKey names a recurring window by its local calendar date and start time.
func windowKey(day time.Time, start schedule.ClockTime) string {
	return day.Format("2006-01-02") + "T" + start.String()
}

// resetLocked starts fresh state when the window key changes.
func (e *Evaluator) resetLocked(key string) {
	if e.st.WindowKey == key {
		return
	}
	e.st = State{WindowKey: key, LastIndex: -1, LastFired: e.st.LastFired, LastError: e.st.LastError}
}

// minuteOf rounds now to the nearest minute so ticks a few seconds early or
// late land on the intended minute.
func minuteOf(now time.Time) time.Time {
	return now.Round(time.Minute)
}

func minutesOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }
