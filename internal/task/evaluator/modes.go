package evaluator

import (
	"strconv"
	"time"

	"macrosched/internal/schedule"
	logx "macrosched/pkg/logx"
)

func idle(d Decision) decision { return decision{res: Result{Decision: d}} }

// TIMES: stateless per slot; the minute key only guards against a duplicated
// cron fire within the same minute.
func (e *Evaluator) decideTimes(p schedule.TimesPlan, now time.Time) decision {
	t := minuteOf(now)
	at := schedule.ClockTime{Hour: t.Hour(), Minute: t.Minute()}
	matched := false
	for _, s := range p.Slots {
		if s.Weekday == t.Weekday() && s.At == at {
			matched = true
			break
		}
	}
	if !matched {
		return idle(DecisionWaiting)
	}
	key := t.Format("2006-01-02T15:04")
	if e.st.WindowKey == key {
		return idle(DecisionDuplicate)
	}
	e.st.WindowKey = key
	return decision{fire: true, res: Result{Decision: DecisionFired, Slot: key}}
}

// INTERVAL: step-aligned minutes inside [start, end], end inclusive. In an
// overnight window, post-midnight ticks belong to the previous day.
func (e *Evaluator) decideInterval(p schedule.IntervalPlan, now time.Time) decision {
	t := minuteOf(now)
	nowMin := minutesOfDay(t)
	startMin, endMin := p.Start.Minutes(), p.End.Minutes()

	day := t
	var since int
	switch {
	case !p.Overnight():
		if nowMin < startMin || nowMin > endMin {
			return idle(DecisionOutside)
		}
		since = nowMin - startMin
	case nowMin >= startMin:
		since = nowMin - startMin
	case nowMin <= endMin:
		since = nowMin + 24*60 - startMin
		day = t.AddDate(0, 0, -1)
	default:
		return idle(DecisionOutside)
	}

	if !p.Days.Has(day.Weekday()) {
		return idle(DecisionDayOff)
	}
	if since%p.Every != 0 {
		return idle(DecisionWaiting)
	}
	idx := since / p.Every

	e.resetLocked(windowKey(day, p.Start))
	if e.st.LastIndex == idx {
		return idle(DecisionDuplicate)
	}
	e.st.LastIndex = idx
	return decision{fire: true, res: Result{Decision: DecisionFired, Slot: strconv.Itoa(idx)}}
}

// QUOTA: evenly spaced slots with no catch-up. A slot is passed over once it
// is late beyond its grace and the following slot is already due.
func (e *Evaluator) decideQuota(p schedule.QuotaPlan, now time.Time) decision {
	ws, we := dailyWindow(now, p.Start, p.Window)
	if now.Before(ws) || !now.Before(we) {
		return idle(DecisionOutside)
	}
	if !p.Days.Has(ws.Weekday()) {
		return idle(DecisionDayOff)
	}
	e.resetLocked(windowKey(ws, p.Start))

	planned := func(i int) time.Time { return ws.Add(time.Duration(i) * p.Interval) }
	grace := max(p.Buffer, e.opt.MissGrace)

	skipped := 0
	for e.st.NextIndex < p.Runs {
		i := e.st.NextIndex
		if !now.After(planned(i).Add(grace)) || now.Before(planned(i+1)) {
			break
		}
		e.st.NextIndex++
		skipped++
	}
	if skipped > 0 {
		e.deps.Log.Info("quota slots missed",
			logx.String("schedule", e.sched.ID),
			logx.Int("skipped", skipped),
			logx.Int("next_index", e.st.NextIndex),
		)
	}

	res := Result{Skipped: skipped, Slot: strconv.Itoa(e.st.NextIndex)}
	next := e.st.NextIndex
	switch {
	case next >= p.Runs || !planned(next).Before(we):
		res.Decision = DecisionDone
	case now.Before(planned(next)):
		res.Decision = DecisionWaiting
	case now.Before(e.st.BlockedUntil):
		res.Decision = DecisionBlocked
	default:
		res.Decision = DecisionFired
		return decision{fire: true, res: res, commit: func(returned time.Time) {
			e.st.NextIndex = next + 1
			e.st.BlockedUntil = returned.Add(p.Buffer)
		}}
	}
	return decision{res: res}
}

// CHAIN: each run becomes eligible intervalMin after the previous trigger
// returned, starting at the window start.
func (e *Evaluator) decideChain(p schedule.ChainPlan, now time.Time) decision {
	ws, we := dailyWindow(now, p.Start, p.Window)
	if now.Before(ws) || !now.Before(we) {
		return idle(DecisionOutside)
	}
	if !p.Days.Has(ws.Weekday()) {
		return idle(DecisionDayOff)
	}
	e.resetLocked(windowKey(ws, p.Start))
	if e.st.NextRunAt.IsZero() {
		e.st.NextRunAt = ws
	}

	res := Result{Slot: strconv.Itoa(e.st.RunsDone)}
	switch {
	case e.st.RunsDone >= p.Runs:
		res.Decision = DecisionDone
	case now.Before(e.st.NextRunAt):
		res.Decision = DecisionWaiting
	default:
		res.Decision = DecisionFired
		return decision{fire: true, res: res, commit: func(returned time.Time) {
			e.st.RunsDone++
			e.st.NextRunAt = returned.Add(p.Interval)
		}}
	}
	return decision{res: res}
}
