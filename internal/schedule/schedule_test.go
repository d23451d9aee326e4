package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base() Schedule {
	return Schedule{
		ID:             "s_1",
		MacroID:        "m_1",
		Enabled:        true,
		Days:           []DayCode{Mon, Wed},
		ConflictPolicy: PolicySkip,
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:05")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 9, Minute: 5}, c)
	assert.Equal(t, 545, c.Minutes())
	assert.Equal(t, "09:05", c.String())

	for _, bad := range []string{"9:05", "24:00", "12:60", "1200", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompileTimes(t *testing.T) {
	s := base()
	s.Mode = ModeTimes
	s.Times = []string{"18:00", "07:30", "07:30"}

	p, warn, err := Compile(s)
	require.NoError(t, err)
	assert.Empty(t, warn)
	tp := p.(TimesPlan)
	assert.Equal(t, []WeeklySlot{
		{Weekday: time.Monday, At: ClockTime{7, 30}},
		{Weekday: time.Monday, At: ClockTime{18, 0}},
		{Weekday: time.Wednesday, At: ClockTime{7, 30}},
		{Weekday: time.Wednesday, At: ClockTime{18, 0}},
	}, tp.Slots)
}

func TestCompileSelectsPayloadByMode(t *testing.T) {
	s := base()
	s.Mode = ModeQuota
	s.Quota = &QuotaParams{Start: "09:00", WindowHours: 4, IntervalMin: 60, RunsPerWindow: 3, BufferSec: 5}
	s.Interval = &IntervalParams{Start: "bogus"}

	p, warn, err := Compile(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"interval"}, warn)
	qp := p.(QuotaPlan)
	assert.Equal(t, 4*time.Hour, qp.Window)
	assert.Equal(t, 5*time.Second, qp.Buffer)
	assert.True(t, qp.Days.Has(time.Monday))
	assert.False(t, qp.Days.Has(time.Tuesday))
}

func TestCompileRejectsMissingPayload(t *testing.T) {
	s := base()
	s.Mode = ModeChain
	_, _, err := Compile(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Schedule)
	}{
		{"bad day", func(s *Schedule) { s.Days = []DayCode{"FUNDAY"} }},
		{"bad policy", func(s *Schedule) { s.ConflictPolicy = "LATER" }},
		{"bad time", func(s *Schedule) { s.Times = []string{"7:00"} }},
		{"missing macro", func(s *Schedule) { s.MacroID = "" }},
		{"interval step", func(s *Schedule) {
			s.Mode = ModeInterval
			s.Interval = &IntervalParams{Start: "22:00", End: "02:00", EveryMin: 0}
		}},
		{"window hours", func(s *Schedule) {
			s.Mode = ModeChain
			s.Chain = &ChainParams{Start: "09:00", WindowHours: 25, IntervalMin: 5, RunsPerWindow: 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			s.Mode = ModeTimes
			s.Times = []string{"07:00"}
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}
}

func TestEffectiveModeLegacyInference(t *testing.T) {
	s := base()
	s.Interval = &IntervalParams{Start: "22:00", End: "02:00", EveryMin: 30}
	assert.Equal(t, ModeInterval, s.EffectiveMode())
	s.Chain = &ChainParams{}
	assert.Equal(t, ModeChain, s.EffectiveMode())
	assert.Equal(t, ModeTimes, base().EffectiveMode())
}

func TestIntervalPlanOvernight(t *testing.T) {
	s := base()
	s.Mode = ModeInterval
	s.Interval = &IntervalParams{Start: "22:00", End: "02:00", EveryMin: 30}
	p, _, err := Compile(s)
	require.NoError(t, err)
	assert.True(t, p.(IntervalPlan).Overnight())
}

func TestPatchApply(t *testing.T) {
	s := base()
	s.Mode = ModeTimes
	s.Times = []string{"07:00"}
	enabled := false
	mode := ModeChain
	out := Patch{
		Enabled: &enabled,
		Mode:    &mode,
		Chain:   &ChainParams{Start: "09:00", WindowHours: 2, IntervalMin: 10, RunsPerWindow: 3},
	}.Apply(s)

	assert.False(t, out.Enabled)
	assert.Equal(t, ModeChain, out.EffectiveMode())
	assert.Equal(t, "s_1", out.ID)
	assert.True(t, s.Enabled, "original untouched")
	require.NoError(t, out.Validate())
}

func TestDefaults(t *testing.T) {
	s := Schedule{}
	assert.Equal(t, PolicySkip, s.EffectivePolicy())
	assert.Equal(t, 1, s.EffectiveRepeat())
	assert.Equal(t, time.Duration(0), s.Countdown())
	s.PreRunCountdownSec = 3
	assert.Equal(t, 3*time.Second, s.Countdown())
}
