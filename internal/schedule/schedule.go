// Package schedule defines persisted schedule definitions and compiles them
// into mode-specific plans consumed by the evaluators.
package schedule

import (
	"time"
)

type Mode string

const (
	ModeTimes    Mode = "TIMES"
	ModeInterval Mode = "INTERVAL"
	ModeQuota    Mode = "QUOTA"
	ModeChain    Mode = "CHAIN"
)

// ConflictPolicy decides what a run request does when the player is busy.
type ConflictPolicy string

const (
	PolicySkip    ConflictPolicy = "SKIP"
	PolicyQueue   ConflictPolicy = "QUEUE"
	PolicyRestart ConflictPolicy = "RESTART"
)

type IntervalParams struct {
	Start    string `json:"start" yaml:"start" validate:"required,hhmm"`
	End      string `json:"end" yaml:"end" validate:"required,hhmm"`
	EveryMin int    `json:"everyMin" yaml:"everyMin" validate:"min=1,max=1440"`
}

type QuotaParams struct {
	Start         string `json:"start" yaml:"start" validate:"required,hhmm"`
	WindowHours   int    `json:"windowHours" yaml:"windowHours" validate:"min=1,max=24"`
	IntervalMin   int    `json:"intervalMin" yaml:"intervalMin" validate:"min=1"`
	RunsPerWindow int    `json:"runsPerWindow" yaml:"runsPerWindow" validate:"min=1"`
	BufferSec     int    `json:"bufferSec" yaml:"bufferSec" validate:"min=0"`
}

type ChainParams struct {
	Start         string `json:"start" yaml:"start" validate:"required,hhmm"`
	WindowHours   int    `json:"windowHours" yaml:"windowHours" validate:"min=1,max=24"`
	IntervalMin   int    `json:"intervalMin" yaml:"intervalMin" validate:"min=1"`
	RunsPerWindow int    `json:"runsPerWindow" yaml:"runsPerWindow" validate:"min=1"`
}

// Schedule is the persisted definition. Mode selects exactly one payload;
// payloads for other modes are ignored by Compile.
type Schedule struct {
	ID                 string          `json:"scheduleId" yaml:"scheduleId" validate:"required"`
	MacroID            string          `json:"macroId" yaml:"macroId" validate:"required"`
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	Days               []DayCode       `json:"days" yaml:"days" validate:"dive,daycode"`
	Mode               Mode            `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=TIMES INTERVAL QUOTA CHAIN"`
	Times              []string        `json:"times,omitempty" yaml:"times,omitempty" validate:"-"`
	Interval           *IntervalParams `json:"interval,omitempty" yaml:"interval,omitempty" validate:"-"`
	Quota              *QuotaParams    `json:"quota,omitempty" yaml:"quota,omitempty" validate:"-"`
	Chain              *ChainParams    `json:"chain,omitempty" yaml:"chain,omitempty" validate:"-"`
	RepeatCount        int             `json:"repeatCount" yaml:"repeatCount" validate:"min=0"`
	PreRunCountdownSec int             `json:"preRunCountdownSec" yaml:"preRunCountdownSec" validate:"min=0"`
	ConflictPolicy     ConflictPolicy  `json:"conflictPolicy" yaml:"conflictPolicy" validate:"omitempty,oneof=SKIP QUEUE RESTART"`
	CreatedAt          time.Time       `json:"createdAt" yaml:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt" yaml:"updatedAt"`
}

// EffectiveMode returns Mode, or infers it from the payload present on
// records written before the mode tag existed.
func (s Schedule) EffectiveMode() Mode {
	if s.Mode != "" {
		return s.Mode
	}
	switch {
	case s.Chain != nil:
		return ModeChain
	case s.Quota != nil:
		return ModeQuota
	case s.Interval != nil:
		return ModeInterval
	default:
		return ModeTimes
	}
}

func (s Schedule) EffectivePolicy() ConflictPolicy {
	if s.ConflictPolicy == "" {
		return PolicySkip
	}
	return s.ConflictPolicy
}

func (s Schedule) EffectiveRepeat() int {
	if s.RepeatCount < 1 {
		return 1
	}
	return s.RepeatCount
}

func (s Schedule) Countdown() time.Duration {
	if s.PreRunCountdownSec <= 0 {
		return 0
	}
	return time.Duration(s.PreRunCountdownSec) * time.Second
}

// Patch is a partial update; nil fields are left untouched. Setting Mode
// together with the matching payload switches a schedule's mode.
type Patch struct {
	MacroID            *string         `json:"macroId,omitempty"`
	Enabled            *bool           `json:"enabled,omitempty"`
	Days               []DayCode       `json:"days,omitempty"`
	Mode               *Mode           `json:"mode,omitempty"`
	Times              []string        `json:"times,omitempty"`
	Interval           *IntervalParams `json:"interval,omitempty"`
	Quota              *QuotaParams    `json:"quota,omitempty"`
	Chain              *ChainParams    `json:"chain,omitempty"`
	RepeatCount        *int            `json:"repeatCount,omitempty"`
	PreRunCountdownSec *int            `json:"preRunCountdownSec,omitempty"`
	ConflictPolicy     *ConflictPolicy `json:"conflictPolicy,omitempty"`
}

// Apply returns s with the patch applied. ID and CreatedAt never change.
func (p Patch) Apply(s Schedule) Schedule {
	if p.MacroID != nil {
		s.MacroID = *p.MacroID
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Days != nil {
		s.Days = append([]DayCode(nil), p.Days...)
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.Times != nil {
		s.Times = append([]string(nil), p.Times...)
	}
	if p.Interval != nil {
		v := *p.Interval
		s.Interval = &v
	}
	if p.Quota != nil {
		v := *p.Quota
		s.Quota = &v
	}
	if p.Chain != nil {
		v := *p.Chain
		s.Chain = &v
	}
	if p.RepeatCount != nil {
		s.RepeatCount = *p.RepeatCount
	}
	if p.PreRunCountdownSec != nil {
		s.PreRunCountdownSec = *p.PreRunCountdownSec
	}
	if p.ConflictPolicy != nil {
		s.ConflictPolicy = *p.ConflictPolicy
	}
	return s
}
