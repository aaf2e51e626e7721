package model

import (
	"fmt"
	"sort"
	"strings"
)

// LaneID names one serial lane on one ADC chip.
type LaneID struct {
	Chip int
	Lane int
}

func (l LaneID) String() string {
	return fmt.Sprintf("adc%d:lane%d", l.Chip, l.Lane)
}

// LaneSet is a set of lanes that failed an alignment or test pass. An empty
// set means full success for that pass.
type LaneSet map[LaneID]struct{}

func NewLaneSet(lanes ...LaneID) LaneSet {
	s := make(LaneSet, len(lanes))
	for _, l := range lanes {
		s[l] = struct{}{}
	}
	return s
}

func (s LaneSet) Add(l LaneID) { s[l] = struct{}{} }

func (s LaneSet) Has(l LaneID) bool { _, ok := s[l]; return ok }

func (s LaneSet) Empty() bool { return len(s) == 0 }

func (s LaneSet) Union(o LaneSet) {
	for l := range o {
		s[l] = struct{}{}
	}
}

// Equal reports whether both sets contain exactly the same lanes.
func (s LaneSet) Equal(o LaneSet) bool {
	if len(s) != len(o) {
		return false
	}
	for l := range s {
		if !o.Has(l) {
			return false
		}
	}
	return true
}

// String renders lanes in stable order so log lines and warnings are
// diffable across runs.
func (s LaneSet) String() string {
	if len(s) == 0 {
		return "none"
	}
	lanes := make([]LaneID, 0, len(s))
	for l := range s {
		lanes = append(lanes, l)
	}
	sort.Slice(lanes, func(i, j int) bool {
		if lanes[i].Chip != lanes[j].Chip {
			return lanes[i].Chip < lanes[j].Chip
		}
		return lanes[i].Lane < lanes[j].Lane
	})
	parts := make([]string, len(lanes))
	for i, l := range lanes {
		parts[i] = l.String()
	}
	return strings.Join(parts, ",")
}

// CalVerdict classifies one calibration attempt.
type CalVerdict int

const (
	CalSuccess CalVerdict = iota
	// CalPartial: the clock is locked and lanes are bonded, but one or more
	// alignment/ramp passes left failing lanes. Hardware is usable but
	// degraded.
	CalPartial
	// CalFatal: the sample clock never locked. Alignment cannot fix this.
	CalFatal
)

func (v CalVerdict) String() string {
	switch v {
	case CalSuccess:
		return "success"
	case CalPartial:
		return "partial-failure"
	case CalFatal:
		return "fatal"
	}
	return "unknown"
}

// CalibrationResult is the outcome of the last calibration attempt, plus the
// number of attempts the retry loop consumed.
type CalibrationResult struct {
	Locked map[int]bool // per chip

	LineFailures  LaneSet
	FrameFailures LaneSet
	RampFailures  LaneSet
	LaneBonded    bool

	Attempts int
	Verdict  CalVerdict
}

// AllLocked reports whether every chip's clock manager reported lock.
func (r *CalibrationResult) AllLocked() bool {
	if len(r.Locked) == 0 {
		return false
	}
	for _, ok := range r.Locked {
		if !ok {
			return false
		}
	}
	return true
}

// Failures returns the union of all per-pass failure sets.
func (r *CalibrationResult) Failures() LaneSet {
	u := NewLaneSet()
	u.Union(r.LineFailures)
	u.Union(r.FrameFailures)
	u.Union(r.RampFailures)
	return u
}

// LinkVerdict classifies one network bring-up attempt.
type LinkVerdict int

const (
	LinkHealthy LinkVerdict = iota
	LinkDown
	// LinkOverflowed: the transmit FIFO dropped samples during the settle
	// window. Either the collector cannot keep up or the FIFO is missized;
	// operator intervention is required either way.
	LinkOverflowed
)

func (v LinkVerdict) String() string {
	switch v {
	case LinkHealthy:
		return "healthy"
	case LinkDown:
		return "link-down"
	case LinkOverflowed:
		return "overflowed"
	}
	return "unknown"
}

// LinkStatus is the outcome of the network bring-up stage.
type LinkStatus struct {
	Configured    bool
	LinkUp        bool
	OverflowCount uint32
	Verdict       LinkVerdict
}

// Stage identifies how far a bring-up run progressed. Stages only ever
// advance in this order.
type Stage int

const (
	StageNone Stage = iota
	StageProgram
	StageNetwork
	StageStaticConfig
	StageCalibration
	StageClockEstimate
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageProgram:
		return "program"
	case StageNetwork:
		return "network"
	case StageStaticConfig:
		return "static-config"
	case StageCalibration:
		return "calibration"
	case StageClockEstimate:
		return "clock-estimate"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// Verdict is the overall outcome of a bring-up run.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	// VerdictDegraded: the run completed but calibration left failing lanes.
	VerdictDegraded
	VerdictFatal
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictDegraded:
		return "degraded"
	case VerdictFatal:
		return "fatal"
	}
	return "unknown"
}

// BringupSession is the aggregate record of one bring-up run. It is owned by
// the sequencer for the duration of the run and returned to the caller as the
// report; it is never shared between runs.
type BringupSession struct {
	Target  BoardTarget
	Adc     AdcConfig
	Network NetworkConfig

	Stage       Stage
	Calibration *CalibrationResult
	Link        *LinkStatus

	FPGAClockMHz float64

	Verdict  Verdict
	Warnings []string

	// Err carries the error that aborted the run, nil unless Verdict is
	// VerdictFatal.
	Err error
}

// Advance moves the session to a later stage. It panics on an attempt to move
// backwards: stage order is a structural invariant, not a runtime condition.
func (s *BringupSession) Advance(next Stage) {
	if next < s.Stage {
		panic(fmt.Sprintf("bringup stage moved backwards: %v -> %v", s.Stage, next))
	}
	s.Stage = next
}

// Warn records a non-fatal degradation on the session.
func (s *BringupSession) Warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}
