package model

import "time"

// EventType identifies a bring-up event.
type EventType string

const (
	EventStageStart         EventType = "stage.start"
	EventStageDone          EventType = "stage.done"
	EventCalibrationAttempt EventType = "calibration.attempt"
	EventLinkStatus         EventType = "link.status"
	EventClockEstimate      EventType = "clock.estimate"
)

// Event is one structured bring-up event. The core emits these; the CLI
// renders them through the logger and the metrics collector counts them.
// Fields beyond Type/Stage/At are populated per type.
type Event struct {
	Type  EventType
	Stage Stage
	At    time.Time

	// EventStageDone
	Err error

	// EventCalibrationAttempt
	Attempt     int
	Calibration *CalibrationResult

	// EventLinkStatus
	Link *LinkStatus

	// EventClockEstimate
	ClockMHz float64
}

// EventSink receives bring-up events. Emit must not block; sinks that do real
// work should buffer internally.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// MultiSink fans one event stream out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// NopSink drops all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
