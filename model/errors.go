package model

import (
	"errors"
	"fmt"
)

// ErrCalibrationFatal is reported when the ADC's sample clock never locked.
// Retrying alignment cannot fix an unlocked source clock; the operator has to
// fix the clock input.
var ErrCalibrationFatal = errors.New("adc sample clock not locked")

// ErrLaneBondFailed is reported when the active lanes disagree on their
// frame relationship after alignment. A fresh calibration attempt sometimes
// clears it, so the sequencer retries before giving up.
var ErrLaneBondFailed = errors.New("adc lanes failed bonding check")

// ErrLinkDown is reported when the 10GbE core never reported link-up within
// the settle window.
var ErrLinkDown = errors.New("10gbe link did not come up")

// ErrLinkOverflowed is reported when the transmit overflow counter is nonzero
// after the settle window. Payload data would be silently corrupted, so this
// is fatal.
var ErrLinkOverflowed = errors.New("10gbe transmit overflow counter nonzero")

// TransportError wraps a failure talking to the board. Transport failures are
// always fatal to the stage that hit them.
type TransportError struct {
	Op   string // "program", "read", "write", "read-block"
	Name string // register or block name, empty for program
	Err  error
}

func (e *TransportError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("board transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("board transport: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// InvalidArgumentError rejects a caller-supplied value before any hardware is
// touched.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// IsInvalidArgument reports whether err is (or wraps) an InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	var ia *InvalidArgumentError
	return errors.As(err, &ia)
}

// CalibrationDegradedError carries the failing lanes of a calibration attempt
// that completed with lock and bonding intact. It is warning-grade: the
// sequencer records it and keeps going.
type CalibrationDegradedError struct {
	Failures LaneSet
}

func (e *CalibrationDegradedError) Error() string {
	return fmt.Sprintf("adc calibration degraded: failing lanes %s", e.Failures)
}
