package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

// CalibrationEngine drives the ADC front end through one alignment attempt:
// reset, full-interleave, lock check, the three alignment/test passes, the
// lane bonding check, and finally the operational demux/gain/input settings.
//
// One attempt is all-or-nothing. Steps 2-8 mutate shared chip configuration,
// so the sequencer's retry loop re-runs the whole attempt rather than any
// single step.
type CalibrationEngine struct {
	Adc    hw.AdcController
	Clock  timectrl.Clock
	Log    logging.Logger
	Events model.EventSink

	// LockSettle is how long to wait after entering full-interleave mode
	// before sampling the lock bit.
	LockSettle time.Duration
}

// NewCalibrationEngine builds an engine with the default settle interval.
func NewCalibrationEngine(adc hw.AdcController, clock timectrl.Clock) *CalibrationEngine {
	return &CalibrationEngine{
		Adc:        adc,
		Clock:      clock,
		Log:        logging.Noop(),
		Events:     model.NopSink{},
		LockSettle: 500 * time.Millisecond,
	}
}

// Calibrate runs one full calibration attempt and classifies it.
//
// Returns (result, nil) on success or partial failure; the caller decides
// whether degraded lanes abort the run. Returns the result alongside
// ErrCalibrationFatal when the sample clock never locked (no alignment pass
// runs in that case) and ErrLaneBondFailed when lanes would not bond. Any
// transport error aborts the attempt where it happened.
func (e *CalibrationEngine) Calibrate(ctx context.Context, cfg model.AdcConfig) (*model.CalibrationResult, error) {
	res := &model.CalibrationResult{
		Locked:        make(map[int]bool, e.Adc.Chips()),
		LineFailures:  model.NewLaneSet(),
		FrameFailures: model.NewLaneSet(),
		RampFailures:  model.NewLaneSet(),
	}

	if err := e.Adc.Reset(ctx); err != nil {
		return res, fmt.Errorf("adc reset: %w", err)
	}

	// Alignment only works in full-interleave mode; the operational demux
	// factor is restored at the end of the attempt.
	if err := e.Adc.SetDemux(ctx, 1); err != nil {
		return res, fmt.Errorf("set full-interleave demux: %w", err)
	}

	if err := e.Clock.Sleep(ctx, e.LockSettle); err != nil {
		return res, err
	}
	for chip := 0; chip < e.Adc.Chips(); chip++ {
		locked, err := e.Adc.Locked(ctx, chip)
		if err != nil {
			return res, fmt.Errorf("lock check chip %d: %w", chip, err)
		}
		res.Locked[chip] = locked
	}
	if !res.AllLocked() {
		// An unlocked source clock is not something alignment can fix.
		res.Verdict = model.CalFatal
		e.Log.Error(ctx, "adc clock manager not locked", logging.Any("locked", res.Locked))
		return res, model.ErrCalibrationFatal
	}

	var err error
	if res.LineFailures, err = e.Adc.AlignLineClock(ctx); err != nil {
		return res, fmt.Errorf("line clock alignment: %w", err)
	}
	if !res.LineFailures.Empty() {
		e.Log.Warn(ctx, "line clock alignment left failing lanes",
			logging.String("lanes", res.LineFailures.String()))
	}

	if res.FrameFailures, err = e.Adc.AlignFrameClock(ctx); err != nil {
		return res, fmt.Errorf("frame clock alignment: %w", err)
	}
	if !res.FrameFailures.Empty() {
		e.Log.Warn(ctx, "frame clock alignment left failing lanes",
			logging.String("lanes", res.FrameFailures.String()))
	}

	if res.RampFailures, err = e.Adc.RampTest(ctx); err != nil {
		return res, fmt.Errorf("ramp test: %w", err)
	}
	if !res.RampFailures.Empty() {
		e.Log.Warn(ctx, "ramp test failed on lanes",
			logging.String("lanes", res.RampFailures.String()))
	}

	if res.LaneBonded, err = e.Adc.LaneBonded(ctx); err != nil {
		return res, fmt.Errorf("lane bonding check: %w", err)
	}

	// Leave the chips in their operational configuration regardless of how
	// the passes went; a degraded front end is still a usable one.
	if err := e.Adc.SetDemux(ctx, cfg.Channels); err != nil {
		return res, fmt.Errorf("restore demux to %d channels: %w", cfg.Channels, err)
	}
	if err := e.Adc.SelectInput(ctx, cfg.InputMap); err != nil {
		return res, fmt.Errorf("select inputs: %w", err)
	}
	if err := e.Adc.SetGain(ctx, cfg.Gain); err != nil {
		return res, fmt.Errorf("set gain: %w", err)
	}

	if !res.LaneBonded {
		res.Verdict = model.CalFatal
		e.Log.Error(ctx, "adc lanes failed bonding check")
		return res, model.ErrLaneBondFailed
	}

	if res.Failures().Empty() {
		res.Verdict = model.CalSuccess
	} else {
		res.Verdict = model.CalPartial
	}
	return res, nil
}
