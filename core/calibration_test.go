package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/snap-bringup/hw/simboard"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

func newTestEngine(board *simboard.Board) (*CalibrationEngine, *timectrl.Manual) {
	clk := timectrl.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewCalibrationEngine(board, clk), clk
}

func TestCalibrateHealthy(t *testing.T) {
	board := simboard.New("gbe1")
	engine, _ := newTestEngine(board)

	res, err := engine.Calibrate(context.Background(), testAdcConfig())
	if err != nil {
		t.Fatalf("calibration failed: %v", err)
	}
	if res.Verdict != model.CalSuccess {
		t.Errorf("expected success, got %v", res.Verdict)
	}
	if !res.AllLocked() || !res.LaneBonded {
		t.Errorf("expected locked and bonded, got %+v", res)
	}
	if !res.Failures().Empty() {
		t.Errorf("expected no failing lanes, got %v", res.Failures())
	}
	// Alignment runs in full interleave, then the operational demux is
	// restored.
	want := []int{1, 2}
	if len(board.DemuxHistory) != 2 || board.DemuxHistory[0] != want[0] || board.DemuxHistory[1] != want[1] {
		t.Errorf("expected demux history %v, got %v", want, board.DemuxHistory)
	}
	if len(board.Gains) != 1 || board.Gains[0] != 4 {
		t.Errorf("expected gain 4 applied once, got %v", board.Gains)
	}
	if len(board.Inputs) != 1 || board.Inputs[0] != [4]int{1, 1, 2, 2} {
		t.Errorf("expected input map applied once, got %v", board.Inputs)
	}
}

func TestCalibrateIsIdempotent(t *testing.T) {
	board := simboard.New("gbe1")
	engine, _ := newTestEngine(board)

	first, err := engine.Calibrate(context.Background(), testAdcConfig())
	if err != nil {
		t.Fatalf("first calibration failed: %v", err)
	}
	second, err := engine.Calibrate(context.Background(), testAdcConfig())
	if err != nil {
		t.Fatalf("second calibration failed: %v", err)
	}
	if first.Verdict != second.Verdict {
		t.Errorf("verdict changed across runs: %v then %v", first.Verdict, second.Verdict)
	}
	if !first.Failures().Equal(second.Failures()) {
		t.Errorf("failure sets changed across runs: %v then %v", first.Failures(), second.Failures())
	}
	// Two full attempts leave the same demux trace twice over.
	if len(board.DemuxHistory) != 4 {
		t.Errorf("expected 4 demux writes, got %v", board.DemuxHistory)
	}
}

func TestCalibrateUnlockedClockIsFatal(t *testing.T) {
	board := simboard.New("gbe1")
	board.UnlockedChips = map[int]bool{1: true}
	engine, _ := newTestEngine(board)

	res, err := engine.Calibrate(context.Background(), testAdcConfig())
	if !errors.Is(err, model.ErrCalibrationFatal) {
		t.Fatalf("expected ErrCalibrationFatal, got %v", err)
	}
	if res.Verdict != model.CalFatal {
		t.Errorf("expected fatal verdict, got %v", res.Verdict)
	}
	if res.AllLocked() {
		t.Errorf("AllLocked must be false with chip 1 unlocked: %v", res.Locked)
	}
	// The attempt must stop at the lock check.
	for _, call := range []string{"align-line", "align-frame", "ramp-test", "bond?"} {
		if board.Called(call) {
			t.Errorf("step %q ran after failed lock check: %v", call, board.AdcCalls)
		}
	}
	if len(board.Gains) != 0 || len(board.Inputs) != 0 {
		t.Errorf("operational settings applied after failed lock check")
	}
}

func TestCalibratePartialFailure(t *testing.T) {
	board := simboard.New("gbe1")
	board.RampFailures = model.NewLaneSet(
		model.LaneID{Chip: 0, Lane: 3},
		model.LaneID{Chip: 1, Lane: 0},
	)
	engine, _ := newTestEngine(board)

	res, err := engine.Calibrate(context.Background(), testAdcConfig())
	if err != nil {
		t.Fatalf("partial failure must not return an error: %v", err)
	}
	if res.Verdict != model.CalPartial {
		t.Errorf("expected partial verdict, got %v", res.Verdict)
	}
	if got := res.Failures().String(); got != "adc0:lane3,adc1:lane0" {
		t.Errorf("unexpected failure set %q", got)
	}
	// Degraded hardware still gets its operational configuration.
	if len(board.Gains) != 1 || len(board.Inputs) != 1 {
		t.Errorf("operational settings skipped on partial failure")
	}
}

func TestCalibrateBondFailure(t *testing.T) {
	board := simboard.New("gbe1")
	board.BondFailures = -1
	engine, _ := newTestEngine(board)

	res, err := engine.Calibrate(context.Background(), testAdcConfig())
	if !errors.Is(err, model.ErrLaneBondFailed) {
		t.Fatalf("expected ErrLaneBondFailed, got %v", err)
	}
	if res.Verdict != model.CalFatal {
		t.Errorf("expected fatal verdict, got %v", res.Verdict)
	}
	// Bonding is checked before the operational settings are judged, but the
	// chips are still left configured.
	if len(board.DemuxHistory) != 2 {
		t.Errorf("demux not restored after bond failure: %v", board.DemuxHistory)
	}
}

func TestCalibrateLockSettleWait(t *testing.T) {
	board := simboard.New("gbe1")
	engine, clk := newTestEngine(board)
	engine.LockSettle = 750 * time.Millisecond

	if _, err := engine.Calibrate(context.Background(), testAdcConfig()); err != nil {
		t.Fatalf("calibration failed: %v", err)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 750*time.Millisecond {
		t.Errorf("expected one 750ms settle wait, got %v", sleeps)
	}
}
