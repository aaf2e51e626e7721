package model

import "testing"

func TestLaneSetString(t *testing.T) {
	s := NewLaneSet(
		LaneID{Chip: 1, Lane: 3},
		LaneID{Chip: 0, Lane: 2},
		LaneID{Chip: 1, Lane: 0},
	)
	want := "adc0:lane2,adc1:lane0,adc1:lane3"
	if got := s.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := NewLaneSet().String(); got != "none" {
		t.Errorf("empty set should render as none, got %q", got)
	}
}

func TestLaneSetEqualAndUnion(t *testing.T) {
	a := NewLaneSet(LaneID{0, 1}, LaneID{0, 2})
	b := NewLaneSet(LaneID{0, 2}, LaneID{0, 1})
	if !a.Equal(b) {
		t.Errorf("sets with identical lanes should be equal")
	}
	b.Add(LaneID{1, 0})
	if a.Equal(b) {
		t.Errorf("sets of different size should not be equal")
	}
	a.Union(b)
	if !a.Has(LaneID{1, 0}) {
		t.Errorf("union should have picked up adc1:lane0")
	}
}

func TestCalibrationResultFailures(t *testing.T) {
	r := &CalibrationResult{
		Locked:        map[int]bool{0: true, 1: true},
		LineFailures:  NewLaneSet(LaneID{0, 2}),
		FrameFailures: NewLaneSet(),
		RampFailures:  NewLaneSet(LaneID{1, 1}),
		LaneBonded:    true,
	}
	if !r.AllLocked() {
		t.Errorf("both chips locked, AllLocked should be true")
	}
	f := r.Failures()
	if len(f) != 2 || !f.Has(LaneID{0, 2}) || !f.Has(LaneID{1, 1}) {
		t.Errorf("expected union {adc0:lane2, adc1:lane1}, got %s", f)
	}

	r.Locked[1] = false
	if r.AllLocked() {
		t.Errorf("one unlocked chip should fail AllLocked")
	}
	if (&CalibrationResult{}).AllLocked() {
		t.Errorf("no lock observations should not count as locked")
	}
}

func TestSessionAdvanceMonotonic(t *testing.T) {
	s := &BringupSession{}
	s.Advance(StageProgram)
	s.Advance(StageNetwork)
	s.Advance(StageNetwork) // re-entering the same stage is fine

	defer func() {
		if recover() == nil {
			t.Errorf("moving the stage backwards should panic")
		}
	}()
	s.Advance(StageProgram)
}

func TestAdcPairEncodings(t *testing.T) {
	// The integer values are the ch_N_sel register contract.
	pairs := map[AdcPair]int{
		PairA12: 0, PairA34: 1, PairB12: 2, PairB34: 3, PairC12: 4, PairC34: 5,
	}
	for p, want := range pairs {
		if int(p) != want {
			t.Errorf("pair %s encodes to %d, want %d", p, int(p), want)
		}
	}
}

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("02:2e:46:e0:64:a1")
	if err != nil {
		t.Fatalf("ParseMAC failed: %v", err)
	}
	if m.Uint64() != 0x022e46e064a1 {
		t.Errorf("expected 0x022e46e064a1, got 0x%012x", m.Uint64())
	}
	if m.IsZero() {
		t.Errorf("parsed MAC should not be zero")
	}
	if _, err := ParseMAC("not-a-mac"); err == nil {
		t.Errorf("expected parse error for junk input")
	}
	if _, err := ParseMAC("02:2e:46:e0:64:a1:00:01"); err == nil {
		t.Errorf("expected rejection of 64-bit EUI address")
	}
}
