package adc16

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

type blockWrite struct {
	name   string
	offset int
	data   []byte
}

// fakeLink scripts block reads and journals writes; the rest of the link
// surface is unused by the controller.
type fakeLink struct {
	blocks map[string][]byte
	writes []blockWrite
}

func (f *fakeLink) Program(ctx context.Context, bitstream string) error         { return nil }
func (f *fakeLink) RefreshMetadata(ctx context.Context, bitstream string) error { return nil }
func (f *fakeLink) Connected(ctx context.Context) bool                          { return true }

func (f *fakeLink) ReadRegister(ctx context.Context, name string) (uint32, error) {
	b, err := f.ReadBlock(ctx, name, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (f *fakeLink) WriteRegister(ctx context.Context, name string, value uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	return f.WriteBlock(ctx, name, 0, b[:])
}

func (f *fakeLink) ReadBlock(ctx context.Context, name string, n int) ([]byte, error) {
	blk, ok := f.blocks[name]
	if !ok {
		return nil, &model.TransportError{Op: "read-block", Name: name, Err: context.Canceled}
	}
	if n > len(blk) {
		n = len(blk)
	}
	out := make([]byte, n)
	copy(out, blk[:n])
	return out, nil
}

func (f *fakeLink) WriteBlock(ctx context.Context, name string, offset int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, blockWrite{name: name, offset: offset, data: cp})
	return nil
}

func newTestController() (*Controller, *fakeLink) {
	link := &fakeLink{blocks: map[string][]byte{}}
	c := New(link)
	c.Clock = timectrl.NewManual(time.Now())
	// Healthy defaults: both clock regions locked, perfect ramps.
	link.blocks[ctrlBlock] = statusWord(lockBit0 | lockBit1)
	link.blocks["adc16_wb_ram0"] = rampSnapshot(nil)
	link.blocks["adc16_wb_ram1"] = rampSnapshot(nil)
	return c, link
}

func statusWord(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// rampSnapshot builds an interleaved capture where every lane sees a clean
// mod-256 ramp, except the lanes listed in broken.
func rampSnapshot(broken []int) []byte {
	snap := make([]byte, snapBytes)
	for i := range snap {
		snap[i] = byte(i / lanesPerChip)
	}
	for _, lane := range broken {
		snap[100*lanesPerChip+lane] ^= 0xff
	}
	return snap
}

func TestLockedReadsClockRegionBits(t *testing.T) {
	c, link := newTestController()
	link.blocks[ctrlBlock] = statusWord(lockBit0) // region 1 unlocked

	locked, err := c.Locked(context.Background(), 0)
	if err != nil || !locked {
		t.Errorf("chip 0 should be locked: %v %v", locked, err)
	}
	c.NumChips = 8
	locked, err = c.Locked(context.Background(), 5)
	if err != nil || locked {
		t.Errorf("chip 5 should be unlocked: %v %v", locked, err)
	}
}

func TestSetDemuxRejectsUnsupportedModes(t *testing.T) {
	c, link := newTestController()
	if err := c.SetDemux(context.Background(), 3); !model.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for 3 channels, got %v", err)
	}
	if len(link.writes) != 0 {
		t.Errorf("rejected mode must not reach the bus")
	}
	if err := c.SetDemux(context.Background(), 1); err != nil {
		t.Errorf("full interleave rejected: %v", err)
	}
	// One SPI transaction is a data word followed by the idle strobe.
	if len(link.writes) != 2 || link.writes[0].offset != wordSPI {
		t.Errorf("unexpected SPI trace %v", link.writes)
	}
	word := binary.BigEndian.Uint32(link.writes[0].data)
	if word&0xffff != 0x0001 || (word>>16)&0xff != regChanNum {
		t.Errorf("unexpected SPI word %08x", word)
	}
}

func TestRampTestFlagsBrokenLane(t *testing.T) {
	c, link := newTestController()
	link.blocks["adc16_wb_ram1"] = rampSnapshot([]int{2})

	failures, err := c.RampTest(context.Background())
	if err != nil {
		t.Fatalf("ramp test: %v", err)
	}
	want := model.NewLaneSet(model.LaneID{Chip: 1, Lane: 2})
	if !failures.Equal(want) {
		t.Errorf("expected %v, got %v", want, failures)
	}
	// The pattern must be switched off again afterwards.
	last := link.writes[len(link.writes)-2]
	word := binary.BigEndian.Uint32(last.data)
	if (word>>16)&0xff != regRampPattern || word&0xffff != 0 {
		t.Errorf("ramp pattern left enabled, trace tail %v", link.writes[len(link.writes)-4:])
	}
}

func TestAlignLineClockCentresTaps(t *testing.T) {
	c, _ := newTestController()

	failures, err := c.AlignLineClock(context.Background())
	if err != nil {
		t.Fatalf("alignment: %v", err)
	}
	if !failures.Empty() {
		t.Errorf("clean ramps should align every lane, got %v", failures)
	}
}

func TestAlignLineClockReportsDeadLane(t *testing.T) {
	c, link := newTestController()
	link.blocks["adc16_wb_ram0"] = rampSnapshot([]int{1})

	failures, err := c.AlignLineClock(context.Background())
	if err != nil {
		t.Fatalf("alignment: %v", err)
	}
	if !failures.Has(model.LaneID{Chip: 0, Lane: 1}) {
		t.Errorf("lane with no good tap not reported: %v", failures)
	}
	if failures.Has(model.LaneID{Chip: 1, Lane: 1}) {
		t.Errorf("healthy chip flagged: %v", failures)
	}
}

func TestLaneBondedAgreesOnPhase(t *testing.T) {
	c, link := newTestController()
	bonded, err := c.LaneBonded(context.Background())
	if err != nil || !bonded {
		t.Errorf("uniform phase should bond: %v %v", bonded, err)
	}

	// Shift chip 1's ramp by one sample: phase disagrees.
	snap := rampSnapshot(nil)
	for i := range snap {
		snap[i]++
	}
	link.blocks["adc16_wb_ram1"] = snap
	bonded, err = c.LaneBonded(context.Background())
	if err != nil || bonded {
		t.Errorf("phase mismatch should fail bonding: %v %v", bonded, err)
	}
}

func TestSelectInputEncoding(t *testing.T) {
	c, link := newTestController()
	if err := c.SelectInput(context.Background(), [4]int{1, 1, 2, 2}); err != nil {
		t.Fatalf("select input: %v", err)
	}
	// Two transactions, each data word then idle strobe.
	if len(link.writes) != 4 {
		t.Fatalf("expected 4 SPI writes, got %v", link.writes)
	}
	lo := binary.BigEndian.Uint32(link.writes[0].data)
	hi := binary.BigEndian.Uint32(link.writes[2].data)
	if lo&0xffff != 0x0101 {
		t.Errorf("low select word %04x", lo&0xffff)
	}
	if hi&0xffff != 0x0202 {
		t.Errorf("high select word %04x", hi&0xffff)
	}

	if err := c.SelectInput(context.Background(), [4]int{0, 1, 2, 3}); !model.IsInvalidArgument(err) {
		t.Errorf("input 0 accepted: %v", err)
	}
}

func TestSetGainCodes(t *testing.T) {
	c, link := newTestController()
	if err := c.SetGain(context.Background(), 4); err != nil {
		t.Fatalf("gain 4: %v", err)
	}
	word := binary.BigEndian.Uint32(link.writes[0].data)
	if word&0xffff != 0x2222 {
		t.Errorf("gain word %04x, expected code 2 in all nibbles", word&0xffff)
	}
	if err := c.SetGain(context.Background(), 3); !model.IsInvalidArgument(err) {
		t.Errorf("unsupported gain accepted: %v", err)
	}
}

func TestBestTap(t *testing.T) {
	cases := []struct {
		good []int
		want int
		ok   bool
	}{
		{nil, 0, false},
		{[]int{5}, 5, true},
		{[]int{0, 1, 2, 3, 4, 5, 6, 7}, 4, true},
		{[]int{0, 1, 10, 11, 12, 13, 14, 30}, 12, true},
	}
	for _, c := range cases {
		got, ok := bestTap(c.good)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("bestTap(%v) = %d,%v, expected %d,%v", c.good, got, ok, c.want, c.ok)
		}
	}
}
