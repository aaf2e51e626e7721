// Package adc16 drives the board's ADC front end through the gateware's
// controller block: SPI configuration of the chips, lock status, delay-tap
// alignment of the serial lanes, and the built-in ramp pattern test.
package adc16

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

// Controller block word offsets. Word 0 reads back lock and revision status
// and takes the reset strobe on write; word 1 carries SPI transactions;
// words 2 and 3 set delay taps for the lane being adjusted.
const (
	ctrlBlock = "adc16_controller"

	wordStatus = 0x0
	wordSPI    = 0x4
	wordTapsA  = 0x8
	wordTapsB  = 0xc

	// snapshot blocks, one per chip, capture raw lane samples.
	snapBlockFmt = "adc16_wb_ram%d"
	snapBytes    = 1024
)

// Chip SPI register addresses.
const (
	regReset       = 0x00
	regRampPattern = 0x25
	regCoarseGain  = 0x2b
	regChanNum     = 0x31
	regInputSelLo  = 0x3a
	regInputSelHi  = 0x3b
)

const (
	lockBit0 = 1 << 24 // chips 0-3 share one clock region
	lockBit1 = 1 << 25 // chips 4-7

	lanesPerChip = 4
	tapCount     = 32
)

// Controller implements hw.AdcController over a HardwareLink.
type Controller struct {
	Link  hw.HardwareLink
	Clock timectrl.Clock
	Log   logging.Logger

	// NumChips is the chip count on the board, fixed by the hardware
	// revision.
	NumChips int

	// TapSettle is the wait after moving delay taps before sampling.
	TapSettle time.Duration
}

// New builds a controller for a two-chip board with a real clock.
func New(link hw.HardwareLink) *Controller {
	return &Controller{
		Link:      link,
		Clock:     timectrl.Real{},
		Log:       logging.Noop(),
		NumChips:  2,
		TapSettle: time.Millisecond,
	}
}

func (c *Controller) Chips() int { return c.NumChips }

// Reset strobes the controller reset and clears every chip's configuration
// over SPI.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.writeWord(ctx, wordStatus, 1); err != nil {
		return err
	}
	if err := c.writeWord(ctx, wordStatus, 0); err != nil {
		return err
	}
	return c.spiWriteAll(ctx, regReset, 0x0001)
}

// SetDemux programs the chips' channel mode. 1 channel interleaves every
// core onto one input; 2 and 4 split them accordingly.
func (c *Controller) SetDemux(ctx context.Context, channels int) error {
	var mode uint16
	switch channels {
	case 1:
		mode = 0x0001
	case 2:
		mode = 0x0002
	case 4:
		mode = 0x0004
	default:
		return &model.InvalidArgumentError{
			Field:  "adc.channels",
			Reason: fmt.Sprintf("demux mode for %d channels not supported", channels),
		}
	}
	return c.spiWriteAll(ctx, regChanNum, mode)
}

// Locked reads the chip's clock-region lock bit from the status word.
func (c *Controller) Locked(ctx context.Context, chip int) (bool, error) {
	status, err := c.readWord(ctx, wordStatus)
	if err != nil {
		return false, err
	}
	bit := uint32(lockBit0)
	if chip >= 4 {
		bit = lockBit1
	}
	return status&bit != 0, nil
}

// AlignLineClock sweeps the per-lane delay taps against the ramp pattern and
// latches each lane at the centre of its widest error-free window. Lanes
// with no error-free tap are returned as failures.
func (c *Controller) AlignLineClock(ctx context.Context) (model.LaneSet, error) {
	failures := model.NewLaneSet()
	if err := c.setRampPattern(ctx, true); err != nil {
		return failures, err
	}
	defer c.setRampPattern(context.WithoutCancel(ctx), false)

	for chip := 0; chip < c.NumChips; chip++ {
		good, err := c.sweepTaps(ctx, chip)
		if err != nil {
			return failures, err
		}
		for lane := 0; lane < lanesPerChip; lane++ {
			tap, ok := bestTap(good[lane])
			if !ok {
				failures.Add(model.LaneID{Chip: chip, Lane: lane})
				continue
			}
			if err := c.setTap(ctx, chip, lane, tap); err != nil {
				return failures, err
			}
		}
	}
	return failures, nil
}

// AlignFrameClock bitslips each lane until the deskew sync word lands on the
// frame boundary. A lane that never frames within a full word of slips has a
// broken frame clock and is returned as a failure.
func (c *Controller) AlignFrameClock(ctx context.Context) (model.LaneSet, error) {
	failures := model.NewLaneSet()
	for chip := 0; chip < c.NumChips; chip++ {
		for lane := 0; lane < lanesPerChip; lane++ {
			framed := false
			for slip := 0; slip < 8; slip++ {
				ok, err := c.laneFramed(ctx, chip, lane)
				if err != nil {
					return failures, err
				}
				if ok {
					framed = true
					break
				}
				if err := c.bitslip(ctx, chip, lane); err != nil {
					return failures, err
				}
			}
			if !framed {
				failures.Add(model.LaneID{Chip: chip, Lane: lane})
			}
		}
	}
	return failures, nil
}

// RampTest verifies each lane delivers the monotonic ramp after alignment.
func (c *Controller) RampTest(ctx context.Context) (model.LaneSet, error) {
	failures := model.NewLaneSet()
	if err := c.setRampPattern(ctx, true); err != nil {
		return failures, err
	}
	defer c.setRampPattern(context.WithoutCancel(ctx), false)

	for chip := 0; chip < c.NumChips; chip++ {
		snap, err := c.snapshot(ctx, chip)
		if err != nil {
			return failures, err
		}
		for lane := 0; lane < lanesPerChip; lane++ {
			if countRampErrors(laneSamples(snap, lane)) > 0 {
				failures.Add(model.LaneID{Chip: chip, Lane: lane})
			}
		}
	}
	return failures, nil
}

// LaneBonded checks that all lanes of all chips present the same ramp phase,
// i.e. the deserializers agree on where frames start.
func (c *Controller) LaneBonded(ctx context.Context) (bool, error) {
	if err := c.setRampPattern(ctx, true); err != nil {
		return false, err
	}
	defer c.setRampPattern(context.WithoutCancel(ctx), false)

	phase := -1
	for chip := 0; chip < c.NumChips; chip++ {
		snap, err := c.snapshot(ctx, chip)
		if err != nil {
			return false, err
		}
		for lane := 0; lane < lanesPerChip; lane++ {
			samples := laneSamples(snap, lane)
			if len(samples) == 0 {
				return false, nil
			}
			p := int(samples[0]) & 0x07
			if phase < 0 {
				phase = p
			} else if p != phase {
				c.Log.Warn(ctx, "lane phase disagrees",
					logging.Int("chip", chip), logging.Int("lane", lane))
				return false, nil
			}
		}
	}
	return true, nil
}

// SelectInput routes physical inputs into the four crossbar slots.
func (c *Controller) SelectInput(ctx context.Context, mapping [4]int) error {
	for _, in := range mapping {
		if in < 1 || in > 4 {
			return &model.InvalidArgumentError{
				Field:  "adc.input_map",
				Reason: fmt.Sprintf("input %d out of range 1-4", in),
			}
		}
	}
	// Two crossbar slots per select register, one nibble each.
	lo := uint16(inputCode(mapping[0])) | uint16(inputCode(mapping[1]))<<8
	hi := uint16(inputCode(mapping[2])) | uint16(inputCode(mapping[3]))<<8
	if err := c.spiWriteAll(ctx, regInputSelLo, lo); err != nil {
		return err
	}
	return c.spiWriteAll(ctx, regInputSelHi, hi)
}

// SetGain applies the same coarse gain code to all four channels.
func (c *Controller) SetGain(ctx context.Context, gain int) error {
	code, ok := coarseGainCode(gain)
	if !ok {
		return &model.InvalidArgumentError{
			Field:  "adc.gain",
			Reason: fmt.Sprintf("coarse gain %d not supported by the chip", gain),
		}
	}
	word := code | code<<4 | code<<8 | code<<12
	return c.spiWriteAll(ctx, regCoarseGain, word)
}

// ---- alignment internals ----

// sweepTaps walks every tap setting once and records, per lane, which taps
// sampled the ramp without error.
func (c *Controller) sweepTaps(ctx context.Context, chip int) ([lanesPerChip][]int, error) {
	var good [lanesPerChip][]int
	for tap := 0; tap < tapCount; tap++ {
		for lane := 0; lane < lanesPerChip; lane++ {
			if err := c.setTap(ctx, chip, lane, tap); err != nil {
				return good, err
			}
		}
		if err := c.Clock.Sleep(ctx, c.TapSettle); err != nil {
			return good, err
		}
		snap, err := c.snapshot(ctx, chip)
		if err != nil {
			return good, err
		}
		for lane := 0; lane < lanesPerChip; lane++ {
			if countRampErrors(laneSamples(snap, lane)) == 0 {
				good[lane] = append(good[lane], tap)
			}
		}
	}
	return good, nil
}

// bestTap picks the centre of the longest run of consecutive good taps, which
// maximises timing margin on both sides.
func bestTap(good []int) (int, bool) {
	if len(good) == 0 {
		return 0, false
	}
	bestStart, bestLen := good[0], 1
	runStart, runLen := good[0], 1
	for i := 1; i < len(good); i++ {
		if good[i] == good[i-1]+1 {
			runLen++
		} else {
			runStart, runLen = good[i], 1
		}
		if runLen > bestLen {
			bestStart, bestLen = runStart, runLen
		}
	}
	return bestStart + bestLen/2, true
}

func (c *Controller) setTap(ctx context.Context, chip, lane, tap int) error {
	// Word A selects the lane being strobed; word B carries the tap value.
	sel := uint32(1) << uint(chip*lanesPerChip+lane)
	if err := c.writeWord(ctx, wordTapsB, uint32(tap)); err != nil {
		return err
	}
	if err := c.writeWord(ctx, wordTapsA, sel); err != nil {
		return err
	}
	return c.writeWord(ctx, wordTapsA, 0)
}

func (c *Controller) bitslip(ctx context.Context, chip, lane int) error {
	sel := uint32(1) << uint(chip*lanesPerChip+lane)
	// Bitslip strobes ride the taps word with the high bit set.
	if err := c.writeWord(ctx, wordTapsA, sel|1<<31); err != nil {
		return err
	}
	return c.writeWord(ctx, wordTapsA, 0)
}

// laneFramed samples the lane against the chips' fixed deskew word.
func (c *Controller) laneFramed(ctx context.Context, chip, lane int) (bool, error) {
	snap, err := c.snapshot(ctx, chip)
	if err != nil {
		return false, err
	}
	const deskew = 0x2a
	for _, s := range laneSamples(snap, lane) {
		if s != deskew {
			return false, nil
		}
	}
	return true, nil
}

func (c *Controller) setRampPattern(ctx context.Context, on bool) error {
	var v uint16
	if on {
		v = 0x0040
	}
	return c.spiWriteAll(ctx, regRampPattern, v)
}

func (c *Controller) snapshot(ctx context.Context, chip int) ([]byte, error) {
	return c.Link.ReadBlock(ctx, fmt.Sprintf(snapBlockFmt, chip), snapBytes)
}

// laneSamples picks every fourth byte starting at the lane index; the
// snapshot interleaves the four lanes byte-wise.
func laneSamples(snap []byte, lane int) []byte {
	var out []byte
	for i := lane; i < len(snap); i += lanesPerChip {
		out = append(out, snap[i])
	}
	return out
}

// countRampErrors counts breaks in the mod-256 incrementing pattern.
func countRampErrors(samples []byte) int {
	errs := 0
	for i := 1; i < len(samples); i++ {
		if samples[i] != samples[i-1]+1 {
			errs++
		}
	}
	return errs
}

// ---- SPI ----

// spiWriteAll broadcasts one register write to every chip. The transaction
// word packs the chip-select mask, register address and 16-bit value.
func (c *Controller) spiWriteAll(ctx context.Context, reg uint8, value uint16) error {
	mask := uint32(1<<uint(c.NumChips)) - 1
	word := mask<<24 | uint32(reg)<<16 | uint32(value)
	if err := c.writeWord(ctx, wordSPI, word); err != nil {
		return err
	}
	// The strobe must return to idle before the next transaction.
	return c.writeWord(ctx, wordSPI, 0)
}

func (c *Controller) writeWord(ctx context.Context, offset int, value uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	return c.Link.WriteBlock(ctx, ctrlBlock, offset, b[:])
}

func (c *Controller) readWord(ctx context.Context, offset int) (uint32, error) {
	b, err := c.Link.ReadBlock(ctx, ctrlBlock, offset+4)
	if err != nil {
		return 0, err
	}
	if len(b) < offset+4 {
		return 0, &model.TransportError{Op: "read-block", Name: ctrlBlock,
			Err: fmt.Errorf("short read: %d bytes", len(b))}
	}
	return binary.BigEndian.Uint32(b[offset:]), nil
}

// inputCode maps a physical input number to the chip's select encoding.
func inputCode(in int) uint16 {
	return uint16(1) << uint(in-1)
}

// coarseGainCode maps the supported gain steps to their register codes.
func coarseGainCode(gain int) (uint16, bool) {
	codes := map[int]uint16{
		1: 0x0, 2: 0x1, 4: 0x2, 8: 0x3, 16: 0x4,
		5: 0x5, 10: 0x6, 20: 0x7, 25: 0x8, 32: 0x9, 50: 0xa,
	}
	c, ok := codes[gain]
	return c, ok
}
