// Package simboard provides a scriptable in-memory board implementing the
// full hardware access layer. Tests use it to drive the sequencer through
// every failure mode without hardware; the CLI's --simulate flag runs the
// real pipeline against it end to end.
package simboard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/signalsfoundry/snap-bringup/model"
)

// RegWrite is one journaled register write.
type RegWrite struct {
	Name  string
	Value uint32
}

// ARPEntry is one journaled static ARP insertion.
type ARPEntry struct {
	IP  netip.Addr
	MAC model.MACAddr
}

// CoreConfig journals a NetworkCore.Configure call.
type CoreConfig struct {
	MAC     model.MACAddr
	IP      netip.Addr
	Port    uint16
	Gateway netip.Addr
}

// Board simulates a programmed SNAP board: registers, the ADC front end and
// the 10GbE core. The zero-value behaviours describe a healthy board; tests
// flip the failure knobs to script degraded and broken ones.
type Board struct {
	mu sync.Mutex

	// ---- failure knobs ----

	// Disconnected makes Connected report false.
	Disconnected bool
	// FailProgram aborts Program with this error.
	FailProgram error
	// FailWrite/FailRead inject transport failures on specific registers.
	FailWrite map[string]error
	FailRead  map[string]error

	// UnlockedChips marks chips whose clock manager never locks.
	UnlockedChips map[int]bool
	// LockAfterChecks makes every chip report unlocked for the first N
	// lock checks, simulating a slow-settling clock generator.
	LockAfterChecks int

	// LineFailures/FrameFailures/RampFailures are returned by the
	// corresponding passes. Nil means the pass fully succeeds.
	LineFailures  model.LaneSet
	FrameFailures model.LaneSet
	RampFailures  model.LaneSet
	// BondFailures is how many bonding checks fail before they start
	// passing; negative means bonding never passes.
	BondFailures int

	// ---- observable state ----

	Registers map[string]uint32
	Blocks    map[string][]byte

	Programmed        []string
	MetadataRefreshes int
	Writes            []RegWrite
	AdcCalls          []string
	DemuxHistory      []int
	Gains             []int
	Inputs            [][4]int
	CoreConfigs       []CoreConfig
	ARPEntries        []ARPEntry

	chips      int
	lockChecks int
	bondChecks int
	counter    uint32
	// CounterStep is added to sys_clkcounter on every read, giving the
	// clock-estimate stage something deterministic to measure.
	CounterStep uint32
}

// New builds a healthy two-chip board whose 10GbE core registers report a
// live, drained link.
func New(coreName string) *Board {
	return &Board{
		Registers: map[string]uint32{
			coreName + "_linkup":  1,
			coreName + "_txofctr": 0,
			"sys_clkcounter":      0,
		},
		Blocks:      map[string][]byte{},
		chips:       2,
		CounterStep: 500_000_000,
	}
}

// ---- HardwareLink ----

func (b *Board) Program(ctx context.Context, bitstream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailProgram != nil {
		return &model.TransportError{Op: "program", Err: b.FailProgram}
	}
	b.Programmed = append(b.Programmed, bitstream)
	return nil
}

func (b *Board) RefreshMetadata(ctx context.Context, bitstream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Programmed) == 0 {
		return &model.TransportError{Op: "metadata", Err: errors.New("board has no gateware loaded")}
	}
	b.MetadataRefreshes++
	return nil
}

func (b *Board) ReadRegister(ctx context.Context, name string) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.FailRead[name]; err != nil {
		return 0, &model.TransportError{Op: "read", Name: name, Err: err}
	}
	if name == "sys_clkcounter" {
		b.counter += b.CounterStep
		b.Registers[name] = b.counter
		return b.counter, nil
	}
	v, ok := b.Registers[name]
	if !ok {
		return 0, &model.TransportError{Op: "read", Name: name, Err: errors.New("no such register")}
	}
	return v, nil
}

func (b *Board) WriteRegister(ctx context.Context, name string, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.FailWrite[name]; err != nil {
		return &model.TransportError{Op: "write", Name: name, Err: err}
	}
	if b.Registers == nil {
		b.Registers = map[string]uint32{}
	}
	b.Registers[name] = value
	b.Writes = append(b.Writes, RegWrite{Name: name, Value: value})
	return nil
}

func (b *Board) ReadBlock(ctx context.Context, name string, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.Blocks[name]
	if !ok {
		return nil, &model.TransportError{Op: "read-block", Name: name, Err: errors.New("no such block")}
	}
	if n > len(blk) {
		n = len(blk)
	}
	out := make([]byte, n)
	copy(out, blk[:n])
	return out, nil
}

func (b *Board) WriteBlock(ctx context.Context, name string, offset int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Blocks == nil {
		b.Blocks = map[string][]byte{}
	}
	blk := b.Blocks[name]
	if need := offset + len(data); need > len(blk) {
		grown := make([]byte, need)
		copy(grown, blk)
		blk = grown
	}
	copy(blk[offset:], data)
	b.Blocks[name] = blk
	return nil
}

func (b *Board) Connected(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Disconnected
}

// ---- AdcController ----

func (b *Board) Chips() int { return b.chips }

// SetChips overrides the number of simulated ADC chips.
func (b *Board) SetChips(n int) { b.chips = n }

func (b *Board) Reset(ctx context.Context) error {
	b.record("reset")
	return nil
}

func (b *Board) SetDemux(ctx context.Context, channels int) error {
	b.record(fmt.Sprintf("demux=%d", channels))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DemuxHistory = append(b.DemuxHistory, channels)
	return nil
}

func (b *Board) Locked(ctx context.Context, chip int) (bool, error) {
	b.record(fmt.Sprintf("lock?%d", chip))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.UnlockedChips[chip] {
		return false, nil
	}
	b.lockChecks++
	// lockChecks counts per-chip checks; convert to whole-attempt rounds.
	round := (b.lockChecks + b.chips - 1) / b.chips
	return round > b.LockAfterChecks, nil
}

func (b *Board) AlignLineClock(ctx context.Context) (model.LaneSet, error) {
	b.record("align-line")
	return copySet(b.LineFailures), nil
}

func (b *Board) AlignFrameClock(ctx context.Context) (model.LaneSet, error) {
	b.record("align-frame")
	return copySet(b.FrameFailures), nil
}

func (b *Board) RampTest(ctx context.Context) (model.LaneSet, error) {
	b.record("ramp-test")
	return copySet(b.RampFailures), nil
}

func (b *Board) LaneBonded(ctx context.Context) (bool, error) {
	b.record("bond?")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BondFailures < 0 {
		return false, nil
	}
	b.bondChecks++
	return b.bondChecks > b.BondFailures, nil
}

func (b *Board) SelectInput(ctx context.Context, mapping [4]int) error {
	b.record(fmt.Sprintf("input=%v", mapping))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Inputs = append(b.Inputs, mapping)
	return nil
}

func (b *Board) SetGain(ctx context.Context, gain int) error {
	b.record(fmt.Sprintf("gain=%d", gain))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Gains = append(b.Gains, gain)
	return nil
}

// ---- NetworkCore ----

func (b *Board) Configure(ctx context.Context, mac model.MACAddr, ip netip.Addr, port uint16, gateway netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CoreConfigs = append(b.CoreConfigs, CoreConfig{MAC: mac, IP: ip, Port: port, Gateway: gateway})
	return nil
}

func (b *Board) SetARPEntry(ctx context.Context, ip netip.Addr, mac model.MACAddr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ARPEntries = append(b.ARPEntries, ARPEntry{IP: ip, MAC: mac})
	return nil
}

// ---- helpers ----

func (b *Board) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.AdcCalls = append(b.AdcCalls, call)
}

// WroteRegister reports whether the journal contains a write of value to
// name.
func (b *Board) WroteRegister(name string, value uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.Writes {
		if w.Name == name && w.Value == value {
			return true
		}
	}
	return false
}

// Called reports whether the ADC call journal contains call.
func (b *Board) Called(call string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.AdcCalls {
		if c == call {
			return true
		}
	}
	return false
}

func copySet(s model.LaneSet) model.LaneSet {
	out := model.NewLaneSet()
	if s != nil {
		out.Union(s)
	}
	return out
}
