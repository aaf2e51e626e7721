// Package hw defines the hardware access layer the bring-up core drives: the
// board register transport, the ADC calibration primitives, and the 10GbE
// core operations. Real implementations live in the subpackages (katcp,
// adc16, tengbe); simboard provides a scriptable in-memory board for tests
// and dry runs.
package hw

import (
	"context"
	"net/netip"

	"github.com/signalsfoundry/snap-bringup/model"
)

// HardwareLink is the board connection: bitstream programming plus named
// register and block access. Implementations own exactly one board
// connection; a link is never shared between concurrent bring-up runs.
type HardwareLink interface {
	// Program uploads the bitstream and programs the FPGA.
	Program(ctx context.Context, bitstream string) error

	// RefreshMetadata re-resolves the register map from the bitstream
	// descriptor. Programming invalidates previously resolved register
	// addresses, so the sequencer calls this immediately after Program.
	RefreshMetadata(ctx context.Context, bitstream string) error

	ReadRegister(ctx context.Context, name string) (uint32, error)
	WriteRegister(ctx context.Context, name string, value uint32) error

	// ReadBlock reads n bytes from a named shared memory block.
	ReadBlock(ctx context.Context, name string, n int) ([]byte, error)

	// WriteBlock writes data into a named block at a byte offset. The
	// 10GbE core exposes its configuration and ARP table as one block, so
	// register-granular writes are not enough for network bring-up.
	WriteBlock(ctx context.Context, name string, offset int, data []byte) error

	// Connected reports whether the board still answers.
	Connected(ctx context.Context) bool
}

// AdcController exposes the calibration primitives of the ADC front end.
// Operations that take no chip index act on all chips at once; the alignment
// and test passes report failures per lane across every chip.
type AdcController interface {
	// Reset clears prior lane and tap state on every chip.
	Reset(ctx context.Context) error

	// SetDemux sets the demultiplexing mode to the given channel count.
	// Calibration always runs in full-interleave mode (1 channel).
	SetDemux(ctx context.Context, channels int) error

	// Locked reports whether the chip's clock manager sees a stable clock.
	Locked(ctx context.Context, chip int) (bool, error)

	// AlignLineClock sweeps tap delays per lane until the line clock
	// samples correctly, returning the lanes that could not be aligned.
	AlignLineClock(ctx context.Context) (model.LaneSet, error)

	// AlignFrameClock does the same sweep for the frame-boundary clock.
	AlignFrameClock(ctx context.Context) (model.LaneSet, error)

	// RampTest drives the chips' ramp pattern and verifies monotonic
	// incrementing samples per lane, returning the failing lanes.
	RampTest(ctx context.Context) (model.LaneSet, error)

	// LaneBonded reports whether all active lanes agree on a consistent
	// frame relationship.
	LaneBonded(ctx context.Context) (bool, error)

	// SelectInput routes physical inputs to the four crossbar slots.
	SelectInput(ctx context.Context, mapping [4]int) error

	// SetGain applies the analog gain.
	SetGain(ctx context.Context, gain int) error

	// Chips returns the number of physical ADC chips behind the controller.
	Chips() int
}

// NetworkCore configures the 10GbE core itself. The surrounding transmit-path
// registers (tx_en, tx_rst, dest_ip, dest_port, link-up, overflow counter)
// are plain named registers written through the HardwareLink.
type NetworkCore interface {
	// Configure writes the core's own MAC, IP, port and default gateway.
	Configure(ctx context.Context, mac model.MACAddr, ip netip.Addr, port uint16, gateway netip.Addr) error

	// SetARPEntry inserts a static ARP mapping into the core's table.
	SetARPEntry(ctx context.Context, ip netip.Addr, mac model.MACAddr) error
}
