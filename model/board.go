package model

import (
	"net/netip"
	"time"
)

// BoardTarget identifies the board a bring-up run operates on.
// Immutable for the lifetime of one run.
type BoardTarget struct {
	// Addr is the address of the board (or the proxy in front of it).
	Addr string
	// Bitstream is the gateware image to program. The same descriptor is
	// used afterwards to re-resolve the board's register map.
	Bitstream string

	ProgramTimeout time.Duration
}

// AdcConfig describes the ADC front end the calibration engine drives.
type AdcConfig struct {
	// Name is the gateware block name for the ADC, e.g. "snap_adc".
	Name string

	SampleRateMHz float64
	Channels      int

	// Resolution is the sample width in bits.
	Resolution int

	// Gain is the analog gain applied after calibration completes.
	Gain int

	// InputMap routes physical ADC inputs to the four crossbar slots.
	InputMap [4]int
}

// NetworkConfig describes the 10GbE core and the downstream collector.
type NetworkConfig struct {
	// CoreName is the gateware block name for the 10GbE core, e.g. "gbe1".
	CoreName string

	CoreMAC  MACAddr
	CoreIP   netip.Addr
	CorePort uint16

	DestIP   netip.Addr
	DestPort uint16
	// DestMAC seeds the static ARP entry for the collector; no dynamic ARP
	// resolution happens on this link.
	DestMAC MACAddr
}

// AdcPair selects which physical ADC input pair feeds a logical channel.
// The integer values are the register contract and must not change.
type AdcPair int

const (
	PairA12 AdcPair = 0
	PairA34 AdcPair = 1
	PairB12 AdcPair = 2
	PairB34 AdcPair = 3
	PairC12 AdcPair = 4
	PairC34 AdcPair = 5
)

func (p AdcPair) String() string {
	switch p {
	case PairA12:
		return "A1_2"
	case PairA34:
		return "A3_4"
	case PairB12:
		return "B1_2"
	case PairB34:
		return "B3_4"
	case PairC12:
		return "C1_2"
	case PairC34:
		return "C3_4"
	}
	return "unknown"
}
