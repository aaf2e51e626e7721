package model

import (
	"fmt"
	"net"
)

// MACAddr is a 48-bit Ethernet address. The fixed-size representation makes
// the register packing in the 10GbE core explicit (the core stores MACs as a
// 16/32-bit word pair).
type MACAddr [6]byte

// ParseMAC parses the usual colon-separated form.
func ParseMAC(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MACAddr{}, err
	}
	if len(hw) != 6 {
		return MACAddr{}, fmt.Errorf("mac %q: want 48-bit address, got %d bytes", s, len(hw))
	}
	var m MACAddr
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for compile-time constants in tests and defaults.
func MustParseMAC(s string) MACAddr {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MACAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Uint64 returns the address as an integer, high byte first, as the core's
// ARP table stores it.
func (m MACAddr) Uint64() uint64 {
	var v uint64
	for _, b := range m {
		v = v<<8 | uint64(b)
	}
	return v
}

// IsZero reports whether the address is all zeroes.
func (m MACAddr) IsZero() bool {
	return m == MACAddr{}
}
