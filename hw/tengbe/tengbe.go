// Package tengbe configures the gateware's 10GbE core. The core exposes its
// MAC/IP/port configuration and ARP table as one shared memory block; the
// surrounding transmit-path registers are plain named registers and stay out
// of this package's hands.
package tengbe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
)

// Core block byte offsets, fixed by the gateware's core layout.
const (
	offMACHigh  = 0x00 // high 16 bits of the MAC, low half of the word
	offMACLow   = 0x04 // low 32 bits of the MAC
	offGateway  = 0x0c
	offIPAddr   = 0x10
	offPort     = 0x20 // fabric port in the low 16 bits
	offARPTable = 0x3000

	arpEntrySize = 8
	arpEntries   = 256
)

// Core implements hw.NetworkCore for one named 10GbE core.
type Core struct {
	Link hw.HardwareLink
	Name string
	Log  logging.Logger
}

// New builds a core handle. Name is the core's block name in the register
// map, e.g. "gbe1".
func New(link hw.HardwareLink, name string) *Core {
	return &Core{Link: link, Name: name, Log: logging.Noop()}
}

// Configure writes the core's own addressing in one pass. The core latches
// the block contents continuously, so the transmit path must be disabled by
// the caller while this runs.
func (c *Core) Configure(ctx context.Context, mac model.MACAddr, ip netip.Addr, port uint16, gateway netip.Addr) error {
	if !ip.Is4() || !gateway.Is4() {
		return &model.InvalidArgumentError{Field: "network.ip", Reason: "core requires IPv4 addressing"}
	}

	m := mac.Uint64()
	if err := c.writeWord(ctx, offMACHigh, uint32(m>>32)); err != nil {
		return err
	}
	if err := c.writeWord(ctx, offMACLow, uint32(m)); err != nil {
		return err
	}
	if err := c.writeWord(ctx, offGateway, ipWord(gateway)); err != nil {
		return err
	}
	if err := c.writeWord(ctx, offIPAddr, ipWord(ip)); err != nil {
		return err
	}
	if err := c.writeWord(ctx, offPort, uint32(port)); err != nil {
		return err
	}
	c.Log.Info(ctx, "10gbe core configured",
		logging.String("core", c.Name),
		logging.String("mac", mac.String()),
		logging.String("ip", ip.String()),
		logging.Int("port", int(port)))
	return nil
}

// SetARPEntry writes a static MAC mapping into the core's ARP table. The
// table is indexed by the last octet of the IP; the core only ever talks on
// its own /24.
func (c *Core) SetARPEntry(ctx context.Context, ip netip.Addr, mac model.MACAddr) error {
	if !ip.Is4() {
		return &model.InvalidArgumentError{Field: "network.arp_ip", Reason: "ARP table requires IPv4"}
	}
	b4 := ip.As4()
	index := int(b4[3])
	if index >= arpEntries {
		return &model.InvalidArgumentError{
			Field:  "network.arp_ip",
			Reason: fmt.Sprintf("host octet %d exceeds table size", index),
		}
	}

	// Entries are 8 bytes: the MAC right-aligned in a big-endian doubleword.
	var entry [arpEntrySize]byte
	binary.BigEndian.PutUint64(entry[:], mac.Uint64())
	if err := c.Link.WriteBlock(ctx, c.Name, offARPTable+index*arpEntrySize, entry[:]); err != nil {
		return err
	}
	c.Log.Debug(ctx, "static arp entry written",
		logging.String("core", c.Name),
		logging.String("ip", ip.String()),
		logging.String("mac", mac.String()))
	return nil
}

func (c *Core) writeWord(ctx context.Context, offset int, value uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	return c.Link.WriteBlock(ctx, c.Name, offset, b[:])
}

func ipWord(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}
