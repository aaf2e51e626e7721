package tengbe

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/signalsfoundry/snap-bringup/hw/simboard"
	"github.com/signalsfoundry/snap-bringup/model"
)

func TestConfigureLaysOutCoreBlock(t *testing.T) {
	board := simboard.New("gbe1")
	core := New(board, "gbe1")

	mac := model.MustParseMAC("02:2e:46:e0:64:a1")
	err := core.Configure(context.Background(), mac,
		netip.MustParseAddr("192.168.0.20"), 60000,
		netip.MustParseAddr("192.168.0.1"))
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	blk := board.Blocks["gbe1"]
	word := func(off int) uint32 { return binary.BigEndian.Uint32(blk[off : off+4]) }
	if word(offMACHigh) != 0x022e {
		t.Errorf("mac high word %08x", word(offMACHigh))
	}
	if word(offMACLow) != 0x46e064a1 {
		t.Errorf("mac low word %08x", word(offMACLow))
	}
	if word(offIPAddr) != 0xc0a80014 {
		t.Errorf("ip word %08x", word(offIPAddr))
	}
	if word(offGateway) != 0xc0a80001 {
		t.Errorf("gateway word %08x", word(offGateway))
	}
	if word(offPort) != 60000 {
		t.Errorf("port word %d", word(offPort))
	}
}

func TestSetARPEntryIndexedByHostOctet(t *testing.T) {
	board := simboard.New("gbe1")
	core := New(board, "gbe1")

	mac := model.MustParseMAC("98:b7:85:a7:ec:78")
	if err := core.SetARPEntry(context.Background(), netip.MustParseAddr("192.168.0.1"), mac); err != nil {
		t.Fatalf("arp entry: %v", err)
	}

	blk := board.Blocks["gbe1"]
	off := offARPTable + 1*arpEntrySize
	got := binary.BigEndian.Uint64(blk[off : off+8])
	if got != 0x000098b785a7ec78 {
		t.Errorf("arp entry doubleword %016x", got)
	}
	// Neighbouring entries untouched.
	if binary.BigEndian.Uint64(blk[offARPTable:offARPTable+8]) != 0 {
		t.Errorf("entry 0 clobbered")
	}
}

func TestRejectsIPv6(t *testing.T) {
	board := simboard.New("gbe1")
	core := New(board, "gbe1")
	mac := model.MustParseMAC("02:2e:46:e0:64:a1")
	v6 := netip.MustParseAddr("fd00::1")

	err := core.Configure(context.Background(), mac, v6, 60000, v6)
	if !model.IsInvalidArgument(err) {
		t.Errorf("configure accepted IPv6: %v", err)
	}
	if err := core.SetARPEntry(context.Background(), v6, mac); !model.IsInvalidArgument(err) {
		t.Errorf("arp entry accepted IPv6: %v", err)
	}
	if len(board.Blocks["gbe1"]) != 0 {
		t.Errorf("block written despite rejected addressing")
	}
}
