package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

// Transmit-path register names fixed by the gateware design.
const (
	regTxEnable    = "tx_en"
	regTxReset     = "tx_rst"
	regDestIP      = "dest_ip"
	regDestPort    = "dest_port"
	linkupSuffix   = "_linkup"
	overflowSuffix = "_txofctr"
)

// NetworkBringup takes the 10GbE transmit path from unconfigured to verified
// and drained. There are no retries here: a failure means mis-wiring or a
// config mismatch, which another attempt will not fix.
type NetworkBringup struct {
	Link   hw.HardwareLink
	Core   hw.NetworkCore
	Clock  timectrl.Clock
	Log    logging.Logger
	Events model.EventSink

	// LinkSettle is the wait between enabling the transmit path and the
	// single link-up poll.
	LinkSettle time.Duration
	// DrainSettle is the further wait before reading the overflow counter.
	DrainSettle time.Duration
}

// NewNetworkBringup builds the component with the default settle intervals.
func NewNetworkBringup(link hw.HardwareLink, core hw.NetworkCore, clock timectrl.Clock) *NetworkBringup {
	return &NetworkBringup{
		Link:        link,
		Core:        core,
		Clock:       clock,
		Log:         logging.Noop(),
		Events:      model.NopSink{},
		LinkSettle:  2 * time.Second,
		DrainSettle: 2 * time.Second,
	}
}

// Run executes the strict bring-up order: disable tx, configure the core,
// write the destination registers, seed the ARP table, pulse reset, enable
// tx, then verify link-up and a zero overflow counter after the settle
// windows. The returned LinkStatus always reflects how far it got.
func (nb *NetworkBringup) Run(ctx context.Context, cfg model.NetworkConfig) (*model.LinkStatus, error) {
	status := &model.LinkStatus{Verdict: model.LinkDown}

	if cfg.CoreName == "" {
		return status, &model.InvalidArgumentError{Field: "network.core_name", Reason: "empty"}
	}
	if !cfg.DestIP.Is4() || !cfg.CoreIP.Is4() {
		return status, &model.InvalidArgumentError{Field: "network.ip", Reason: "core and destination addresses must be IPv4"}
	}
	if cfg.DestMAC.IsZero() {
		return status, &model.InvalidArgumentError{Field: "network.dest_mac", Reason: "zero MAC cannot seed the ARP table"}
	}

	// Keep the transmit path quiet until everything below is in place; a
	// half-configured core must not leak traffic.
	if err := nb.Link.WriteRegister(ctx, regTxEnable, 0); err != nil {
		return status, err
	}

	nb.Log.Info(ctx, "configuring 10gbe core",
		logging.String("core", cfg.CoreName),
		logging.String("core_ip", cfg.CoreIP.String()),
		logging.String("dest_ip", cfg.DestIP.String()))

	// The destination doubles as the default gateway: the collector is the
	// only peer this link ever talks to.
	if err := nb.Core.Configure(ctx, cfg.CoreMAC, cfg.CoreIP, cfg.CorePort, cfg.DestIP); err != nil {
		return status, fmt.Errorf("configure core %s: %w", cfg.CoreName, err)
	}

	if err := nb.Link.WriteRegister(ctx, regDestIP, ipWord(cfg.DestIP)); err != nil {
		return status, err
	}
	if err := nb.Link.WriteRegister(ctx, regDestPort, uint32(cfg.DestPort)); err != nil {
		return status, err
	}

	// Static ARP entry: the destination is fixed infrastructure, so the
	// core never resolves it dynamically.
	if err := nb.Core.SetARPEntry(ctx, cfg.DestIP, cfg.DestMAC); err != nil {
		return status, fmt.Errorf("seed arp entry: %w", err)
	}

	if err := nb.Link.WriteRegister(ctx, regTxReset, 1); err != nil {
		return status, err
	}
	if err := nb.Link.WriteRegister(ctx, regTxReset, 0); err != nil {
		return status, err
	}
	if err := nb.Link.WriteRegister(ctx, regTxEnable, 1); err != nil {
		return status, err
	}
	status.Configured = true

	if err := nb.Clock.Sleep(ctx, nb.LinkSettle); err != nil {
		return status, err
	}
	up, err := nb.Link.ReadRegister(ctx, cfg.CoreName+linkupSuffix)
	if err != nil {
		return status, err
	}
	status.LinkUp = up == 1
	if !status.LinkUp {
		status.Verdict = model.LinkDown
		nb.Log.Error(ctx, "10gbe link did not come up", logging.String("core", cfg.CoreName))
		nb.emitStatus(status)
		return status, model.ErrLinkDown
	}

	if err := nb.Clock.Sleep(ctx, nb.DrainSettle); err != nil {
		return status, err
	}
	overflow, err := nb.Link.ReadRegister(ctx, cfg.CoreName+overflowSuffix)
	if err != nil {
		return status, err
	}
	status.OverflowCount = overflow
	if overflow != 0 {
		// Samples are already being dropped; enabling payload traffic on
		// top of this would corrupt data silently.
		status.Verdict = model.LinkOverflowed
		nb.Log.Error(ctx, "transmit overflow counter nonzero",
			logging.Uint32("overflow", overflow))
		nb.emitStatus(status)
		return status, model.ErrLinkOverflowed
	}

	status.Verdict = model.LinkHealthy
	nb.Log.Info(ctx, "10gbe link up and drained", logging.String("core", cfg.CoreName))
	nb.emitStatus(status)
	return status, nil
}

func (nb *NetworkBringup) emitStatus(status *model.LinkStatus) {
	nb.Events.Emit(model.Event{
		Type:  model.EventLinkStatus,
		Stage: model.StageNetwork,
		At:    nb.Clock.Now(),
		Link:  status,
	})
}

// ipWord packs an IPv4 address into the register representation.
func ipWord(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}
