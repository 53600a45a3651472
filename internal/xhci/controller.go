package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/usb-stack/xhcihost/internal/constants"
	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/internal/logging"
	"github.com/usb-stack/xhcihost/internal/mmio"
	"github.com/usb-stack/xhcihost/platform"
)

// Controller owns the MMIO register window, the Device Context Base
// Address Array, the Scratchpad Array, the Command Ring, and the Event
// Ring for a single xHCI host controller instance. It implements the
// initialization sequence of xHCI §4.2 and the slot lifecycle of §4.3.
type Controller struct {
	plat platform.Platform
	regs *mmio.Registers

	capLen   uint8
	dboff    uint32
	rtsoff   uint32
	maxSlots uint8
	maxPorts uint8
	pageSize uint32

	dcbaa      *DeviceContextList
	scratchpad *Scratchpad
	cmdRing    *CommandRing
	evtRing    *EventRing

	logger *logging.Logger
}

// New maps the controller's MMIO window and reads its capability
// registers, but does not yet reset or start it; call Init for that.
func New(plat platform.Platform, mmioBase uintptr) (*Controller, error) {
	capSize := 0x20 // conservative upper bound on the Capability Registers block
	base, err := plat.MapMMIO(mmioBase, capSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: map capability registers: %w", err)
	}
	regs := mmio.New(base)

	capLen := uint8(regs.Get32(capCAPLENGTH) & 0xff)
	hcsparams1 := regs.Get32(capHCSPARAMS1)

	maxSlots := uint8(hcsparams1 & 0xff)
	maxPorts := uint8((hcsparams1 >> 24) & 0xff)
	dboff := regs.Get32(capDBOFF) &^ 0x3
	rtsoff := regs.Get32(capRTSOFF) &^ 0x1f

	// Re-map covering the full operational + runtime + doorbell window now
	// that we know the controller's true extent.
	totalSize := int(rtsoff) + 0x20 + int(maxPorts)*0x20 + 4096
	fullBase, err := plat.MapMMIO(mmioBase, totalSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: map full register window: %w", err)
	}
	regs = mmio.New(fullBase)

	c := &Controller{
		plat:     plat,
		regs:     regs,
		capLen:   capLen,
		dboff:    dboff,
		rtsoff:   rtsoff,
		maxSlots: maxSlots,
		maxPorts: maxPorts,
		pageSize: decodePageSize(regs.Get32(uintptr(capLen) + opPAGESIZE)),
		logger:   logging.Default(),
	}
	return c, nil
}

// decodePageSize converts the PAGESIZE register's bitfield encoding to a
// byte count: bit n set means the controller supports pages of 2^(n+12)
// bytes (xHCI §5.4.3). The lowest set bit wins.
func decodePageSize(raw uint32) uint32 {
	for n := uint(0); n < 16; n++ {
		if raw&(1<<n) != 0 {
			return 1 << (n + 12)
		}
	}
	return 4096
}

func (c *Controller) opOffset(reg uintptr) uintptr {
	return uintptr(c.capLen) + reg
}

func (c *Controller) rtIROffset(reg uintptr) uintptr {
	return uintptr(c.rtsoff) + rtIR0Base + reg
}

// Init runs the controller bring-up sequence: reset, set MaxSlotsEn,
// allocate the DCBAA and the Scratchpad Array and install the DCBAA,
// allocate and install the Command Ring, allocate and install the Event
// Ring (single segment), and finally set Run/Stop (xHCI §4.2).
func (c *Controller) Init(ctx context.Context) error {
	if err := c.reset(ctx); err != nil {
		return fmt.Errorf("xhci: reset: %w", err)
	}

	c.regs.Set32(c.opOffset(opCONFIG), uint32(constants.MaxSlots)&configMaxSlotsEnMask)

	dcbaa, err := NewDeviceContextList(c.plat, int(constants.MaxSlots))
	if err != nil {
		return fmt.Errorf("xhci: allocate DCBAA: %w", err)
	}
	c.dcbaa = dcbaa

	hcsparams2 := c.regs.Get32(capHCSPARAMS2)
	maxScratchpad := int(((hcsparams2 >> 27) & 0x1f) | ((hcsparams2>>21)&0x1f)<<5)
	if maxScratchpad > 0 {
		sp, err := NewScratchpad(c.plat, maxScratchpad, int(c.pageSize))
		if err != nil {
			return fmt.Errorf("xhci: allocate scratchpad: %w", err)
		}
		c.scratchpad = sp
		dcbaa.SetScratchpadEntry(sp.PhysAddr())
	}
	c.regs.Set64(c.opOffset(opDCBAAP), dcbaa.PhysAddr())

	cmdRing, err := NewCommandRing(c.plat, int(constants.DefaultCommandRingEntries))
	if err != nil {
		return fmt.Errorf("xhci: allocate command ring: %w", err)
	}
	c.cmdRing = cmdRing
	c.regs.Set64(c.opOffset(opCRCR), (cmdRing.PhysAddr()&crcrPointerMask)|CRCRRingCycleState)

	evtRing, err := NewEventRing(c.plat, int(constants.DefaultEventRingEntries))
	if err != nil {
		return fmt.Errorf("xhci: allocate event ring: %w", err)
	}
	c.evtRing = evtRing
	c.regs.Set32(c.rtIROffset(irERSTSZ), 1)
	c.regs.Set64(c.rtIROffset(irERSTBA), evtRing.ERSTPhysAddr())
	c.regs.Set64(c.rtIROffset(irERDP), evtRing.DequeuePhysAddr()&erdpPointerMask)
	c.regs.Set32(c.rtIROffset(irIMOD), 0) // no interrupt moderation
	c.regs.Set32(c.rtIROffset(irIMAN), IMANInterruptEnable)

	// INTE stays cleared: the event loop is resumed through the configured
	// WakeMethod, not through a PCI interrupt line.
	c.regs.SetBits32(c.opOffset(opUSBCMD), USBCMDRunStop)

	if err := c.waitHCHalted(ctx, false); err != nil {
		return fmt.Errorf("xhci: controller did not leave halted state: %w", err)
	}
	c.RingDoorbell(0, dbCommandRingTarget)

	c.logger.Info("xhci controller initialized", "max_slots", c.maxSlots, "max_ports", c.maxPorts)
	return nil
}

func (c *Controller) reset(ctx context.Context) error {
	c.regs.ClearBits32(c.opOffset(opUSBCMD), USBCMDRunStop)
	if err := c.waitHCHalted(ctx, true); err != nil {
		return err
	}

	c.regs.SetBits32(c.opOffset(opUSBCMD), USBCMDHCReset)
	deadline := time.Now().Add(constants.ResetTimeout)
	for {
		sts := c.regs.Get32(c.opOffset(opUSBSTS))
		cmd := c.regs.Get32(c.opOffset(opUSBCMD))
		if cmd&USBCMDHCReset == 0 && sts&USBSTSControllerNotReady == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for HCRST/CNR to clear")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.RegisterPollInterval):
		}
	}
}

func (c *Controller) waitHCHalted(ctx context.Context, wantHalted bool) error {
	deadline := time.Now().Add(constants.ResetTimeout)
	for {
		halted := c.regs.Get32(c.opOffset(opUSBSTS))&USBSTSHCHalted != 0
		if halted == wantHalted {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for HCHalted=%v", wantHalted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.RegisterPollInterval):
		}
	}
}

// MaxSlots returns the number of device slots the controller was
// configured for during Init.
func (c *Controller) MaxSlots() uint8 { return c.maxSlots }

// MaxPorts returns the number of root hub ports this controller exposes.
func (c *Controller) MaxPorts() uint8 { return c.maxPorts }

// DeviceContextList returns the controller's Device Context List.
func (c *Controller) DeviceContextList() *DeviceContextList { return c.dcbaa }

// CommandRing returns the controller's singleton Command Ring.
func (c *Controller) CommandRing() *CommandRing { return c.cmdRing }

// EventRing returns the controller's Event Ring.
func (c *Controller) EventRing() *EventRing { return c.evtRing }

// RingDoorbell rings the doorbell for the given slot (0 selects the
// Command Ring) with the given target, per xHCI §4.7.
func (c *Controller) RingDoorbell(slot uint8, target uint32) {
	c.regs.Doorbell(uintptr(c.dboff), slot, target)
}

// AckEventInterrupt clears USBSTS.EINT and writes the Event Ring Dequeue
// Pointer back with Event Handler Busy cleared, the single point that is
// allowed to touch ERDP. IMAN's Interrupt Pending bit is not written.
func (c *Controller) AckEventInterrupt(newDequeue uint64) {
	c.regs.Set32(c.opOffset(opUSBSTS), USBSTSEventInt)
	c.regs.Set64(c.rtIROffset(irERDP), (newDequeue&erdpPointerMask)|erdpEventHandlerBusy)
}

// PortSpeed returns the PORTSC port-speed code for the given 0-indexed
// port.
func (c *Controller) PortSpeed(port int) uint8 {
	v := c.regs.Get32(c.opOffset(opPortBase) + uintptr(port)*opPortStride)
	return uint8((v & portSCSpeedMask) >> portSCSpeedShift)
}

// PortConnected reports whether a device is currently connected to the
// given 0-indexed port.
func (c *Controller) PortConnected(port int) bool {
	v := c.regs.Get32(c.opOffset(opPortBase) + uintptr(port)*opPortStride)
	return v&PORTSCCurrentConnectStatus != 0
}

// ResetPort asserts and waits for completion of a port reset, per xHCI
// §4.19.5.
func (c *Controller) ResetPort(ctx context.Context, port int) error {
	off := c.opOffset(opPortBase) + uintptr(port)*opPortStride
	c.regs.SetBits32(off, PORTSCPortReset)

	deadline := time.Now().Add(constants.PortResetTimeout)
	for {
		v := c.regs.Get32(off)
		if v&PORTSCPortResetChange != 0 {
			c.regs.Set32(off, v) // write-1-to-clear the change bits we observed
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for port %d reset completion", port)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.RegisterPollInterval):
		}
	}
}

// allocSegment is a small convenience wrapper shared by the ring/context
// constructors in this package.
func allocSegment(plat platform.Platform, size, align int) (*dma.Segment, error) {
	return dma.Alloc(plat, size, align)
}
