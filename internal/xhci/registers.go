// Package xhci implements the xHCI host-controller core: register-level
// initialization, the Device Context List, the Scratchpad Array, the
// Command Ring, the Event Ring, and device slot lifecycle management.
package xhci

// Capability Register offsets (xHCI §5.3), relative to MMIO base.
const (
	capCAPLENGTH  = 0x00 // byte 0: Capability Registers Length
	capHCIVERSION = 0x02
	capHCSPARAMS1 = 0x04
	capHCSPARAMS2 = 0x08
	capHCSPARAMS3 = 0x0c
	capHCCPARAMS1 = 0x10
	capDBOFF      = 0x14
	capRTSOFF     = 0x18
	capHCCPARAMS2 = 0x1c
)

// Operational Register offsets (xHCI §5.4), relative to opBase =
// MMIOBase + CAPLENGTH.
const (
	opUSBCMD     = 0x00
	opUSBSTS     = 0x04
	opPAGESIZE   = 0x08
	opDNCTRL     = 0x14
	opCRCR       = 0x18
	opDCBAAP     = 0x30
	opCONFIG     = 0x38
	opPortBase   = 0x400 // PORTSC/PORTPMSC/PORTLI/PORTHLPMC, 0x10 per port
	opPortStride = 0x10
)

// USBCMD bits.
const (
	USBCMDRunStop          = 1 << 0
	USBCMDHCReset          = 1 << 1
	USBCMDINTEEnable       = 1 << 2
	USBCMDHostSysErrEnable = 1 << 3
)

// USBSTS bits.
const (
	USBSTSHCHalted           = 1 << 0
	USBSTSHostSysErr         = 1 << 2
	USBSTSEventInt           = 1 << 3
	USBSTSPortChange         = 1 << 4
	USBSTSControllerNotReady = 1 << 11
)

// CRCR bits.
const (
	CRCRRingCycleState     = 1 << 0
	CRCRCommandStop        = 1 << 1
	CRCRCommandAbort       = 1 << 2
	CRCRCommandRingRunning = 1 << 3
	crcrPointerMask        = ^uint64(0x3f)
)

// CONFIG register: MaxSlotsEn occupies bits 0-7.
const configMaxSlotsEnMask = 0xff

// PORTSC bits (xHCI Table 5-27).
const (
	PORTSCCurrentConnectStatus = 1 << 0
	PORTSCPortEnabled          = 1 << 1
	PORTSCPortReset            = 1 << 4
	PORTSCPortLinkStateMask    = 0xf << 5
	PORTSCPortPower            = 1 << 9
	portSCSpeedShift           = 10
	portSCSpeedMask            = 0xf << portSCSpeedShift
	PORTSCConnectStatusChange  = 1 << 17
	PORTSCPortResetChange      = 1 << 21
)

// Runtime Register offsets, relative to rtBase = MMIOBase + RTSOFF.
const (
	rtIR0Base = 0x20 // Interrupter Register Set 0
	irIMAN    = 0x00
	irIMOD    = 0x04
	irERSTSZ  = 0x08
	irERSTBA  = 0x10
	irERDP    = 0x18
)

const (
	IMANInterruptPending = 1 << 0
	IMANInterruptEnable  = 1 << 1
	erdpEventHandlerBusy = 1 << 3
	erdpPointerMask      = ^uint64(0xf)
)

// Doorbell Array offset is MMIOBase + DBOFF; each slot's doorbell is a
// 32-bit register at dbBase + slot*4. Doorbell target values (xHCI Table
// 6-6) for slot 0 (command ring).
const dbCommandRingTarget = 0
