// Package trb implements the 16-byte Transfer Request Block codec shared
// by the Command Ring, Event Ring, and every per-endpoint Transfer Ring:
// fixed-layout little-endian records accessed through typed getters and
// setters rather than ad hoc bit twiddling at call sites.
package trb

import (
	"encoding/binary"
	"unsafe"
)

// Size is the fixed length in bytes of every TRB, regardless of type.
const Size = 16

// TRB is a raw, 16-byte Transfer Request Block. Field 3 (dword 3) packs
// the cycle bit, TRB type, and type-specific flags; callers use the
// accessor methods below rather than hand-rolling the bit math.
type TRB [Size]byte

// Compile-time size check, mirroring the kernel-struct size-check idiom.
var _ [Size]byte = TRB{}

// dword offsets within a TRB.
const (
	offParam0 = 0  // bytes 0-3: Parameter low dword
	offParam1 = 4  // bytes 4-7: Parameter high dword
	offStatus = 8  // bytes 8-11: Status dword
	offCtrl   = 12 // bytes 12-15: Control dword (cycle, type, flags)
)

const (
	cycleBit   = uint32(1) << 0
	toggleBit  = uint32(1) << 1 // TC (Link TRB) / ENT depending on TRB type
	ispBit     = uint32(1) << 2 // Interrupt-on-Short-Packet
	iocBit     = uint32(1) << 5 // Interrupt-on-Completion
	idtBit     = uint32(1) << 6 // Immediate Data (Setup Stage TRB)
	typeShift  = 10
	typeMask   = uint32(0x3f) << typeShift
	dirBit     = uint32(1) << 16 // DIR (Data/Status Stage TRB direction, IN when set)
	trtShift   = 16
	trtMask    = uint32(0x3) << trtShift
)

// TransferType is the Setup Stage TRB's TRT field (xHCI Table 6-22):
// whether a Data Stage follows, and if so, its direction.
type TransferType uint8

const (
	TransferTypeNoData TransferType = 0
	TransferTypeOut    TransferType = 2
	TransferTypeIn     TransferType = 3
)

// Type identifies the TRB Type field (xHCI Table 6-91).
type Type uint8

const (
	TypeNormal                   Type = 1
	TypeSetupStage               Type = 2
	TypeDataStage                Type = 3
	TypeStatusStage              Type = 4
	TypeLink                     Type = 6
	TypeEnableSlotCommand        Type = 9
	TypeDisableSlotCommand       Type = 10
	TypeAddressDeviceCommand     Type = 11
	TypeConfigureEndpointCommand Type = 12
	TypeEvaluateContextCommand   Type = 13
	TypeResetEndpointCommand     Type = 14
	TypeStopEndpointCommand      Type = 15
	TypeNoOpCommand              Type = 23
	TypeTransferEvent            Type = 32
	TypeCommandCompletionEvent   Type = 33
	TypePortStatusChangeEvent    Type = 34
)

// Param returns the 64-bit Parameter field (dwords 0-1).
func (t *TRB) Param() uint64 {
	lo := binary.LittleEndian.Uint32(t[offParam0 : offParam0+4])
	hi := binary.LittleEndian.Uint32(t[offParam1 : offParam1+4])
	return uint64(hi)<<32 | uint64(lo)
}

// SetParam sets the 64-bit Parameter field.
func (t *TRB) SetParam(v uint64) {
	binary.LittleEndian.PutUint32(t[offParam0:offParam0+4], uint32(v))
	binary.LittleEndian.PutUint32(t[offParam1:offParam1+4], uint32(v>>32))
}

// Status returns the Status dword.
func (t *TRB) Status() uint32 {
	return binary.LittleEndian.Uint32(t[offStatus : offStatus+4])
}

// SetStatus sets the Status dword.
func (t *TRB) SetStatus(v uint32) {
	binary.LittleEndian.PutUint32(t[offStatus:offStatus+4], v)
}

// Control returns the raw Control dword.
func (t *TRB) Control() uint32 {
	return binary.LittleEndian.Uint32(t[offCtrl : offCtrl+4])
}

// SetControl sets the raw Control dword.
func (t *TRB) SetControl(v uint32) {
	binary.LittleEndian.PutUint32(t[offCtrl:offCtrl+4], v)
}

// Cycle returns the TRB's cycle bit.
func (t *TRB) Cycle() bool {
	return t.Control()&cycleBit != 0
}

// SetCycle sets or clears the cycle bit in place.
func (t *TRB) SetCycle(c bool) {
	ctrl := t.Control()
	if c {
		ctrl |= cycleBit
	} else {
		ctrl &^= cycleBit
	}
	t.SetControl(ctrl)
}

// ToggleCycle is the Link TRB's Toggle Cycle (TC) bit, and doubles as
// other TRB types' "chain"/flag bit at the same offset depending on type;
// callers interpret it per TRBType().
func (t *TRB) ToggleCycle() bool {
	return t.Control()&toggleBit != 0
}

// SetInterruptOnCompletion sets or clears the IOC bit: without it, no
// Transfer Event TRB is ever posted for this TRB, so the pending/refill
// table entry registered under its physical address would never fire.
func (t *TRB) SetInterruptOnCompletion(v bool) {
	ctrl := t.Control()
	if v {
		ctrl |= iocBit
	} else {
		ctrl &^= iocBit
	}
	t.SetControl(ctrl)
}

// SetImmediateData sets the IDT bit, marking the Parameter field as
// carrying the data itself rather than a pointer to it; a Setup Stage
// TRB's 8 setup bytes always travel this way.
func (t *TRB) SetImmediateData(v bool) {
	ctrl := t.Control()
	if v {
		ctrl |= idtBit
	} else {
		ctrl &^= idtBit
	}
	t.SetControl(ctrl)
}

// SetTransferType sets a Setup Stage TRB's TRT field: whether a Data
// Stage follows the Setup Stage and, if so, which direction it carries
// (xHCI Table 6-22).
func (t *TRB) SetTransferType(tt TransferType) {
	ctrl := t.Control()
	ctrl = (ctrl &^ trtMask) | (uint32(tt)<<trtShift)&trtMask
	t.SetControl(ctrl)
}

// SetDirection sets or clears a Data/Status Stage TRB's DIR bit: set for
// an IN (device-to-host) stage, clear for OUT.
func (t *TRB) SetDirection(in bool) {
	ctrl := t.Control()
	if in {
		ctrl |= dirBit
	} else {
		ctrl &^= dirBit
	}
	t.SetControl(ctrl)
}

// SetInterruptOnShortPacket sets or clears the ISP bit.
func (t *TRB) SetInterruptOnShortPacket(v bool) {
	ctrl := t.Control()
	if v {
		ctrl |= ispBit
	} else {
		ctrl &^= ispBit
	}
	t.SetControl(ctrl)
}

// TRBType returns the Type field.
func (t *TRB) TRBType() Type {
	return Type((t.Control() & typeMask) >> typeShift)
}

// SetTRBType sets the Type field, preserving the rest of the Control dword.
func (t *TRB) SetTRBType(typ Type) {
	ctrl := t.Control()
	ctrl = (ctrl &^ typeMask) | (uint32(typ)<<typeShift)&typeMask
	t.SetControl(ctrl)
}

// NewLink builds a Link TRB pointing at the physical address of the next
// ring segment (xHCI §6.4.4.1).
func NewLink(nextSegPhys uint64, toggleCycle, cycle bool) TRB {
	var t TRB
	t.SetParam(nextSegPhys)
	ctrl := uint32(TypeLink) << typeShift
	if toggleCycle {
		ctrl |= toggleBit
	}
	if cycle {
		ctrl |= cycleBit
	}
	t.SetControl(ctrl)
	return t
}

// CompletionCode is the xHCI Completion Code field found in the Status
// dword of every Event TRB (Table 6-90).
type CompletionCode uint8

const (
	CompletionSuccess             CompletionCode = 1
	CompletionDataBufferError     CompletionCode = 2
	CompletionBabbleDetected      CompletionCode = 3
	CompletionUSBTransactionError CompletionCode = 4
	CompletionTRBError            CompletionCode = 5
	CompletionStallError          CompletionCode = 6
	CompletionNoSlotsAvailable    CompletionCode = 9
	CompletionShortPacket         CompletionCode = 13
	CompletionParameterError      CompletionCode = 17
	CompletionCommandRingStopped  CompletionCode = 24
)

// CompletionCode extracts the completion code from an Event TRB's Status
// dword (bits 24-31).
func (t *TRB) CompletionCode() CompletionCode {
	return CompletionCode(t.Status() >> 24)
}

// SetCompletionCode sets the completion code in the Status dword,
// preserving the transfer-length bits.
func (t *TRB) SetCompletionCode(code CompletionCode) {
	status := t.Status()
	status = (status & 0x00ffffff) | (uint32(code) << 24)
	t.SetStatus(status)
}

// SlotID extracts the Slot ID from a Command Completion / Transfer Event
// TRB's Control dword (bits 24-31).
func (t *TRB) SlotID() uint8 {
	return uint8(t.Control() >> 24)
}

// SetSlotID sets the Slot ID field.
func (t *TRB) SetSlotID(id uint8) {
	ctrl := t.Control()
	ctrl = (ctrl & 0x00ffffff) | (uint32(id) << 24)
	t.SetControl(ctrl)
}

// asPointer reinterprets the TRB as an *[Size]byte for zero-copy access
// into a DMA-mapped ring segment.
func asPointer(p unsafe.Pointer) *TRB {
	return (*TRB)(p)
}

// At returns a pointer to the TRB at the given index within a raw ring
// segment buffer starting at base.
func At(base unsafe.Pointer, index int) *TRB {
	return asPointer(unsafe.Add(base, index*Size))
}
