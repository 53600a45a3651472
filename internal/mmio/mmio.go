// Package mmio provides atomic, ordered accessors over the xHCI MMIO
// register window: Capability Registers, Operational Registers, Runtime
// Registers, and Doorbell Array. Every access goes through sync/atomic so
// register reads/writes are never reordered or torn relative to the
// event-loop and dispatcher goroutines that share the mapping.
package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Registers is a typed view over a mapped MMIO region. It does not own
// the mapping; callers obtain base from platform.Platform.MapMMIO and
// must keep it alive for the Registers' lifetime.
type Registers struct {
	base unsafe.Pointer
}

// New wraps a mapped MMIO region starting at base.
func New(base unsafe.Pointer) *Registers {
	return &Registers{base: base}
}

func (r *Registers) ptr32(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Add(r.base, offset))
}

func (r *Registers) ptr64(offset uintptr) *uint64 {
	return (*uint64)(unsafe.Add(r.base, offset))
}

// Get32 reads a 32-bit register at offset.
func (r *Registers) Get32(offset uintptr) uint32 {
	return atomic.LoadUint32(r.ptr32(offset))
}

// Set32 writes a 32-bit register at offset.
func (r *Registers) Set32(offset uintptr, v uint32) {
	atomic.StoreUint32(r.ptr32(offset), v)
}

// SetBits32 performs a read-modify-write OR of mask into the register at
// offset. Callers owning exclusive write access to a register (e.g. USBCMD
// during initialization, which is single-writer by construction) may use
// this safely; it is not itself atomic as a whole operation.
func (r *Registers) SetBits32(offset uintptr, mask uint32) {
	r.Set32(offset, r.Get32(offset)|mask)
}

// ClearBits32 performs a read-modify-write AND-NOT of mask into the
// register at offset.
func (r *Registers) ClearBits32(offset uintptr, mask uint32) {
	r.Set32(offset, r.Get32(offset)&^mask)
}

// Get64 reads a 64-bit register at offset.
func (r *Registers) Get64(offset uintptr) uint64 {
	return atomic.LoadUint64(r.ptr64(offset))
}

// Set64 writes a 64-bit register at offset.
func (r *Registers) Set64(offset uintptr, v uint64) {
	atomic.StoreUint64(r.ptr64(offset), v)
}

// Doorbell rings the doorbell register for the given slot (0 for the
// Command Ring / host controller) with the given DB target value. The
// register offset is computed by the caller (xhci package), which knows
// the Doorbell Array base from CAPLENGTH/DBOFF.
func (r *Registers) Doorbell(dbArrayOffset uintptr, slot uint8, target uint32) {
	r.Set32(dbArrayOffset+uintptr(slot)*4, target)
}
