package xhci

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/internal/ring"
	"github.com/usb-stack/xhcihost/platform"
)

// dcbaaEntrySize is the size in bytes of one Device Context Base Address
// Array entry (a 64-bit physical pointer).
const dcbaaEntrySize = 8

// DeviceContextList wraps the Device Context Base Address Array (DCBAA):
// entry 0 holds the Scratchpad Array's physical address, entries 1..N
// hold each enabled slot's Output Device Context physical address (xHCI
// §6.1).
type DeviceContextList struct {
	mu sync.RWMutex

	seg      *dma.Segment
	maxSlots int

	// slots holds each slot's allocated Output Device Context and, once a
	// command has needed one, its Input Context (kept until FreeSlot).
	slots map[uint8]*SlotInner
}

// SlotInner is the per-slot bookkeeping the Device Context List keeps
// alongside the raw DCBAA pointer entry: the slot's allocated contexts
// and its current lifecycle state.
type SlotInner struct {
	SlotID uint8
	State  SlotState

	OutputCtx *dma.Segment // Output Device Context (read by controller)
	InputCtx  *dma.Segment // Input Context (written by software for Address/Configure/Evaluate)

	Endpoints map[uint8]*Endpoint // keyed by Device Context Index
}

// Endpoint tracks a single addressed endpoint's Transfer Ring.
type Endpoint struct {
	DCI  uint8
	Ring *ring.Producer
}

// SlotState mirrors the xHCI Slot Context State field (Table 6-7) plus the
// software-only "unconfigured" state before EnableSlot completes.
type SlotState int

const (
	SlotStateDisabled SlotState = iota
	SlotStateEnabled
	SlotStateDefault
	SlotStateAddressed
	SlotStateConfigured
)

// NewDeviceContextList allocates the DCBAA for up to maxSlots device
// slots (plus the reserved scratchpad entry at index 0).
func NewDeviceContextList(plat platform.Platform, maxSlots int) (*DeviceContextList, error) {
	size := (maxSlots + 1) * dcbaaEntrySize
	seg, err := allocSegment(plat, size, 64)
	if err != nil {
		return nil, fmt.Errorf("devctx: allocate DCBAA: %w", err)
	}
	return &DeviceContextList{
		seg:      seg,
		maxSlots: maxSlots,
		slots:    make(map[uint8]*SlotInner),
	}, nil
}

// PhysAddr returns the DCBAA's physical base address, for DCBAAP.
func (d *DeviceContextList) PhysAddr() uint64 {
	return d.seg.PhysAddr()
}

func (d *DeviceContextList) entryPtr(index int) *uint64 {
	return (*uint64)(unsafe.Add(d.seg.Base(), index*dcbaaEntrySize))
}

// SetScratchpadEntry installs the Scratchpad Array's physical address in
// DCBAA entry 0.
func (d *DeviceContextList) SetScratchpadEntry(phys uint64) {
	*d.entryPtr(0) = phys
}

// AllocateSlot installs a freshly-allocated Output Device Context for
// slotID into the DCBAA and records it as Enabled. Called after a
// successful Enable Slot command.
func (d *DeviceContextList) AllocateSlot(plat platform.Platform, slotID uint8, outputCtxSize int) (*SlotInner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(slotID) < 1 || int(slotID) > d.maxSlots {
		return nil, fmt.Errorf("devctx: slot id %d out of range [1,%d]", slotID, d.maxSlots)
	}
	if _, exists := d.slots[slotID]; exists {
		return nil, fmt.Errorf("devctx: slot %d already allocated", slotID)
	}

	outSeg, err := allocSegment(plat, outputCtxSize, 64)
	if err != nil {
		return nil, fmt.Errorf("devctx: allocate output context for slot %d: %w", slotID, err)
	}
	*d.entryPtr(int(slotID)) = outSeg.PhysAddr()

	s := &SlotInner{
		SlotID:    slotID,
		State:     SlotStateEnabled,
		OutputCtx: outSeg,
		Endpoints: make(map[uint8]*Endpoint),
	}
	d.slots[slotID] = s
	return s, nil
}

// Slot returns the bookkeeping for an allocated slot, or nil if none.
func (d *DeviceContextList) Slot(slotID uint8) *SlotInner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots[slotID]
}

// SetState updates a slot's lifecycle state.
func (d *DeviceContextList) SetState(slotID uint8, state SlotState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[slotID]; ok {
		s.State = state
	}
}

// FreeSlot clears a slot's DCBAA entry and releases its contexts. Called
// after a successful Disable Slot command.
func (d *DeviceContextList) FreeSlot(slotID uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.slots[slotID]
	if !ok {
		return
	}
	*d.entryPtr(int(slotID)) = 0
	if s.OutputCtx != nil {
		s.OutputCtx.Free()
	}
	if s.InputCtx != nil {
		s.InputCtx.Free()
	}
	delete(d.slots, slotID)
}
