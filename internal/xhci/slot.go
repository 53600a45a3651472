package xhci

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/usb-stack/xhcihost/internal/constants"
	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/internal/ring"
	"github.com/usb-stack/xhcihost/internal/trb"
)

// contextSize is the size in bytes of one Slot Context or Endpoint
// Context in the 32-byte (non-extended, CSZ=0) context format this
// controller is initialized for.
const contextSize = 32

// inputContextSize is the Input Control Context (32 bytes) plus one Slot
// Context plus MaxEndpointsPerSlot-1 Endpoint Contexts (DCI 1..31).
const inputContextSize = contextSize * (1 + 1 + (constants.MaxEndpointsPerSlot - 1))

// outputContextSize is the Output Device Context: one Slot Context plus
// MaxEndpointsPerSlot-1 Endpoint Contexts, with no Input Control Context.
const outputContextSize = contextSize * (1 + (constants.MaxEndpointsPerSlot - 1))

// Input Control Context dword offsets (xHCI Table 6-26).
const (
	icDropFlags = 0
	icAddFlags  = 4
)

// writeSlotContext marshals the Slot Context fields this driver needs
// (Route String, Speed, Context Entries, Root Hub Port Number) into a
// 32-byte context slot (xHCI Table 6-4).
func writeSlotContext(dst []byte, routeString uint32, speed uint8, contextEntries uint8, rootHubPort uint8) {
	if routeString != 0 {
		panic("xhci: route string must be 0 (no hub support)")
	}
	dword0 := uint32(routeString&0xfffff) | uint32(speed&0xf)<<20 | uint32(contextEntries&0x1f)<<27
	binary.LittleEndian.PutUint32(dst[0:4], dword0)
	dword1 := uint32(rootHubPort) << 16
	binary.LittleEndian.PutUint32(dst[4:8], dword1)
}

// endpointParams holds the fully-resolved Endpoint Context fields for one
// endpoint, after resolveEndpointParams has applied the base rule and the
// per-type overrides.
type endpointParams struct {
	maxPacketSize  uint16
	maxBurstSize   uint8
	mult           uint8
	interval       uint8
	errorCount     uint8
	esitPayloadLow uint8
}

// resolveEndpointParams applies the base Endpoint Context rule (interval
// = bInterval-1, error count 3) and then the per-type adjustments of xHCI
// Table 6-9: Bulk forces max-burst to 0; Interrupt/Isoch mask the
// max-packet-size to 11 bits, fold the upper bits into max-burst, zero
// mult, and pin the interval; Isoch additionally zeroes the error count
// and sets the low ESIT payload. descInterval is the endpoint
// descriptor's raw bInterval; 0 for Control, which takes no override.
func resolveEndpointParams(epType uint8, maxPacketSize uint16, descInterval uint8) endpointParams {
	p := endpointParams{
		maxPacketSize: maxPacketSize,
		errorCount:    3,
	}
	if descInterval > 0 {
		p.interval = descInterval - 1
	}
	switch epType {
	case EPTypeBulkOut, EPTypeBulkIn:
		p.maxBurstSize = 0
	case EPTypeInterruptOut, EPTypeInterruptIn, EPTypeIsochOut, EPTypeIsochIn:
		p.maxPacketSize = maxPacketSize & 0x7ff
		p.maxBurstSize = uint8((maxPacketSize & 0x1800) >> 11)
		p.mult = 0
		if epType == EPTypeIsochOut || epType == EPTypeIsochIn {
			p.errorCount = 0
		}
		p.esitPayloadLow = 4
		p.interval = 1
	}
	return p
}

// writeEndpointContext marshals the Endpoint Context fields needed to
// address EP0 or a bulk/interrupt/isoch endpoint: Mult, Interval, Error
// Count (CErr), EP Type, Max Burst Size, Max Packet Size, the initial
// Transfer Ring dequeue pointer with its cycle bit, and (when nonzero)
// Max ESIT Payload Lo (xHCI Table 6-9).
func writeEndpointContext(dst []byte, epType uint8, p endpointParams, ringPhysAddr uint64, dequeueCycleState bool) {
	dword0 := uint32(p.mult&0x3)<<5 | uint32(p.interval)<<16
	binary.LittleEndian.PutUint32(dst[0:4], dword0)

	dword1 := uint32(p.errorCount&0x3)<<1 | uint32(epType&0x7)<<3 | uint32(p.maxBurstSize)<<8 | uint32(p.maxPacketSize)<<16
	binary.LittleEndian.PutUint32(dst[4:8], dword1)

	trPtr := ringPhysAddr &^ 0xf
	if dequeueCycleState {
		trPtr |= 1
	}
	binary.LittleEndian.PutUint64(dst[8:16], trPtr)

	if p.esitPayloadLow != 0 {
		binary.LittleEndian.PutUint32(dst[16:20], uint32(p.esitPayloadLow)<<16)
	}
}

// EndpointType values (xHCI Table 6-9).
const (
	EPTypeIsochOut     uint8 = 1
	EPTypeBulkOut      uint8 = 2
	EPTypeInterruptOut uint8 = 3
	EPTypeControl      uint8 = 4
	EPTypeIsochIn      uint8 = 5
	EPTypeBulkIn       uint8 = 6
	EPTypeInterruptIn  uint8 = 7
)

// EnableSlot issues an Enable Slot Command and allocates the resulting
// slot's Output Device Context (xHCI §4.3.2).
func (c *Controller) EnableSlot(ctx context.Context) (uint8, error) {
	var cmd trb.TRB
	cmd.SetTRBType(trb.TypeEnableSlotCommand)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return 0, fmt.Errorf("xhci: enable slot: %w", err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return 0, fmt.Errorf("xhci: enable slot failed: completion code %d", completion.CompletionCode())
	}

	slotID := completion.SlotID()
	if _, err := c.dcbaa.AllocateSlot(c.plat, slotID, outputContextSize); err != nil {
		return 0, fmt.Errorf("xhci: allocate output context for slot %d: %w", slotID, err)
	}
	return slotID, nil
}

// AddressDevice builds an Input Context addressing EP0 at the given root
// hub port and speed, submits an Address Device Command, and transitions
// the slot to Addressed on success (xHCI §4.3.3).
func (c *Controller) AddressDevice(ctx context.Context, slotID uint8, rootHubPort int, speed uint8, ep0MaxPacketSize uint16) (*ring.Producer, error) {
	s := c.dcbaa.Slot(slotID)
	if s == nil {
		return nil, fmt.Errorf("xhci: address device: unknown slot %d", slotID)
	}

	inputSeg, err := allocSegment(c.plat, inputContextSize, 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate input context: %w", err)
	}
	s.InputCtx = inputSeg

	ep0RingSeg, err := allocSegment(c.plat, int(constants.DefaultTransferRingEntries)*trb.Size, 64)
	if err != nil {
		inputSeg.Free()
		return nil, fmt.Errorf("xhci: allocate EP0 transfer ring: %w", err)
	}
	ep0Ring, err := ring.NewProducer(ep0RingSeg.Base(), ep0RingSeg.PhysAddr(), int(constants.DefaultTransferRingEntries))
	if err != nil {
		ep0RingSeg.Free()
		inputSeg.Free()
		return nil, fmt.Errorf("xhci: init EP0 transfer ring: %w", err)
	}

	buf := inputSeg.Bytes()
	binary.LittleEndian.PutUint32(buf[icAddFlags:icAddFlags+4], 0x3) // A0 (slot) + A1 (EP0)

	slotCtx := buf[contextSize : contextSize*2]
	writeSlotContext(slotCtx, 0, speed, constants.ControlEndpointDCI, uint8(rootHubPort+1))

	ep0Ctx := buf[contextSize*2 : contextSize*3]
	writeEndpointContext(ep0Ctx, EPTypeControl, resolveEndpointParams(EPTypeControl, ep0MaxPacketSize, 0), ep0RingSeg.PhysAddr(), true)

	var cmd trb.TRB
	cmd.SetParam(inputSeg.PhysAddr())
	cmd.SetTRBType(trb.TypeAddressDeviceCommand)
	cmd.SetSlotID(slotID)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return nil, fmt.Errorf("xhci: address device: %w", err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return nil, fmt.Errorf("xhci: address device failed: completion code %d", completion.CompletionCode())
	}

	s.Endpoints[constants.ControlEndpointDCI] = &Endpoint{DCI: constants.ControlEndpointDCI, Ring: ep0Ring}
	c.dcbaa.SetState(slotID, SlotStateAddressed)
	return ep0Ring, nil
}

// ConfigureEndpoint builds an Input Context adding the given non-EP0
// endpoint and submits a Configure Endpoint Command (xHCI §4.3.5).
func (c *Controller) ConfigureEndpoint(ctx context.Context, slotID uint8, dci uint8, epType uint8, maxPacketSize uint16, interval uint8, maxEndpointDCI uint8) (*ring.Producer, error) {
	s := c.dcbaa.Slot(slotID)
	if s == nil {
		return nil, fmt.Errorf("xhci: configure endpoint: unknown slot %d", slotID)
	}
	if dci < 2 || int(dci) > constants.MaxEndpointsPerSlot {
		return nil, fmt.Errorf("xhci: configure endpoint: dci %d out of range", dci)
	}

	var inputSeg *dma.Segment
	if s.InputCtx != nil {
		inputSeg = s.InputCtx
	} else {
		var err error
		inputSeg, err = allocSegment(c.plat, inputContextSize, 64)
		if err != nil {
			return nil, fmt.Errorf("xhci: allocate input context: %w", err)
		}
		s.InputCtx = inputSeg
	}

	ringSeg, err := allocSegment(c.plat, int(constants.DefaultTransferRingEntries)*trb.Size, 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate endpoint %d transfer ring: %w", dci, err)
	}
	epRing, err := ring.NewProducer(ringSeg.Base(), ringSeg.PhysAddr(), int(constants.DefaultTransferRingEntries))
	if err != nil {
		ringSeg.Free()
		return nil, fmt.Errorf("xhci: init endpoint %d transfer ring: %w", dci, err)
	}

	buf := inputSeg.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[icAddFlags:icAddFlags+4], 0x1|(1<<dci))

	slotCtx := buf[contextSize : contextSize*2]
	maxDCI := dci
	if maxEndpointDCI > maxDCI {
		maxDCI = maxEndpointDCI
	}
	writeSlotContext(slotCtx, 0, 0, maxDCI, 1)

	// Endpoint contexts sit after the Input Control Context and the Slot
	// Context, so DCI d lives at offset 32*(1+d).
	epOffset := contextSize * (1 + int(dci))
	epCtx := buf[epOffset : epOffset+contextSize]
	writeEndpointContext(epCtx, epType, resolveEndpointParams(epType, maxPacketSize, interval), ringSeg.PhysAddr(), true)

	var cmd trb.TRB
	cmd.SetParam(inputSeg.PhysAddr())
	cmd.SetTRBType(trb.TypeConfigureEndpointCommand)
	cmd.SetSlotID(slotID)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return nil, fmt.Errorf("xhci: configure endpoint: %w", err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return nil, fmt.Errorf("xhci: configure endpoint failed: completion code %d", completion.CompletionCode())
	}

	s.Endpoints[dci] = &Endpoint{DCI: dci, Ring: epRing}
	c.dcbaa.SetState(slotID, SlotStateConfigured)
	return epRing, nil
}

// EndpointSpec describes one non-EP0 endpoint to add in a single Configure
// Endpoint Command.
type EndpointSpec struct {
	DCI           uint8
	Type          uint8
	MaxPacketSize uint16

	// Interval is the endpoint descriptor's raw bInterval value; 0 for
	// endpoints with no polling interval.
	Interval uint8
}

// ConfigureEndpoints builds one Input Context adding every endpoint in
// specs and submits a single Configure Endpoint Command, so a
// multi-endpoint interface is enabled atomically instead of clobbering
// itself across repeated single-endpoint calls. Returns each endpoint's
// Transfer Ring, keyed by DCI.
func (c *Controller) ConfigureEndpoints(ctx context.Context, slotID uint8, specs []EndpointSpec) (map[uint8]*ring.Producer, error) {
	s := c.dcbaa.Slot(slotID)
	if s == nil {
		return nil, fmt.Errorf("xhci: configure endpoints: unknown slot %d", slotID)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("xhci: configure endpoints: no endpoints given")
	}

	var inputSeg *dma.Segment
	if s.InputCtx != nil {
		inputSeg = s.InputCtx
	} else {
		var err error
		inputSeg, err = allocSegment(c.plat, inputContextSize, 64)
		if err != nil {
			return nil, fmt.Errorf("xhci: allocate input context: %w", err)
		}
		s.InputCtx = inputSeg
	}

	buf := inputSeg.Bytes()
	for i := range buf {
		buf[i] = 0
	}

	addFlags := uint32(0x1) // A0 (slot)
	maxDCI := uint8(0)
	rings := make(map[uint8]*ring.Producer, len(specs))
	allocated := make([]*dma.Segment, 0, len(specs))

	for _, spec := range specs {
		if spec.DCI < 2 || int(spec.DCI) > constants.MaxEndpointsPerSlot {
			for _, seg := range allocated {
				seg.Free()
			}
			return nil, fmt.Errorf("xhci: configure endpoints: dci %d out of range", spec.DCI)
		}

		ringSeg, err := allocSegment(c.plat, int(constants.DefaultTransferRingEntries)*trb.Size, 64)
		if err != nil {
			for _, seg := range allocated {
				seg.Free()
			}
			return nil, fmt.Errorf("xhci: allocate endpoint %d transfer ring: %w", spec.DCI, err)
		}
		allocated = append(allocated, ringSeg)

		epRing, err := ring.NewProducer(ringSeg.Base(), ringSeg.PhysAddr(), int(constants.DefaultTransferRingEntries))
		if err != nil {
			for _, seg := range allocated {
				seg.Free()
			}
			return nil, fmt.Errorf("xhci: init endpoint %d transfer ring: %w", spec.DCI, err)
		}

		addFlags |= 1 << spec.DCI
		epOffset := contextSize * (1 + int(spec.DCI))
		epCtx := buf[epOffset : epOffset+contextSize]
		writeEndpointContext(epCtx, spec.Type, resolveEndpointParams(spec.Type, spec.MaxPacketSize, spec.Interval), ringSeg.PhysAddr(), true)

		rings[spec.DCI] = epRing
		if spec.DCI > maxDCI {
			maxDCI = spec.DCI
		}
	}

	binary.LittleEndian.PutUint32(buf[icAddFlags:icAddFlags+4], addFlags)

	slotCtx := buf[contextSize : contextSize*2]
	writeSlotContext(slotCtx, 0, 0, maxDCI, 1)

	var cmd trb.TRB
	cmd.SetParam(inputSeg.PhysAddr())
	cmd.SetTRBType(trb.TypeConfigureEndpointCommand)
	cmd.SetSlotID(slotID)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return nil, fmt.Errorf("xhci: configure endpoints: %w", err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return nil, fmt.Errorf("xhci: configure endpoints failed: completion code %d", completion.CompletionCode())
	}

	for dci, r := range rings {
		s.Endpoints[dci] = &Endpoint{DCI: dci, Ring: r}
	}
	c.dcbaa.SetState(slotID, SlotStateConfigured)
	return rings, nil
}

// EvaluateContext submits an Evaluate Context Command carrying an updated
// EP0 max packet size, used once the real value is read back from the
// device's device descriptor (xHCI §4.6.7).
func (c *Controller) EvaluateContext(ctx context.Context, slotID uint8, ep0MaxPacketSize uint16) error {
	s := c.dcbaa.Slot(slotID)
	if s == nil {
		return fmt.Errorf("xhci: evaluate context: unknown slot %d", slotID)
	}

	inputSeg, err := allocSegment(c.plat, inputContextSize, 64)
	if err != nil {
		return fmt.Errorf("xhci: allocate input context: %w", err)
	}
	defer inputSeg.Free()

	buf := inputSeg.Bytes()
	binary.LittleEndian.PutUint32(buf[icAddFlags:icAddFlags+4], 0x2) // A1 (EP0) only

	ep0Ctx := buf[contextSize*2 : contextSize*3]
	binary.LittleEndian.PutUint32(ep0Ctx[4:8], uint32(ep0MaxPacketSize)<<16|uint32(EPTypeControl&0x7)<<3)

	var cmd trb.TRB
	cmd.SetParam(inputSeg.PhysAddr())
	cmd.SetTRBType(trb.TypeEvaluateContextCommand)
	cmd.SetSlotID(slotID)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return fmt.Errorf("xhci: evaluate context: %w", err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return fmt.Errorf("xhci: evaluate context failed: completion code %d", completion.CompletionCode())
	}
	return nil
}

// DisableSlot issues a Disable Slot Command and frees the slot's
// contexts and DCBAA entry.
func (c *Controller) DisableSlot(ctx context.Context, slotID uint8) error {
	var cmd trb.TRB
	cmd.SetTRBType(trb.TypeDisableSlotCommand)
	cmd.SetSlotID(slotID)

	completion, err := c.cmdRing.Submit(ctx, c, cmd)
	if err != nil {
		return fmt.Errorf("xhci: disable slot %d: %w", slotID, err)
	}
	if completion.CompletionCode() != trb.CompletionSuccess {
		return fmt.Errorf("xhci: disable slot %d failed: completion code %d", slotID, completion.CompletionCode())
	}
	c.dcbaa.FreeSlot(slotID)
	return nil
}
