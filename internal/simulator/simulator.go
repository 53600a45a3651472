// Package simulator emulates the controller side of the xHCI register and
// ring protocol against an in-process MMIO window and identity-mapped DMA
// memory. It plays the role hardware plays for the real driver: it answers
// the reset handshake, consumes Command Ring and Transfer Ring TRBs, and
// produces Event Ring TRBs, with a single canned USB device attached to
// one root hub port. It exists for the smoke-test binary and the scenario
// tests; it is not a model of any particular silicon.
package simulator

import (
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/usb-stack/xhcihost/internal/mmio"
	"github.com/usb-stack/xhcihost/internal/trb"
)

// Platform is the slice of the test platform the simulator needs: the
// shared MMIO window and the reverse of the identity phys/virt mapping, so
// ring and context structures handed over by physical address can be read
// and written in process.
type Platform interface {
	MapMMIO(base uintptr, size int) (unsafe.Pointer, error)
	Resolve(phys uint64, size int) ([]byte, bool)
}

// Register layout the simulator advertises through its capability
// registers. The driver discovers all of these at runtime; the values are
// arbitrary but must stay self-consistent.
const (
	capLength  = 0x80
	dbOffset   = 0x600
	rtOffset   = 0x700
	mmioExtent = 0x4000

	regHCSPARAMS1 = 0x04
	regHCSPARAMS2 = 0x08
	regDBOFF      = 0x14
	regRTSOFF     = 0x18

	regUSBCMD   = capLength + 0x00
	regUSBSTS   = capLength + 0x04
	regPAGESIZE = capLength + 0x08
	regCRCR     = capLength + 0x18
	regPortBase = capLength + 0x400
	portStride  = 0x10

	regERSTBA = rtOffset + 0x20 + 0x10

	usbcmdRunStop = 1 << 0
	usbcmdHCReset = 1 << 1
	usbstsHCH     = 1 << 0

	portCCS = 1 << 0
	portPED = 1 << 1
	portPR  = 1 << 4
	portPRC = 1 << 21
)

const (
	maxSlots       = 32
	maxPorts       = 8
	scratchBuffers = 4
	contextSize    = 32
	sweepInterval  = 100 * time.Microsecond
)

// Options configures the simulated topology and device identity. The zero
// value gets one Full-Speed HID boot mouse on port 2 (0-indexed).
type Options struct {
	ConnectedPort int
	PortSpeed     uint8

	// DeviceDescriptor and ConfigDescriptor are the raw descriptor bytes
	// served for GET_DESCRIPTOR; defaults describe a boot-protocol mouse.
	DeviceDescriptor []byte
	ConfigDescriptor []byte

	// InterruptReport is the payload written into every Normal TRB's buffer
	// on the interrupt endpoint.
	InterruptReport []byte

	// FailEnableSlot makes every Enable Slot Command complete with
	// NoSlotsAvailable instead of assigning a slot.
	FailEnableSlot bool
}

func defaultDeviceDescriptor() []byte {
	return []byte{
		18, 0x01, 0x00, 0x02, // bLength, DEVICE, bcdUSB 2.00
		0x03, 0x01, 0x02, // HID / boot / mouse at device level, as simple devices report
		8,                      // bMaxPacketSize0
		0x34, 0x12, 0x78, 0x56, // idVendor 0x1234, idProduct 0x5678
		0x00, 0x01, // bcdDevice 1.00
		0, 0, 0, // no string descriptors
		1, // bNumConfigurations
	}
}

func defaultConfigDescriptor() []byte {
	return []byte{
		// Configuration
		9, 0x02, 34, 0, 1, 1, 0, 0xa0, 49,
		// Interface 0: HID boot mouse, one endpoint
		9, 0x04, 0, 0, 1, 0x03, 0x01, 0x02, 0,
		// HID class descriptor
		9, 0x21, 0x11, 0x01, 0, 1, 0x22, 50, 0,
		// Endpoint 0x81: interrupt IN, 4 bytes, 10ms
		7, 0x05, 0x81, 0x03, 4, 0, 10,
	}
}

// ringCursor walks a producer ring the way the controller's DMA engine
// does: by physical pointer and expected cycle bit, following Link TRBs.
type ringCursor struct {
	ptr   uint64
	cycle bool

	// control-transfer assembly, valid between a Setup Stage TRB and its
	// Status Stage TRB
	setup     [8]byte
	dataPhys  uint64
	dataLen   uint32
	haveSetup bool
}

// Simulator is one emulated controller instance. Start launches its sweep
// goroutine; Stop halts it. All state is owned by that one goroutine after
// Start.
type Simulator struct {
	plat Platform
	regs *mmio.Registers
	opts Options

	cmdRing  *ringCursor
	xferRing map[uint64]*ringCursor // keyed by ring segment base phys

	evtBase  uint64
	evtSize  int
	evtIndex int
	evtCycle bool

	nextSlot uint8

	stop chan struct{}
	done chan struct{}
}

// New maps the platform's MMIO window, programs the capability registers,
// and marks the configured port as connected. It must run before the
// driver's Open so the capability probe sees real values.
func New(plat Platform, opts Options) (*Simulator, error) {
	base, err := plat.MapMMIO(0, mmioExtent)
	if err != nil {
		return nil, err
	}
	regs := mmio.New(base)

	if opts.PortSpeed == 0 {
		opts.PortSpeed = 1 // Full Speed
	}
	if opts.ConnectedPort == 0 {
		opts.ConnectedPort = 2
	}
	if opts.DeviceDescriptor == nil {
		opts.DeviceDescriptor = defaultDeviceDescriptor()
	}
	if opts.ConfigDescriptor == nil {
		opts.ConfigDescriptor = defaultConfigDescriptor()
	}
	if opts.InterruptReport == nil {
		opts.InterruptReport = []byte{0x01, 0x05, 0xfb}
	}

	s := &Simulator{
		plat:     plat,
		regs:     regs,
		opts:     opts,
		xferRing: make(map[uint64]*ringCursor),
		evtCycle: true,
		nextSlot: 1,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	regs.Set32(0x00, capLength) // CAPLENGTH in byte 0, HCIVERSION above
	regs.Set32(regHCSPARAMS1, uint32(maxSlots)|uint32(maxPorts)<<24)
	regs.Set32(regHCSPARAMS2, uint32(scratchBuffers)<<27)
	regs.Set32(regDBOFF, dbOffset)
	regs.Set32(regRTSOFF, rtOffset)
	regs.Set32(regPAGESIZE, 1) // 4 KiB pages
	regs.Set32(regUSBSTS, usbstsHCH)
	regs.Set32(portReg(opts.ConnectedPort), portCCS|uint32(opts.PortSpeed)<<10)

	return s, nil
}

func portReg(port int) uintptr {
	return regPortBase + uintptr(port)*portStride
}

// Start launches the sweep goroutine.
func (s *Simulator) Start() {
	go s.run()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (s *Simulator) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Simulator) run() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Simulator) sweep() {
	s.handshake()
	s.ports()
	if s.regs.Get32(regUSBCMD)&usbcmdRunStop == 0 {
		return
	}
	s.consumeCommandRing()
	for _, cur := range s.xferRing {
		s.consumeTransferRing(cur)
	}
}

// handshake emulates the Run/Stop and Host Controller Reset status bits.
func (s *Simulator) handshake() {
	cmd := s.regs.Get32(regUSBCMD)
	if cmd&usbcmdHCReset != 0 {
		s.regs.Set32(regUSBCMD, cmd&^uint32(usbcmdHCReset))
		s.regs.Set32(regUSBSTS, usbstsHCH)
		s.cmdRing = nil
		return
	}
	sts := s.regs.Get32(regUSBSTS)
	if cmd&usbcmdRunStop == 0 {
		if sts&usbstsHCH == 0 {
			s.regs.Set32(regUSBSTS, sts|usbstsHCH)
		}
	} else if sts&usbstsHCH != 0 {
		s.regs.Set32(regUSBSTS, sts&^uint32(usbstsHCH))
	}
}

// ports keeps the connected port's status current and answers port resets.
func (s *Simulator) ports() {
	off := portReg(s.opts.ConnectedPort)
	v := s.regs.Get32(off)
	want := v | portCCS | uint32(s.opts.PortSpeed)<<10
	if v&portPR != 0 {
		want = (want &^ uint32(portPR)) | portPED | portPRC
	}
	if want != v {
		s.regs.Set32(off, want)
	}
}

func (s *Simulator) consumeCommandRing() {
	crcr := s.regs.Get64(regCRCR)
	if crcr&^uint64(0x3f) == 0 {
		return
	}
	if s.cmdRing == nil {
		s.cmdRing = &ringCursor{ptr: crcr &^ uint64(0x3f), cycle: crcr&1 != 0}
	}
	for {
		t, ok := s.readTRB(s.cmdRing)
		if !ok {
			return
		}
		switch t.TRBType() {
		case trb.TypeEnableSlotCommand:
			if s.opts.FailEnableSlot {
				s.postCommandCompletion(s.cmdRing.ptr, trb.CompletionNoSlotsAvailable, 0)
			} else {
				s.postCommandCompletion(s.cmdRing.ptr, trb.CompletionSuccess, s.nextSlot)
				s.nextSlot++
			}
		case trb.TypeAddressDeviceCommand, trb.TypeConfigureEndpointCommand:
			s.adoptInputContextRings(t.Param())
			s.postCommandCompletion(s.cmdRing.ptr, trb.CompletionSuccess, t.SlotID())
		case trb.TypeEvaluateContextCommand, trb.TypeDisableSlotCommand, trb.TypeNoOpCommand:
			s.postCommandCompletion(s.cmdRing.ptr, trb.CompletionSuccess, t.SlotID())
		default:
			s.postCommandCompletion(s.cmdRing.ptr, trb.CompletionParameterError, 0)
		}
		s.cmdRing.ptr += trb.Size
	}
}

// readTRB fetches the TRB under cur, following Link TRBs, and reports
// whether a cycle-matched TRB is available. On Link traversal the cursor
// moves and the read retries at the link target.
func (s *Simulator) readTRB(cur *ringCursor) (trb.TRB, bool) {
	for {
		raw, ok := s.plat.Resolve(cur.ptr, trb.Size)
		if !ok {
			return trb.TRB{}, false
		}
		var t trb.TRB
		copy(t[:], raw)
		if t.Cycle() != cur.cycle {
			return trb.TRB{}, false
		}
		if t.TRBType() != trb.TypeLink {
			return t, true
		}
		if t.ToggleCycle() {
			cur.cycle = !cur.cycle
		}
		cur.ptr = t.Param()
	}
}

// adoptInputContextRings reads an Input Context's Add flags and registers
// a ring cursor for every endpoint it enables, seeded from that endpoint
// context's TR Dequeue Pointer and DCS bit.
func (s *Simulator) adoptInputContextRings(inputCtxPhys uint64) {
	buf, ok := s.plat.Resolve(inputCtxPhys, contextSize*2)
	if !ok {
		return
	}
	addFlags := binary.LittleEndian.Uint32(buf[4:8])
	for dci := 1; dci < 32; dci++ {
		if addFlags&(1<<dci) == 0 {
			continue
		}
		ctx, ok := s.plat.Resolve(inputCtxPhys+uint64(contextSize*(1+dci)), contextSize)
		if !ok {
			continue
		}
		trdp := binary.LittleEndian.Uint64(ctx[8:16])
		base := trdp &^ uint64(0xf)
		if base == 0 {
			continue
		}
		if _, exists := s.xferRing[base]; !exists {
			s.xferRing[base] = &ringCursor{ptr: base, cycle: trdp&1 != 0}
		}
	}
}

func (s *Simulator) consumeTransferRing(cur *ringCursor) {
	for {
		t, ok := s.readTRB(cur)
		if !ok {
			return
		}
		addr := cur.ptr
		switch t.TRBType() {
		case trb.TypeSetupStage:
			binary.LittleEndian.PutUint64(cur.setup[:], t.Param())
			cur.dataPhys, cur.dataLen = 0, 0
			cur.haveSetup = true
		case trb.TypeDataStage:
			cur.dataPhys = t.Param()
			cur.dataLen = t.Status() & 0x1ffff
		case trb.TypeStatusStage:
			transferred := uint32(0)
			if cur.haveSetup {
				transferred = s.executeControl(cur)
			}
			cur.haveSetup = false
			s.postTransferEvent(addr, trb.CompletionSuccess, transferred)
		case trb.TypeNormal:
			n := s.fillBuffer(t.Param(), t.Status()&0x1ffff, s.opts.InterruptReport)
			s.postTransferEvent(addr, trb.CompletionSuccess, n)
		}
		cur.ptr += trb.Size
	}
}

// executeControl answers the assembled control request and returns the
// number of data-stage bytes written.
func (s *Simulator) executeControl(cur *ringCursor) uint32 {
	bmRequestType := cur.setup[0]
	bRequest := cur.setup[1]
	wValue := binary.LittleEndian.Uint16(cur.setup[2:4])

	if bmRequestType&0x80 != 0 && bRequest == 0x06 { // GET_DESCRIPTOR
		var desc []byte
		switch wValue >> 8 {
		case 0x01:
			desc = s.opts.DeviceDescriptor
		case 0x02:
			if wValue&0xff == 0 {
				desc = s.opts.ConfigDescriptor
			}
		}
		if desc != nil && cur.dataPhys != 0 {
			return s.fillBuffer(cur.dataPhys, cur.dataLen, desc)
		}
		return 0
	}
	// SET_CONFIGURATION and everything else: acknowledge with no data.
	return 0
}

func (s *Simulator) fillBuffer(phys uint64, max uint32, src []byte) uint32 {
	n := uint32(len(src))
	if n > max {
		n = max
	}
	if n == 0 {
		return 0
	}
	dst, ok := s.plat.Resolve(phys, int(n))
	if !ok {
		return 0
	}
	copy(dst, src[:n])
	return n
}

func (s *Simulator) postCommandCompletion(cmdTRBPhys uint64, code trb.CompletionCode, slotID uint8) {
	var t trb.TRB
	t.SetTRBType(trb.TypeCommandCompletionEvent)
	t.SetParam(cmdTRBPhys)
	t.SetCompletionCode(code)
	t.SetSlotID(slotID)
	s.postEvent(t)
}

func (s *Simulator) postTransferEvent(trbPhys uint64, code trb.CompletionCode, transferred uint32) {
	var t trb.TRB
	t.SetTRBType(trb.TypeTransferEvent)
	t.SetParam(trbPhys)
	t.SetStatus(transferred & 0x00ffffff)
	t.SetCompletionCode(code)
	s.postEvent(t)
}

// postEvent writes one TRB at the event ring's producer position with the
// producer cycle bit. The control dword carrying the cycle bit is written
// last so the consumer never observes a half-written event.
func (s *Simulator) postEvent(t trb.TRB) {
	if s.evtBase == 0 {
		erst, ok := s.plat.Resolve(s.regs.Get64(regERSTBA), 16)
		if !ok {
			return
		}
		s.evtBase = binary.LittleEndian.Uint64(erst[0:8])
		s.evtSize = int(binary.LittleEndian.Uint32(erst[8:12]))
		if s.evtSize == 0 {
			s.evtBase = 0
			return
		}
	}

	slot, ok := s.plat.Resolve(s.evtBase+uint64(s.evtIndex*trb.Size), trb.Size)
	if !ok {
		return
	}
	t.SetCycle(s.evtCycle)
	copy(slot[:12], t[:12])
	copy(slot[12:], t[12:])

	s.evtIndex++
	if s.evtIndex == s.evtSize {
		s.evtIndex = 0
		s.evtCycle = !s.evtCycle
	}
}
