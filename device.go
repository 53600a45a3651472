package xhcihost

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/usb-stack/xhcihost/driver"
	"github.com/usb-stack/xhcihost/internal/constants"
	"github.com/usb-stack/xhcihost/internal/dispatch"
	"github.com/usb-stack/xhcihost/internal/eventbus"
	"github.com/usb-stack/xhcihost/internal/logging"
	"github.com/usb-stack/xhcihost/internal/trb"
	"github.com/usb-stack/xhcihost/internal/xhci"
	"github.com/usb-stack/xhcihost/platform"
)

// standard device descriptor request, per USB 2.0 §9.4.3.
const (
	reqGetDescriptor      = 0x06
	descTypeDevice        = 0x01
	descTypeConfiguration = 0x02
	deviceDescriptorLen   = 18
)

// Host owns one xHCI controller instance: its register window, Device
// Context List, Command Ring, and Event Ring, plus the slot lifecycle and
// class-driver registry layered on top.
type Host struct {
	cfg  platform.Config
	ctrl *xhci.Controller
	bus  *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer

	pending *dispatch.PendingTable
	refill  *dispatch.RefillTable

	mu      sync.Mutex
	devices map[uint8]*Device // keyed by slot ID
	probes  []driver.Probe
	decoder DescriptorDecoder

	logger *logging.Logger
}

// Options carries the optional observability and driver-registry hooks
// supplied by the caller.
type Options struct {
	Context  context.Context
	Observer Observer
	Probes   []driver.Probe

	// Decoder, if set, is installed on every enumerated Device before its
	// configuration descriptors are fetched, so each one is decoded as it
	// arrives rather than only on request.
	Decoder DescriptorDecoder
}

// Open brings up the xHCI controller described by cfg, starts its event
// loop, and begins watching for port connect events. The returned Host
// must be closed with Close.
func Open(cfg platform.Config, options *Options) (*Host, error) {
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	ctrl, err := xhci.New(cfg.Platform, cfg.MMIOBase)
	if err != nil {
		return nil, WrapError("Open", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	if err := ctrl.Init(hctx); err != nil {
		cancel()
		return nil, WrapError("Open", err)
	}

	metrics := NewMetrics()
	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	h := &Host{
		cfg:      cfg,
		ctrl:     ctrl,
		bus:      eventbus.New(),
		ctx:      hctx,
		cancel:   cancel,
		metrics:  metrics,
		observer: observer,
		pending:  dispatch.NewPendingTable(),
		refill:   dispatch.NewRefillTable(),
		devices:  make(map[uint8]*Device),
		probes:   options.Probes,
		decoder:  options.Decoder,
		logger:   logging.Default(),
	}

	for _, p := range h.probes {
		p.PreloadModule()
	}

	loop := dispatch.NewEventLoop(ctrl, h.pending, h.refill, h.onPortChange, cfg.Wake, waker(cfg.Platform))

	go func() {
		if err := loop.Run(hctx); err != nil && hctx.Err() == nil {
			h.logger.Error("event loop exited unexpectedly", "error", err)
		}
	}()

	for port := 0; port < int(ctrl.MaxPorts()); port++ {
		if ctrl.PortConnected(port) {
			go h.onPortChange(port)
		}
	}

	return h, nil
}

func waker(p platform.Platform) platform.Waker {
	if w, ok := p.(platform.Waker); ok {
		return w
	}
	return nil
}

// onPortChange reacts to a Port Status Change Event by enumerating a
// newly-connected device. A port that reports no connection is ignored;
// no device is torn down on disconnect.
func (h *Host) onPortChange(port int) {
	if !h.ctrl.PortConnected(port) {
		return
	}

	if err := h.ctrl.ResetPort(h.ctx, port); err != nil {
		h.logger.Error("port reset failed", "port", port, "error", err)
		return
	}

	speed := h.ctrl.PortSpeed(port)
	h.bus.PreInitializeDevice(eventbus.DeviceInfo{Port: port})

	dev, err := h.enumerate(h.ctx, port, speed)
	if err != nil {
		h.logger.Error("enumeration failed", "port", port, "error", err)
		return
	}

	h.mu.Lock()
	h.devices[dev.slotID] = dev
	h.mu.Unlock()

	h.bus.PostInitializedDevice(eventbus.DeviceInfo{
		Port:      port,
		SlotID:    dev.slotID,
		VendorID:  dev.vendorID,
		ProductID: dev.productID,
	})

	h.probeDrivers(dev)
}

// ep0MaxPacketForSpeed maps a PORTSC speed code to the default EP0 max
// packet size used before the real value is read back from the device's
// device descriptor (xHCI §4.3, Table 4-3).
func ep0MaxPacketForSpeed(speed uint8) uint16 {
	switch speed {
	case constants.SpeedLow:
		return constants.DefaultMaxPacketSizeLow
	case constants.SpeedSuper:
		return constants.DefaultMaxPacketSizeSuper
	case constants.SpeedFull, constants.SpeedHigh:
		return constants.DefaultMaxPacketSizeFullOrHigh
	default:
		return constants.DefaultMaxPacketSizeFullOrHigh
	}
}

// enumerate runs the Enable Slot -> Address Device -> fetch device
// descriptor -> Evaluate Context sequence (xHCI §4.3).
func (h *Host) enumerate(ctx context.Context, port int, speed uint8) (*Device, error) {
	slotID, err := h.ctrl.EnableSlot(ctx)
	h.observer.ObserveCommand(err == nil)
	if err != nil {
		return nil, WrapError("enumerate", err)
	}
	h.metrics.SlotsEnabled.Add(1)
	logger := h.logger.With("slot", slotID)

	maxPacket := ep0MaxPacketForSpeed(speed)
	ep0Ring, err := h.ctrl.AddressDevice(ctx, slotID, port, speed, maxPacket)
	h.observer.ObserveCommand(err == nil)
	if err != nil {
		return nil, WrapError("enumerate", err)
	}

	d := &Device{
		host:       h,
		slotID:     slotID,
		port:       port,
		speed:      speed,
		dispatcher: dispatch.NewDispatcher(h.pending, h.refill),
		configSem:  make(chan struct{}, 1),
		decoder:    h.decoder,
	}
	d.configSem <- struct{}{}
	d.dispatcher.AddEndpoint(ctx, constants.ControlEndpointDCI, ep0Ring, func(target uint32) {
		h.ctrl.RingDoorbell(slotID, target)
	})

	desc, err := d.fetchDeviceDescriptor(ctx)
	if err != nil {
		return nil, WrapError("enumerate", err)
	}
	d.vendorID = binary.LittleEndian.Uint16(desc[8:10])
	d.productID = binary.LittleEndian.Uint16(desc[10:12])
	d.class = desc[4]
	d.subclass = desc[5]
	d.protocol = desc[6]
	// Byte 7 (bMaxPacketSize0) is the real value; a reported 0 is
	// interpreted as 8. For SuperSpeed only, the field encodes the size as
	// a power of two rather than literally.
	actualMaxPacket := uint16(desc[7])
	if desc[7] == 0 {
		actualMaxPacket = 8
	} else if speed == constants.SpeedSuper {
		actualMaxPacket = 1 << desc[7]
	}
	if actualMaxPacket != maxPacket {
		err := h.ctrl.EvaluateContext(ctx, slotID, actualMaxPacket)
		h.observer.ObserveCommand(err == nil)
		if err != nil {
			logger.Warn("evaluate context for EP0 max packet size failed", "error", err)
		}
	}

	// Byte 17 (bNumConfigurations) drives the config-descriptor fetch
	// loop; every configuration is cached up front so drivers never issue
	// their own GET_DESCRIPTOR round trips.
	numConfigs := desc[17]
	configs := make([]ConfigDescriptor, 0, numConfigs)
	for index := uint8(0); index < numConfigs; index++ {
		raw, err := d.fetchConfigDescriptor(ctx, index)
		if err != nil {
			logger.Warn("fetch config descriptor failed", "index", index, "error", err)
			continue
		}
		cd := ConfigDescriptor{Raw: raw}
		if d.decoder != nil {
			decoded, err := d.decoder.DecodeConfiguration(raw)
			if err != nil {
				logger.Warn("decode config descriptor failed", "index", index, "error", err)
			} else {
				cd.Decoded = decoded
			}
		}
		configs = append(configs, cd)
	}

	d.mu.Lock()
	d.state = StateAssigned
	d.configDescriptors = configs
	d.mu.Unlock()

	return d, nil
}

func (h *Host) probeDrivers(d *Device) {
	for _, p := range h.probes {
		instance, ok := p.ShouldActivate(d)
		if !ok {
			continue
		}
		h.logger.Info("driver activated", "driver", p.Name(), "slot", d.slotID)
		go func(inst driver.Instance) {
			if err := inst.Run(h.ctx); err != nil && h.ctx.Err() == nil {
				h.logger.Error("driver instance exited", "error", err)
			}
		}(instance)
		d.mu.Lock()
		d.instances = append(d.instances, instance)
		d.mu.Unlock()
	}
}

// Metrics returns the host's metrics instance.
func (h *Host) Metrics() *Metrics { return h.metrics }

// Bus returns the device lifecycle event bus.
func (h *Host) Bus() *eventbus.Bus { return h.bus }

// Device returns the enumerated device at the given slot, or nil.
func (h *Host) Device(slotID uint8) *Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[slotID]
}

// Close stops the event loop and tears down every enumerated device.
func (h *Host) Close() error {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()

	for _, d := range devices {
		d.close()
	}

	h.cancel()
	h.metrics.Stop()
	time.Sleep(10 * time.Millisecond)
	return nil
}

// State is a Device's lifecycle stage.
type State int

const (
	// StateProbed is the initial state, assigned on port connect before
	// any enumeration has run.
	StateProbed State = iota
	// StateAssigned follows a successful Enable Slot/Address Device/
	// Evaluate Context sequence; the device has a slot and a descriptor.
	StateAssigned
	// StateConfigured follows a successful EnableFunction call.
	StateConfigured
	// StatePreDrop marks a device mid-teardown; hot-unplug reclamation is
	// unimplemented, so nothing transitions here yet.
	StatePreDrop
)

func (s State) String() string {
	switch s {
	case StateProbed:
		return "probed"
	case StateAssigned:
		return "assigned"
	case StateConfigured:
		return "configured"
	case StatePreDrop:
		return "pre_drop"
	default:
		return "unknown"
	}
}

// DescriptorDecoder is the descriptor-parser collaborator consumed by the
// core. The core never interprets configuration/interface/endpoint
// descriptor bytes itself; it hands the raw bytes to whatever decoder
// AddDecoder installed.
type DescriptorDecoder interface {
	DecodeConfiguration(raw []byte) (any, error)
}

// Device represents one enumerated USB device attached to a Host.
type Device struct {
	host   *Host
	slotID uint8
	port   int
	speed  uint8

	vendorID                  uint16
	productID                 uint16
	class, subclass, protocol uint8
	currentConfig             uint8

	dispatcher *dispatch.Dispatcher

	// configSem serializes configuration-changing control transfers;
	// buffered with a single permit available once the device reaches
	// StateAssigned.
	configSem chan struct{}

	mu                sync.Mutex
	state             State
	decoder           DescriptorDecoder
	configDescriptors []ConfigDescriptor
	instances         []driver.Instance
}

// ConfigDescriptor is one configuration descriptor fetched during
// enumeration, one per bNumConfigurations. Decoded is whatever the
// installed DescriptorDecoder made of Raw, or nil if no decoder was
// installed or decoding failed.
type ConfigDescriptor struct {
	Raw     []byte
	Decoded any
}

// ConfigDescriptors returns the configuration descriptors cached during
// enumeration, one per bNumConfigurations reported by the device
// descriptor.
func (d *Device) ConfigDescriptors() []ConfigDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configDescriptors
}

// VendorID implements driver.DeviceHandle.
func (d *Device) VendorID() uint16 { return d.vendorID }

// ProductID implements driver.DeviceHandle.
func (d *Device) ProductID() uint16 { return d.productID }

// Class implements driver.DeviceHandle.
func (d *Device) Class() uint8 { return d.class }

// Subclass implements driver.DeviceHandle.
func (d *Device) Subclass() uint8 { return d.subclass }

// Protocol implements driver.DeviceHandle.
func (d *Device) Protocol() uint8 { return d.protocol }

// SlotID returns the device's xHCI slot number.
func (d *Device) SlotID() uint8 { return d.slotID }

// State returns the device's current lifecycle stage.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentConfig returns the configuration value selected by the last
// successful EnableFunction, or 0 if the device is unconfigured.
func (d *Device) CurrentConfig() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentConfig
}

// IsConfigured reports whether EnableFunction has successfully configured
// at least one non-EP0 endpoint.
func (d *Device) IsConfigured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateConfigured
}

// AddDecoder installs the descriptor-parser collaborator a class driver
// uses to interpret raw configuration/interface/endpoint descriptor
// bytes; the core never parses them itself.
func (d *Device) AddDecoder(dec DescriptorDecoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoder = dec
}

// AcquireConfigSem blocks until the device's single configuration permit
// is available, returning a release function the caller must invoke when
// done. It serializes concurrent SetConfiguration/SetInterface-style
// control transfers against EnableFunction.
func (d *Device) AcquireConfigSem(ctx context.Context) (func(), error) {
	select {
	case <-d.configSem:
		return func() { d.configSem <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseConfigSemAfter releases the configuration semaphore once the
// configuration-changing request itself completes: release is ordered by the
// configuration-changing request's own completion, not by the caller
// returning. Success and ShortPacket release the guard; any other
// completion code panics, since it means the configuration request never
// reached a state the semaphore's invariant assumes.
func releaseConfigSemAfter(release func(), result RequestResult) {
	switch trb.CompletionCode(result.CompletionCode) {
	case trb.CompletionSuccess, trb.CompletionShortPacket:
		release()
	default:
		panic(fmt.Sprintf("xhcihost: DropSem guard held across completion code %d", result.CompletionCode))
	}
}

// EndpointConfig describes one non-EP0 endpoint to bring up as part of an
// interface.
type EndpointConfig struct {
	// DCI is the Device Context Index this endpoint occupies; DCI =
	// 2*EndpointNumber + (0 for OUT, 1 for IN), per xHCI §4.5.1.
	DCI uint8

	// Direction/transfer-type selection mirrors the xHCI Endpoint Type
	// field (Table 6-9): bulk or interrupt, in or out.
	IsInterrupt bool
	DataIn      bool

	MaxPacketSize uint16

	// Interval is the endpoint descriptor's raw bInterval; 0 for bulk
	// endpoints, which carry no polling interval.
	Interval uint8
}

// InterfaceConfig names the endpoints one USB interface exposes and the
// configuration value the control transfer that selects it should carry.
type InterfaceConfig struct {
	ConfigurationValue uint8
	Endpoints          []EndpointConfig
}

// reqSetConfiguration is the standard SET_CONFIGURATION request, USB 2.0
// §9.4.7.
const reqSetConfiguration = 0x09

// EnableFunction drives a device from StateAssigned to StateConfigured:
// it issues SET_CONFIGURATION on EP0, builds a single Configure Endpoint
// Command for every endpoint in iface, and registers each endpoint's
// dispatcher queue. It acquires the device's config semaphore itself and
// releases it on the SET_CONFIGURATION request's own completion, so the
// next configuration change cannot start before the hardware has
// acknowledged this one.
func (d *Device) EnableFunction(ctx context.Context, iface InterfaceConfig) error {
	if len(iface.Endpoints) == 0 {
		return fmt.Errorf("xhcihost: EnableFunction: interface has no endpoints")
	}

	release, err := d.AcquireConfigSem(ctx)
	if err != nil {
		return WrapError("EnableFunction", err)
	}

	var setup [8]byte
	setup[0] = 0x00 // host-to-device, standard, device recipient
	setup[1] = reqSetConfiguration
	setup[2] = iface.ConfigurationValue

	setReq := Request{
		EndpointDCI: constants.ControlEndpointDCI,
		Setup:       setup,
		IsControl:   true,
	}
	result, err := d.RequestOnce(ctx, setReq)
	if err != nil {
		release()
		return WrapError("EnableFunction", err)
	}
	releaseConfigSemAfter(release, result)
	if !result.Success {
		return fmt.Errorf("xhcihost: EnableFunction: SET_CONFIGURATION completion code %d", result.CompletionCode)
	}

	specs := make([]xhci.EndpointSpec, 0, len(iface.Endpoints))
	maxDCI := uint8(0)
	for _, ep := range iface.Endpoints {
		epType := xhci.EPTypeBulkOut
		switch {
		case ep.IsInterrupt && ep.DataIn:
			epType = xhci.EPTypeInterruptIn
		case ep.IsInterrupt && !ep.DataIn:
			epType = xhci.EPTypeInterruptOut
		case !ep.IsInterrupt && ep.DataIn:
			epType = xhci.EPTypeBulkIn
		}
		specs = append(specs, xhci.EndpointSpec{DCI: ep.DCI, Type: epType, MaxPacketSize: ep.MaxPacketSize, Interval: ep.Interval})
		if ep.DCI > maxDCI {
			maxDCI = ep.DCI
		}
	}

	rings, err := d.host.ctrl.ConfigureEndpoints(ctx, d.slotID, specs)
	d.host.observer.ObserveCommand(err == nil)
	if err != nil {
		return WrapError("EnableFunction", err)
	}

	// Queues live as long as the host, not as long as the caller's ctx.
	for dci, r := range rings {
		d.dispatcher.AddEndpoint(d.host.ctx, dci, r, func(target uint32) {
			d.host.ctrl.RingDoorbell(d.slotID, target)
		})
	}

	d.mu.Lock()
	d.currentConfig = iface.ConfigurationValue
	d.state = StateConfigured
	d.mu.Unlock()

	return nil
}

// RequestNoResponse submits req without waiting for its completion: a
// fire-and-forget request whose result is discarded, or a KeepFill
// Interrupt request that the event loop re-posts on every completion.
func (d *Device) RequestNoResponse(ctx context.Context, req Request) error {
	dispatchReq := dispatch.Request{
		DCI:       req.EndpointDCI,
		Length:    uint32(len(req.Buffer)),
		Setup:     req.Setup,
		IsControl: req.IsControl,
		DataIn:    req.DataIn,
		KeepFill:  req.KeepFill,
	}
	if len(req.Buffer) > 0 {
		seg, err := allocControlBuffer(d.host.cfg.Platform, len(req.Buffer))
		if err != nil {
			return WrapError("RequestNoResponse", err)
		}
		if !req.DataIn {
			copy(seg.bytes, req.Buffer)
		}
		// The segment must stay mapped until the controller has DMAd it,
		// which for a fire-and-forget request is after this call returns
		// (and for KeepFill, forever). No completion is ever delivered here
		// to free it from, so the segment is intentionally leaked in both
		// directions.
		dispatchReq.BufferPhys = seg.phys
	}

	if err := d.dispatcher.SubmitNoResponse(ctx, dispatchReq); err != nil {
		return WrapError("RequestNoResponse", err)
	}
	return nil
}

// fetchDeviceDescriptor issues a GET_DESCRIPTOR(Device) control request
// on EP0 and returns its 18-byte payload.
func (d *Device) fetchDeviceDescriptor(ctx context.Context) ([]byte, error) {
	seg, err := allocControlBuffer(d.host.cfg.Platform, deviceDescriptorLen)
	if err != nil {
		return nil, err
	}
	defer seg.free()

	var setup [8]byte
	setup[0] = 0x80 // device-to-host, standard, device recipient
	setup[1] = reqGetDescriptor
	setup[3] = descTypeDevice
	binary.LittleEndian.PutUint16(setup[6:8], deviceDescriptorLen)

	req := dispatch.Request{
		DCI:        constants.ControlEndpointDCI,
		BufferPhys: seg.phys,
		Length:     deviceDescriptorLen,
		Setup:      setup,
		IsControl:  true,
		DataIn:     true,
	}

	start := time.Now()
	result, err := d.dispatcher.Submit(ctx, req)
	d.host.observer.ObserveRequest(true, false, deviceDescriptorLen, uint64(time.Since(start)), err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetch device descriptor: %w", err)
	}
	if !resultFromDispatch(result).Success {
		return nil, fmt.Errorf("fetch device descriptor: completion code %d", result.CompletionCode)
	}

	out := make([]byte, deviceDescriptorLen)
	copy(out, seg.bytes)
	return out, nil
}

// fetchConfigDescriptor issues a GET_DESCRIPTOR(Configuration) control
// request on EP0 for the configuration at index and returns its raw bytes.
// A full page is requested up front rather than negotiating wTotalLength in
// two steps, since the descriptor set for any one configuration fits well
// within a page.
func (d *Device) fetchConfigDescriptor(ctx context.Context, index uint8) ([]byte, error) {
	size := uint16(d.host.cfg.Platform.PageSize())
	seg, err := allocControlBuffer(d.host.cfg.Platform, int(size))
	if err != nil {
		return nil, err
	}
	defer seg.free()

	var setup [8]byte
	setup[0] = 0x80 // device-to-host, standard, device recipient
	setup[1] = reqGetDescriptor
	setup[2] = index
	setup[3] = descTypeConfiguration
	binary.LittleEndian.PutUint16(setup[6:8], size)

	req := dispatch.Request{
		DCI:        constants.ControlEndpointDCI,
		BufferPhys: seg.phys,
		Length:     uint32(size),
		Setup:      setup,
		IsControl:  true,
		DataIn:     true,
	}

	start := time.Now()
	result, err := d.dispatcher.Submit(ctx, req)
	d.host.observer.ObserveRequest(true, false, uint64(size), uint64(time.Since(start)), err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetch config descriptor %d: %w", index, err)
	}
	r := resultFromDispatch(result)
	if !r.Success {
		return nil, fmt.Errorf("fetch config descriptor %d: completion code %d", index, result.CompletionCode)
	}

	n := r.BytesTransferred
	if n == 0 || n > uint32(size) {
		n = uint32(size)
	}
	out := make([]byte, n)
	copy(out, seg.bytes)
	return out, nil
}

// RequestOnce submits req and blocks until its completion arrives or ctx
// is cancelled.
func (d *Device) RequestOnce(ctx context.Context, req Request) (RequestResult, error) {
	dispatchReq := dispatch.Request{
		DCI:       req.EndpointDCI,
		Length:    uint32(len(req.Buffer)),
		Setup:     req.Setup,
		IsControl: req.IsControl,
		DataIn:    req.DataIn,
	}
	if len(req.Buffer) > 0 {
		seg, err := allocControlBuffer(d.host.cfg.Platform, len(req.Buffer))
		if err != nil {
			return RequestResult{}, WrapError("RequestOnce", err)
		}
		defer seg.free()
		if !req.DataIn {
			copy(seg.bytes, req.Buffer)
		}
		dispatchReq.BufferPhys = seg.phys

		start := time.Now()
		result, err := d.dispatcher.Submit(ctx, dispatchReq)
		d.host.observer.ObserveRequest(req.IsControl, !req.IsControl && req.EndpointDCI != constants.ControlEndpointDCI, uint64(len(req.Buffer)), uint64(time.Since(start)), err == nil)
		if err != nil {
			return RequestResult{}, WrapError("RequestOnce", err)
		}
		if req.DataIn {
			copy(req.Buffer, seg.bytes)
		}
		return resultFromDispatch(result), nil
	}

	start := time.Now()
	result, err := d.dispatcher.Submit(ctx, dispatchReq)
	d.host.observer.ObserveRequest(req.IsControl, false, 0, uint64(time.Since(start)), err == nil)
	if err != nil {
		return RequestResult{}, WrapError("RequestOnce", err)
	}
	return resultFromDispatch(result), nil
}

func (d *Device) close() {
	d.mu.Lock()
	instances := d.instances
	d.mu.Unlock()
	for _, inst := range instances {
		inst.PreDrop()
	}
	err := d.host.ctrl.DisableSlot(d.host.ctx, d.slotID)
	d.host.observer.ObserveCommand(err == nil)
	if err != nil {
		d.host.logger.Warn("disable slot failed during close", "slot", d.slotID, "error", err)
		return
	}
	d.host.metrics.SlotsDisabled.Add(1)
}
