package xhcihost_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usb-stack/xhcihost"
	"github.com/usb-stack/xhcihost/internal/mmio"
	"github.com/usb-stack/xhcihost/internal/simulator"
	"github.com/usb-stack/xhcihost/platform"
)

// Register offsets as advertised by the simulator's capability registers,
// for asserting on post-init register state from outside the core.
const (
	simCapLength = 0x80
	regUSBCMD    = simCapLength + 0x00
	regUSBSTS    = simCapLength + 0x04
	regCRCR      = simCapLength + 0x18
	regDCBAAP    = simCapLength + 0x30
	regERSTBA    = 0x700 + 0x20 + 0x10
)

func startSimulatedHost(t *testing.T, simOpts simulator.Options) (*xhcihost.FakePlatform, *xhcihost.Host) {
	t.Helper()

	plat := xhcihost.NewFakePlatform(64 * 1024)
	sim, err := simulator.New(plat, simOpts)
	require.NoError(t, err)
	sim.Start()
	t.Cleanup(sim.Stop)

	host, err := xhcihost.Open(platform.Config{
		MMIOBase: 0,
		Platform: plat,
		Wake:     platform.WakeYield,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	return plat, host
}

// TestBringUpRegisterState covers the bring-up scenario: after Open, the
// controller is running (R/S set, not halted) with the command ring,
// DCBAA, and event ring segment table installed.
func TestBringUpRegisterState(t *testing.T) {
	plat, _ := startSimulatedHost(t, simulator.Options{})

	base, err := plat.MapMMIO(0, 0x1000)
	require.NoError(t, err)
	regs := mmio.New(base)

	require.NotZero(t, regs.Get32(regUSBCMD)&1, "Run/Stop must be set after init")
	require.Zero(t, regs.Get32(regUSBSTS)&1, "HCHalted must be clear after init")
	require.NotZero(t, regs.Get64(regCRCR)&^uint64(0x3f), "CRCR must point at the command ring")
	require.NotZero(t, regs.Get64(regDCBAAP), "DCBAAP must point at the DCBAA")
	require.NotZero(t, regs.Get64(regERSTBA), "ERSTBA must point at the segment table")
}

func waitForDevice(t *testing.T, host *xhcihost.Host, slotID uint8) *xhcihost.Device {
	t.Helper()
	require.Eventually(t, func() bool {
		return host.Device(slotID) != nil
	}, 5*time.Second, time.Millisecond, "device at slot %d never enumerated", slotID)
	return host.Device(slotID)
}

// TestEnumerationPopulatesDevice covers single-device enumeration: the
// connected port is discovered at Open, the slot lifecycle runs, and the
// device facade carries the identity and descriptor cache read from the
// device.
func TestEnumerationPopulatesDevice(t *testing.T) {
	_, host := startSimulatedHost(t, simulator.Options{})

	dev := waitForDevice(t, host, 1)
	require.Equal(t, uint8(1), dev.SlotID())
	require.Equal(t, xhcihost.StateAssigned, dev.State())
	require.Equal(t, uint16(0x1234), dev.VendorID())
	require.Equal(t, uint16(0x5678), dev.ProductID())
	require.Equal(t, uint8(0x03), dev.Class())
	require.Equal(t, uint8(0x02), dev.Protocol())

	configs := dev.ConfigDescriptors()
	require.Len(t, configs, 1, "one descriptor per bNumConfigurations")
	require.Equal(t, byte(0x02), configs[0].Raw[1], "CONFIGURATION descriptor type")
	require.Len(t, configs[0].Raw, 34, "wTotalLength worth of bytes")

	snap := host.Metrics().Snapshot()
	require.GreaterOrEqual(t, snap.CommandsSubmitted, uint64(3), "EnableSlot, AddressDevice, EvaluateContext at minimum")
	require.Equal(t, uint64(1), snap.SlotsEnabled)
}

// TestEnableFunctionConfiguresInterruptEndpoint covers the configure
// scenario: selecting configuration 1 with one interrupt-IN endpoint
// (address 0x81 -> DCI 3) transitions the device to Configured and leaves
// the endpoint usable for transfers.
func TestEnableFunctionConfiguresInterruptEndpoint(t *testing.T) {
	_, host := startSimulatedHost(t, simulator.Options{})
	dev := waitForDevice(t, host, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := dev.EnableFunction(ctx, xhcihost.InterfaceConfig{
		ConfigurationValue: 1,
		Endpoints: []xhcihost.EndpointConfig{{
			DCI:           3,
			IsInterrupt:   true,
			DataIn:        true,
			MaxPacketSize: 4,
			Interval:      10,
		}},
	})
	require.NoError(t, err)
	require.True(t, dev.IsConfigured())
	require.Equal(t, uint8(1), dev.CurrentConfig())

	// The new endpoint must carry traffic: a single interrupt IN request
	// comes back with the simulated device's report.
	buf := make([]byte, 4)
	result, err := dev.RequestOnce(ctx, xhcihost.Request{
		EndpointDCI: 3,
		Buffer:      buf,
		DataIn:      true,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []byte{0x01, 0x05, 0xfb}, buf[:3])

	// The config semaphore must be free again after EnableFunction's
	// completion-ordered release.
	release, err := dev.AcquireConfigSem(ctx)
	require.NoError(t, err)
	release()
}

// TestKeepFillPollsContinuously covers interrupt polling: a single
// KeepFill request keeps re-arming itself, so the simulated device's
// reports keep flowing without any further submissions from the caller.
func TestKeepFillPollsContinuously(t *testing.T) {
	_, host := startSimulatedHost(t, simulator.Options{})
	dev := waitForDevice(t, host, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := dev.EnableFunction(ctx, xhcihost.InterfaceConfig{
		ConfigurationValue: 1,
		Endpoints: []xhcihost.EndpointConfig{{
			DCI:           3,
			IsInterrupt:   true,
			DataIn:        true,
			MaxPacketSize: 4,
			Interval:      10,
		}},
	})
	require.NoError(t, err)

	err = dev.RequestNoResponse(ctx, xhcihost.Request{
		EndpointDCI: 3,
		Buffer:      make([]byte, 4),
		DataIn:      true,
		KeepFill:    true,
	})
	require.NoError(t, err)

	// Let several refill cycles run, then check the endpoint still answers
	// a one-shot request interleaved with the keep-fill traffic.
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, 4)
	result, err := dev.RequestOnce(ctx, xhcihost.Request{
		EndpointDCI: 3,
		Buffer:      buf,
		DataIn:      true,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
}

// TestEnableSlotFailureAbortsEnumeration covers the command-error
// scenario: when Enable Slot completes with NoSlotsAvailable, enumeration
// stops and no device appears, rather than proceeding with slot 0.
func TestEnableSlotFailureAbortsEnumeration(t *testing.T) {
	_, host := startSimulatedHost(t, simulator.Options{FailEnableSlot: true})

	time.Sleep(100 * time.Millisecond)
	require.Nil(t, host.Device(0))
	require.Nil(t, host.Device(1))

	snap := host.Metrics().Snapshot()
	require.Zero(t, snap.SlotsEnabled)
	require.NotZero(t, snap.CommandErrors, "the failed Enable Slot must be counted")
}
