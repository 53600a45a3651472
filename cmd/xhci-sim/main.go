// Command xhci-sim brings up an xHCI Host against the in-process
// controller simulator and drives the full device lifecycle — enumerate,
// configure, keep-fill interrupt polling — for smoke-testing the core
// without real hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usb-stack/xhcihost"
	"github.com/usb-stack/xhcihost/driver"
	"github.com/usb-stack/xhcihost/internal/examples/hidmouse"
	"github.com/usb-stack/xhcihost/internal/logging"
	"github.com/usb-stack/xhcihost/internal/simulator"
	"github.com/usb-stack/xhcihost/platform"
)

func main() {
	var verbose = flag.Bool("v", false, "verbose output")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	plat := xhcihost.NewFakePlatform(64 * 1024)
	sim, err := simulator.New(plat, simulator.Options{})
	if err != nil {
		logger.Error("failed to start controller simulator", "error", err)
		os.Exit(1)
	}
	sim.Start()
	defer sim.Stop()

	cfg := platform.Config{
		MMIOBase: 0,
		Platform: plat,
		Wake:     platform.WakeYield,
	}

	host, err := xhcihost.Open(cfg, &xhcihost.Options{
		Probes: []driver.Probe{hidmouse.New()},
	})
	if err != nil {
		logger.Error("failed to open host", "error", err)
		os.Exit(1)
	}
	defer host.Close()

	logger.Info("xhci host initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Wait for the simulated device; the bus subscription may race the
	// enumeration that started inside Open, so poll the device table too.
	post := host.Bus().SubscribePostInitialized()
	var dev *xhcihost.Device
	deadline := time.After(5 * time.Second)
	for dev == nil {
		select {
		case info := <-post:
			logger.Info("device enumerated", "port", info.Port, "slot", info.SlotID,
				"vendor", info.VendorID, "product", info.ProductID)
			dev = host.Device(info.SlotID)
		case <-time.After(10 * time.Millisecond):
			dev = host.Device(1)
		case <-deadline:
			logger.Error("no device enumerated within 5s")
			os.Exit(1)
		case <-ctx.Done():
			return
		}
	}
	if err := configureAndPoll(ctx, dev); err != nil {
		logger.Error("device configuration failed", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			snap := host.Metrics().Snapshot()
			logger.Info("shutting down",
				"control_requests", snap.ControlRequests,
				"interrupt_requests", snap.InterruptRequests,
				"commands", snap.CommandsSubmitted,
				"errors", snap.RequestErrors)
			return
		case <-ticker.C:
			snap := host.Metrics().Snapshot()
			logger.Info("status",
				"control_requests", snap.ControlRequests,
				"commands", snap.CommandsSubmitted,
				"bytes", snap.RequestBytes)
		}
	}
}

// configureAndPoll selects configuration 1 with the mouse's interrupt-IN
// endpoint (0x81 -> DCI 3) and arms a keep-fill poll on it.
func configureAndPoll(ctx context.Context, dev *xhcihost.Device) error {
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
	if err != nil {
		return err
	}
	return dev.RequestNoResponse(ctx, xhcihost.Request{
		EndpointDCI: 3,
		Buffer:      make([]byte, 4),
		DataIn:      true,
		KeepFill:    true,
	})
}
