package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/sim"
	"github.com/kstaniek/go-gsusb-gateway/internal/socketcan"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// initSimBackend runs against a simulated motor controller instead of a bus.
func initSimBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*transport.Transport, func(), error) {
	dev := uint8(cfg.simDevice)
	if cfg.controlDevice >= 0 {
		dev = uint8(cfg.controlDevice)
	}
	bus := sim.New(sim.WithDevices(dev))
	l.Info("sim_open", "device", dev)
	tr := socketcan.NewTransport(ctx, bus, cfg.txQueue)
	startDeviceRX(ctx, "sim", bus, tr, l, wg)
	return tr, func() { _ = bus.Close(); tr.Close() }, nil
}
