package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/socketcan"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initSocketCANBackend opens the interface and launches the RX loop. On
// platforms without SocketCAN the open fails and so does this.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*transport.Transport, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tr := socketcan.NewTransport(ctx, dev, cfg.txQueue)
	startDeviceRX(ctx, "socketcan", dev, tr, l, wg)
	return tr, func() { _ = dev.Close(); tr.Close() }, nil
}
