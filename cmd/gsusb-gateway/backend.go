package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/socketcan"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// initBackend opens the selected CAN backend, starts its RX loop and returns
// the transport with a cleanup function. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*transport.Transport, func(), error) {
	switch cfg.backend {
	case "slcan":
		return initSLCANBackend(ctx, cfg, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, l, wg)
	case "sim":
		return initSimBackend(ctx, cfg, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use socketcan|slcan|sim)", cfg.backend)
	}
}

// startDeviceRX runs the receive loop for frame oriented devices. Read
// errors back off exponentially; bus error frames are reported to the
// transport without backoff.
func startDeviceRX(ctx context.Context, name string, dev socketcan.Dev, tr *transport.Transport, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info(name + "_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				if errors.Is(err, socketcan.ErrBusError) {
					l.Debug("can_bus_error", "error", err)
					tr.ReportError()
					continue
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn(name+"_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			metrics.IncCANRx()
			tr.Deliver(fr)
			backoff = rxBackoffMin
		}
	}()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
