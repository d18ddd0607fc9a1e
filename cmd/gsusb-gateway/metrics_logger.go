package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// startMetricsLogger logs counter totals and bus frame rates every interval.
// A non-positive interval disables it.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev, at := metrics.Snap(), time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				cur := metrics.Snap()
				logSnapshot(l, cur, prev, now.Sub(at))
				prev, at = cur, now
			}
		}
	}()
}

// perSecond is the rate of a counter between two snapshots.
func perSecond(cur, prev uint64, d time.Duration) float64 {
	if d <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / d.Seconds()
}

func logSnapshot(l *slog.Logger, cur, prev metrics.Snapshot, d time.Duration) {
	l.Info("metrics_snapshot",
		"can_rx", cur.CANRx,
		"can_rx_per_s", perSecond(cur.CANRx, prev.CANRx, d),
		"can_tx", cur.CANTx,
		"can_tx_per_s", perSecond(cur.CANTx, prev.CANTx, d),
		"can_tx_drops", cur.CANTxDrops,
		"rx_queue_drops", cur.RxQueueDrops,
		"host_rx", cur.HostRx,
		"host_tx", cur.HostTx,
		"echoes", cur.Echoes,
		"telemetry_frames", cur.TelemetryFrames,
		"telemetry_devices", cur.TelemetryDevices,
		"control_commands", cur.ControlCommands,
		"control_stalls", cur.ControlStalls,
		"hub_clients", cur.HubClients,
		"hub_drops", cur.HubDrops,
		"hub_kicks", cur.HubKicks,
		"malformed", cur.Malformed,
		"errors", cur.Errors,
	)
}
