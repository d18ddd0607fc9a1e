package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-gsusb-gateway/internal/control"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// initControl builds the position loop when a control device is configured.
// It returns nil when the loop is disabled. A tuning file that fails to load
// at startup is an error; on SIGHUP the previous tuning is kept instead.
func initControl(cfg *appConfig, src control.Source, out control.Emitter) (*control.Loop, error) {
	if cfg.controlDevice < 0 {
		return nil, nil
	}
	loop := control.New(src, out, uint8(cfg.controlDevice),
		control.WithPeriod(cfg.controlPeriod),
		control.WithLogger(logging.Component("control").With("device", cfg.controlDevice)),
	)
	if cfg.controlConfig != "" {
		t, err := control.LoadTuning(cfg.controlConfig)
		if err != nil {
			return nil, err
		}
		loop.Apply(t)
	}
	return loop, nil
}

// reloadTuning re-reads the tuning file into loop. It reports whether the
// new tuning was applied.
func reloadTuning(loop *control.Loop, path string, l *slog.Logger) bool {
	if loop == nil || path == "" {
		return false
	}
	t, err := control.LoadTuning(path)
	if err != nil {
		metrics.IncError(metrics.ErrControlConfig)
		l.Warn("control_reload_failed", "path", path, "error", err)
		return false
	}
	loop.Apply(t)
	l.Info("control_reloaded", "path", path, "setpoint", loop.Setpoint(), "kp", loop.Kp(), "ki", loop.Ki(), "kd", loop.Kd())
	return true
}

// watchReload reloads the tuning file on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, loop *control.Loop, path string, l *slog.Logger, wg *sync.WaitGroup) {
	if loop == nil || path == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadTuning(loop, path, l)
			}
		}
	}()
}
