package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/capture"
	"github.com/kstaniek/go-gsusb-gateway/internal/control"
	"github.com/kstaniek/go-gsusb-gateway/internal/gadget"
	"github.com/kstaniek/go-gsusb-gateway/internal/gateway"
	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/rxqueue"
	"github.com/kstaniek/go-gsusb-gateway/internal/server"
	"github.com/kstaniek/go-gsusb-gateway/internal/telemetry"
)

const shutdownTimeout = 2 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gsusb-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	tr, cleanup, err := initBackend(ctx, cfg, l, &wg)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	cleanup = sync.OnceFunc(cleanup)
	defer cleanup()

	gwOpts := []gateway.Option{
		gateway.WithQueue(rxqueue.New(cfg.rxQueue)),
		gateway.WithHub(h),
		gateway.WithSender(tr),
		gateway.WithTransmit(cfg.transmit),
	}
	if cfg.capturePath != "" {
		rec, err := capture.Create(cfg.capturePath)
		if err != nil {
			return err
		}
		defer func() {
			rx, tx := rec.Counts()
			if err := rec.Close(); err != nil {
				l.Warn("capture_close_error", "error", err)
			}
			l.Info("capture_closed", "path", cfg.capturePath, "rx", rx, "tx", tx)
		}()
		gwOpts = append(gwOpts, gateway.WithRecorder(rec))
	}
	gw := gateway.New(gwOpts...)
	tr.OnNotify(gw.OnNotify)
	wg.Add(1)
	go func() { defer wg.Done(); gw.Run(ctx) }()

	loop, err := initControl(cfg, gw.Store(), gw)
	if err != nil {
		return fmt.Errorf("control init: %w", err)
	}
	if loop != nil {
		wg.Add(1)
		go func() { defer wg.Done(); loop.Run(ctx) }()
		watchReload(ctx, loop, cfg.controlConfig, l, &wg)
	}

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = startTCP(ctx, cancel, cfg, h, gw, l)
	}
	if cfg.gadgetDir != "" {
		startGadget(ctx, cancel, cfg, h, gw, l, &wg)
	}

	// Ready when the TCP listener (if any) is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, httpRoutes(gw.Store(), loop)...)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		l.Warn("shutdown_on_error")
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
		scancel()
	}
	cleanup()
	wg.Wait()
	return nil
}

func startTCP(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, h *hub.Hub, gw *gateway.Gateway, l *slog.Logger) *server.Server {
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithHandler(gw.HandleHostFrames),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()
	return srv
}

func startGadget(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, h *hub.Hub, gw *gateway.Gateway, l *slog.Logger, wg *sync.WaitGroup) {
	ctrl := gsusb.NewControl(gsusb.WithRejectFirst(cfg.rejectFirst))
	g := gadget.New(ctrl, h, gw.HandleHostFrames, gadget.WithClientBuffer(cfg.hubBuffer))
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := gadget.Run(ctx, cfg.gadgetDir, g)
		switch {
		case err == nil:
		case errors.Is(err, gadget.ErrUnsupported):
			l.Error("gadget_unsupported", "error", err)
			cancel()
		default:
			metrics.IncError(metrics.ErrGadgetEP0)
			l.Error("gadget_error", "dir", cfg.gadgetDir, "error", err)
			cancel()
		}
	}()
}

// httpRoutes exposes the telemetry store and, when enabled, the position
// loop next to the metrics endpoints.
func httpRoutes(store *telemetry.Store, loop *control.Loop) []metrics.Route {
	routes := []metrics.Route{{Pattern: "/telemetry", Handler: telemetry.Handler(store)}}
	if loop != nil {
		routes = append(routes, metrics.Route{Pattern: "/control", Handler: control.Handler(loop)})
	}
	return routes
}
