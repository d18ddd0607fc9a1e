package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-gsusb-gateway/internal/server"
)

const (
	mdnsServiceType = "_gsusb._tcp"
	mdnsDomain      = "local."
	// Lets the goodbye packets leave before the process exits.
	mdnsGoodbyeGrace = 50 * time.Millisecond
)

// startMDNS announces the TCP host endpoint until ctx is done or the
// returned stop function is called. Disabled announcements return a no-op.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, mdnsDomain, port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	shutdown := sync.OnceFunc(svc.Shutdown)
	unhook := context.AfterFunc(ctx, shutdown)
	return func() {
		unhook()
		shutdown()
		time.Sleep(mdnsGoodbyeGrace)
	}, nil
}

// mdnsTXT lets hosts pick a gateway by backend and protocol before dialing.
func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
		"protocol=" + server.Hello,
	}
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "gsusb-gateway-" + host
}

// listenPort extracts the port from a bound address (host:port or :port).
// It returns 0 when the address has no numeric port.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
