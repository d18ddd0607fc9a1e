package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/frc"
)

const envPrefix = "GSUSB_GW_"

type appConfig struct {
	backend       string
	canIf         string
	serialDev     string
	baud          int
	serialReadTO  time.Duration
	canBitrate    int
	simDevice     int
	gadgetDir     string
	listenAddr    string
	maxClients    int
	handshakeTO   time.Duration
	clientReadTO  time.Duration
	hubBuffer     int
	hubPolicy     string
	rxQueue       int
	txQueue       int
	transmit      bool
	rejectFirst   int
	controlDevice int
	controlPeriod time.Duration
	controlConfig string
	capturePath   string

	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:       "socketcan",
		canIf:         "can0",
		serialDev:     "/dev/ttyACM0",
		baud:          115200,
		serialReadTO:  50 * time.Millisecond,
		canBitrate:    1000000,
		simDevice:     1,
		listenAddr:    ":20001",
		handshakeTO:   3 * time.Second,
		clientReadTO:  60 * time.Second,
		hubBuffer:     512,
		hubPolicy:     "drop",
		rxQueue:       4,
		txQueue:       64,
		transmit:      true,
		rejectFirst:   1,
		controlDevice: -1,
		controlPeriod: 20 * time.Millisecond,
		logFormat:     "text",
		logLevel:      "info",
	}
}

func registerFlags(fs *flag.FlagSet, c *appConfig) *bool {
	fs.StringVar(&c.backend, "backend", c.backend, "CAN backend: socketcan|slcan|sim")
	fs.StringVar(&c.canIf, "can-if", c.canIf, "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "SLCAN serial device (when -backend=slcan)")
	fs.IntVar(&c.baud, "baud", c.baud, "SLCAN serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout")
	fs.IntVar(&c.canBitrate, "can-bitrate", c.canBitrate, "CAN bitrate programmed into SLCAN adapters")
	fs.IntVar(&c.simDevice, "sim-device", c.simDevice, "Device number of the simulated motor controller (when -backend=sim)")
	fs.StringVar(&c.gadgetDir, "gadget-dir", c.gadgetDir, "FunctionFS mount point of the gs_usb function; empty disables USB")
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "TCP host frame listen address; empty disables")
	fs.IntVar(&c.maxClients, "max-clients", c.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", c.handshakeTO, "TCP client hello timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-connection read deadline")
	fs.IntVar(&c.hubBuffer, "hub-buffer", c.hubBuffer, "Per-session outbound buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", c.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&c.rxQueue, "rx-queue", c.rxQueue, "Receive queue capacity (frames)")
	fs.IntVar(&c.txQueue, "tx-queue", c.txQueue, "Transmit queue capacity (frames)")
	fs.BoolVar(&c.transmit, "transmit", c.transmit, "Forward frames to the bus (false = listen only)")
	fs.IntVar(&c.rejectFirst, "reject-first", c.rejectFirst, "Control requests stalled after each enumeration")
	fs.IntVar(&c.controlDevice, "control-device", c.controlDevice, "Device number driven by the position loop; -1 disables")
	fs.DurationVar(&c.controlPeriod, "control-period", c.controlPeriod, "Position loop period")
	fs.StringVar(&c.controlConfig, "control-config", c.controlConfig, "YAML tuning file, re-read on SIGHUP")
	fs.StringVar(&c.capturePath, "capture", c.capturePath, "Write bus traffic to this pcap file")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Advertise the TCP endpoint over mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default gsusb-gateway-<hostname>)")
	return fs.Bool("version", false, "Print version and exit")
}

func parseFlags() (*appConfig, bool) {
	cfg := defaultConfig()
	showVersion := registerFlags(flag.CommandLine, cfg)
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "slcan", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.rxQueue <= 0 || c.txQueue <= 0 {
		return fmt.Errorf("rx-queue and tx-queue must be > 0 (got %d, %d)", c.rxQueue, c.txQueue)
	}
	if c.backend == "slcan" {
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	}
	if c.backend == "sim" && (c.simDevice < 0 || c.simDevice > frc.MaxDeviceNumber) {
		return fmt.Errorf("sim-device must be 0..%d (got %d)", frc.MaxDeviceNumber, c.simDevice)
	}
	if c.canBitrate <= 0 {
		return fmt.Errorf("can-bitrate must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.rejectFirst < 0 {
		return fmt.Errorf("reject-first must be >= 0")
	}
	if c.controlDevice < -1 || c.controlDevice > frc.MaxDeviceNumber {
		return fmt.Errorf("control-device must be -1..%d (got %d)", frc.MaxDeviceNumber, c.controlDevice)
	}
	if c.controlPeriod <= 0 {
		return fmt.Errorf("control-period must be > 0")
	}
	if c.gadgetDir == "" && c.listenAddr == "" {
		return errors.New("no host endpoint: set -gadget-dir and/or -listen")
	}
	return nil
}

// applyEnvOverrides maps GSUSB_GW_* environment variables to config fields
// unless the corresponding flag was explicitly set. The variable name is the
// flag name upper-cased with dashes turned into underscores. Empty values
// are ignored; the first parse error is returned after all variables were
// applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	lookup := func(name string) (string, string, bool) {
		if _, ok := set[name]; ok {
			return "", "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return key, v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(name string, dst *string) {
		if _, v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if key, v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if key, v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if key, v, ok := lookup(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", &c.backend)
	str("can-if", &c.canIf)
	str("serial", &c.serialDev)
	num("baud", &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	num("can-bitrate", &c.canBitrate)
	num("sim-device", &c.simDevice)
	str("gadget-dir", &c.gadgetDir)
	str("listen", &c.listenAddr)
	num("max-clients", &c.maxClients)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	num("hub-buffer", &c.hubBuffer)
	str("hub-policy", &c.hubPolicy)
	num("rx-queue", &c.rxQueue)
	num("tx-queue", &c.txQueue)
	boolean("transmit", &c.transmit)
	num("reject-first", &c.rejectFirst)
	num("control-device", &c.controlDevice)
	dur("control-period", &c.controlPeriod)
	str("control-config", &c.controlConfig)
	str("capture", &c.capturePath)
	str("metrics-addr", &c.metricsAddr)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	dur("log-metrics-interval", &c.logMetricsEvery)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	return firstErr
}
