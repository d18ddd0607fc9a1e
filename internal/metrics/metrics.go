package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the bus backend.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the bus backend.",
	})
	CANTxDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_drops_total",
		Help: "Total CAN frames dropped because no transmit slot was free.",
	})
	RxQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_queue_drops_total",
		Help: "Total received CAN frames dropped because the receive queue was full.",
	})
	HostRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_rx_frames_total",
		Help: "Total host frames received from USB or TCP hosts.",
	})
	HostTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_tx_frames_total",
		Help: "Total host frames (echoes and unsolicited) written to hosts.",
	})
	EchoFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_echo_frames_total",
		Help: "Total acknowledgement echoes queued for hosts.",
	})
	TelemetryFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_total",
		Help: "Total periodic status frames decoded into the telemetry store.",
	})
	ControlCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_commands_total",
		Help: "Total duty cycle commands emitted by the control loop.",
	})
	ControlStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_control_stalls_total",
		Help: "Total USB control requests answered with a stall.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total host frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active host sessions.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	TelemetryDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_devices",
		Help: "Number of motor controllers seen on the bus.",
	})
	ControlOutput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "control_output",
		Help: "Last duty cycle command computed by the control loop.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad SLCAN lines, truncated records).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrGadgetEP0      = "gadget_ep0"
	ErrGadgetRead     = "gadget_read"
	ErrGadgetWrite    = "gadget_write"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrCANTxOverflow  = "can_tx_overflow"
	ErrCANBus         = "can_bus"
	ErrCapture        = "capture"
	ErrControlConfig  = "control_config"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrGadgetEP0, ErrGadgetRead, ErrGadgetWrite,
	ErrSerialWrite, ErrSerialRead, ErrSocketCANWrite, ErrSocketCANRead,
	ErrCANTxOverflow, ErrCANBus, ErrCapture, ErrControlConfig,
}

// Route is an extra diagnostics endpoint served next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// StartHTTP serves Prometheus metrics at /metrics, readiness at /ready and
// any extra routes on addr.
func StartHTTP(addr string, routes ...Route) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: NewMux(routes...),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// NewMux builds the diagnostics handler without starting a listener.
func NewMux(routes ...Route) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for _, rt := range routes {
		if rt.Pattern != "" && rt.Handler != nil {
			mux.Handle(rt.Pattern, rt.Handler)
		}
	}
	return mux
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx       atomic.Uint64
	localCANTx       atomic.Uint64
	localCANTxDrop   atomic.Uint64
	localRxQDrop     atomic.Uint64
	localHostRx      atomic.Uint64
	localHostTx      atomic.Uint64
	localEcho        atomic.Uint64
	localTelemetry   atomic.Uint64
	localControlCmd  atomic.Uint64
	localStalls      atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localErrors      atomic.Uint64
	localHubClients  atomic.Uint64
	localFanout      atomic.Uint64
	localMalformed   atomic.Uint64
	localQDMax       atomic.Uint64
	localQDAvg       atomic.Uint64
	localTelemetryDv atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx            uint64
	CANTx            uint64
	CANTxDrops       uint64
	RxQueueDrops     uint64
	HostRx           uint64
	HostTx           uint64
	Echoes           uint64
	TelemetryFrames  uint64
	ControlCommands  uint64
	ControlStalls    uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	Errors           uint64 // sum across error labels
	HubClients       uint64
	Fanout           uint64
	Malformed        uint64
	QueueDepthMax    uint64
	QueueDepthAvg    uint64
	TelemetryDevices uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:            localCANRx.Load(),
		CANTx:            localCANTx.Load(),
		CANTxDrops:       localCANTxDrop.Load(),
		RxQueueDrops:     localRxQDrop.Load(),
		HostRx:           localHostRx.Load(),
		HostTx:           localHostTx.Load(),
		Echoes:           localEcho.Load(),
		TelemetryFrames:  localTelemetry.Load(),
		ControlCommands:  localControlCmd.Load(),
		ControlStalls:    localStalls.Load(),
		HubDrops:         localHubDrop.Load(),
		HubKicks:         localHubKick.Load(),
		HubRejects:       localHubReject.Load(),
		Errors:           localErrors.Load(),
		HubClients:       localHubClients.Load(),
		Fanout:           localFanout.Load(),
		Malformed:        localMalformed.Load(),
		QueueDepthMax:    localQDMax.Load(),
		QueueDepthAvg:    localQDAvg.Load(),
		TelemetryDevices: localTelemetryDv.Load(),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	localCANRx.Add(1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	localCANTx.Add(1)
}

// IncCANTxDrop counts a frame refused by a full transmit queue.
func IncCANTxDrop() {
	CANTxDrops.Inc()
	localCANTxDrop.Add(1)
}

// IncRxQueueDrop counts a received frame lost to a full receive queue.
func IncRxQueueDrop() {
	RxQueueDrops.Inc()
	localRxQDrop.Add(1)
}

func AddHostRx(n int) {
	HostRxFrames.Add(float64(n))
	localHostRx.Add(uint64(n))
}

func AddHostTx(n int) {
	HostTxFrames.Add(float64(n))
	localHostTx.Add(uint64(n))
}

func IncEcho() {
	EchoFrames.Inc()
	localEcho.Add(1)
}

func IncTelemetry() {
	TelemetryFrames.Inc()
	localTelemetry.Add(1)
}

// IncControlCommand records one emitted command and its value.
func IncControlCommand(output float32) {
	ControlCommands.Inc()
	ControlOutput.Set(float64(output))
	localControlCmd.Add(1)
}

func IncControlStall() {
	ControlStalls.Inc()
	localStalls.Add(1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	localFanout.Store(uint64(n))
}

func SetTelemetryDevices(n int) {
	TelemetryDevices.Set(float64(n))
	localTelemetryDv.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	localQDMax.Store(uint64(max))
	localQDAvg.Store(uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so first error does not log a registration latency.
	for _, lbl := range errorLabels {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
