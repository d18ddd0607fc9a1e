// Package gateway connects host sessions, the CAN transport and the
// telemetry store.
//
// Host frames are masked, decoded for telemetry, offered to the bus and
// echoed back to the session that sent them. Frames received from the bus
// pass through a bounded receive queue, are decoded and broadcast to every
// session as unsolicited frames.
package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/capture"
	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/rxqueue"
	"github.com/kstaniek/go-gsusb-gateway/internal/telemetry"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// Recorder receives a copy of bus traffic (see capture.Writer).
type Recorder interface {
	Record(dir capture.Direction, fr can.Frame, ts time.Time) error
}

const devicesSampleInterval = time.Second

type Gateway struct {
	tx       transport.Sender
	queue    *rxqueue.Queue
	store    *telemetry.Store
	hub      *hub.Hub
	rec      Recorder
	recOff   atomic.Bool
	transmit atomic.Bool
	logger   *slog.Logger
	now      func() time.Time

	txDrops atomic.Uint64
	echoes  atomic.Uint64
	emitted atomic.Uint64
}

type Option func(*Gateway)

func WithQueue(q *rxqueue.Queue) Option     { return func(g *Gateway) { g.queue = q } }
func WithStore(s *telemetry.Store) Option   { return func(g *Gateway) { g.store = s } }
func WithHub(h *hub.Hub) Option             { return func(g *Gateway) { g.hub = h } }
func WithRecorder(r Recorder) Option        { return func(g *Gateway) { g.rec = r } }
func WithTransmit(on bool) Option           { return func(g *Gateway) { g.transmit.Store(on) } }
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }
func WithSender(tx transport.Sender) Option { return func(g *Gateway) { g.tx = tx } }
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New builds a gateway. Missing queue, store and hub are created with
// defaults; a nil sender behaves as a bus that never has a free slot.
func New(opts ...Option) *Gateway {
	g := &Gateway{logger: logging.Component("gateway"), now: time.Now}
	g.transmit.Store(true)
	for _, o := range opts {
		o(g)
	}
	if g.queue == nil {
		g.queue = rxqueue.New(rxqueue.DefaultCapacity)
	}
	if g.store == nil {
		g.store = telemetry.NewStore()
	}
	if g.hub == nil {
		g.hub = hub.New()
	}
	return g
}

func (g *Gateway) Store() *telemetry.Store { return g.store }
func (g *Gateway) Hub() *hub.Hub           { return g.hub }

// SetTransmit enables or disables forwarding to the bus. Decoding and
// echoes continue while disabled.
func (g *Gateway) SetTransmit(on bool) { g.transmit.Store(on) }
func (g *Gateway) Transmit() bool      { return g.transmit.Load() }

// OnNotify is the transport callback. It runs on the backend goroutine and
// only enqueues or counts.
func (g *Gateway) OnNotify(kind transport.NotifyKind, fr can.Frame) {
	switch kind {
	case transport.Received:
		if !g.queue.Enqueue(fr) {
			metrics.IncRxQueueDrop()
		}
	case transport.Transmitted:
		metrics.IncCANTx()
	case transport.Error:
		metrics.IncError(metrics.ErrCANBus)
	}
}

// HandleHostFrames processes one batch read from a host session. The echo
// for every frame is queued to c whether or not the bus accepted it: an
// echo means accepted by the gateway, not placed on the bus.
func (g *Gateway) HandleHostFrames(c *hub.Client, frames []gsusb.HostFrame) {
	if len(frames) == 0 {
		return
	}
	metrics.AddHostRx(len(frames))
	for _, hf := range frames {
		fr := hf.CAN()
		g.ingest(fr)
		if g.transmit.Load() {
			g.send(fr)
		}
		if hf.Unsolicited() {
			continue
		}
		if g.hub.Send(c, hf) {
			g.echoes.Add(1)
			metrics.IncEcho()
		}
	}
}

// Emit puts a locally generated frame on the bus and mirrors it to every
// host session as an unsolicited frame. It reports whether the bus took it.
func (g *Gateway) Emit(fr can.Frame) bool {
	ok := false
	if g.transmit.Load() {
		ok = g.send(fr)
	}
	g.emitted.Add(1)
	g.hub.Broadcast(gsusb.FromCAN(fr))
	return ok
}

// Run drains the receive queue until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	t := time.NewTicker(devicesSampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.queue.Ready():
			g.Drain()
		case <-t.C:
			metrics.SetTelemetryDevices(len(g.store.Devices()))
		}
	}
}

// Drain processes every queued bus frame and returns how many were handled.
func (g *Gateway) Drain() int {
	n := 0
	for {
		fr, _, ok := g.queue.Dequeue()
		if !ok {
			return n
		}
		n++
		g.ingest(fr)
		g.record(capture.RX, fr)
		g.hub.Broadcast(gsusb.FromCAN(fr))
	}
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	RxQueued  int
	RxDropped uint64
	TxDrops   uint64
	Echoes    uint64
	Emitted   uint64
}

func (g *Gateway) Stats() Stats {
	return Stats{
		RxQueued:  g.queue.Len(),
		RxDropped: g.queue.Dropped(),
		TxDrops:   g.txDrops.Load(),
		Echoes:    g.echoes.Load(),
		Emitted:   g.emitted.Load(),
	}
}

func (g *Gateway) ingest(fr can.Frame) {
	if g.store.Ingest(fr) {
		metrics.IncTelemetry()
		return
	}
	if g.logger.Enabled(context.Background(), slog.LevelDebug) {
		api, _ := telemetry.Classify(fr.ID)
		g.logger.Debug("can_frame", "frame", fr.String(), "api", api.String())
	}
}

func (g *Gateway) send(fr can.Frame) bool {
	if g.tx == nil || !g.tx.TrySend(fr) {
		g.txDrops.Add(1)
		metrics.IncCANTxDrop()
		g.logger.Debug("can_tx_drop", "id", fr.ID, "len", fr.Len)
		return false
	}
	g.record(capture.TX, fr)
	return true
}

func (g *Gateway) record(dir capture.Direction, fr can.Frame) {
	if g.rec == nil || g.recOff.Load() {
		return
	}
	if err := g.rec.Record(dir, fr, g.now()); err != nil {
		metrics.IncError(metrics.ErrCapture)
		if !g.recOff.Swap(true) {
			g.logger.Warn("capture_stopped", "error", err)
		}
	}
}
