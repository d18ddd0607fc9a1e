// Package gadget serves the gs_usb function on a Linux USB device
// controller through FunctionFS: vendor control requests on ep0 and the
// host frame stream on the bulk endpoint pair.
package gadget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// DefaultInterfaceName is the iInterface string.
const DefaultInterfaceName = "gs_usb"

// ErrUnsupported is returned by Run on platforms without FunctionFS.
var ErrUnsupported = errors.New("gadget: FunctionFS requires linux")

// ControlEndpoint is ep0 as seen by the event loop.
type ControlEndpoint interface {
	// Read returns whole events, or the OUT data stage right after a SETUP.
	Read(p []byte) (int, error)
	// Write sends the IN data stage.
	Write(p []byte) (int, error)
	// Stall halts the pending request. in is the data stage direction.
	Stall(in bool) error
	// AckOut completes an OUT request without a data stage.
	AckOut() error
}

// BulkOpener opens the endpoint pair once the host enabled the function:
// in carries frames to the host, out frames from the host.
type BulkOpener func() (in io.WriteCloser, out io.ReadCloser, err error)

// HostFramesFunc handles one batch of host frames.
type HostFramesFunc func(c *hub.Client, frames []gsusb.HostFrame)

type Gadget struct {
	ctrl    *gsusb.Control
	hub     *hub.Hub
	handler HostFramesFunc
	bufSize int
	batch   int
	logger  *slog.Logger

	mu   sync.Mutex
	sess *session

	events   atomic.Uint64
	sessions atomic.Uint64
	renewals atomic.Uint64
}

type Option func(*Gadget)

// WithBatchSize caps how many frames one IN transfer carries. The Linux
// gs_usb host driver parses a single record per transfer, hence default 1.
func WithBatchSize(n int) Option {
	return func(g *Gadget) {
		if n > 0 {
			g.batch = n
		}
	}
}

// WithClientBuffer sets the outbound queue size of the USB host session.
func WithClientBuffer(n int) Option {
	return func(g *Gadget) {
		if n > 0 {
			g.bufSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gadget) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(ctrl *gsusb.Control, h *hub.Hub, handler HostFramesFunc, opts ...Option) *Gadget {
	g := &Gadget{ctrl: ctrl, hub: h, handler: handler, bufSize: 512, batch: 1, logger: logging.Component("gadget")}
	if h != nil && h.OutBufSize > 0 {
		g.bufSize = h.OutBufSize
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Serve runs the ep0 event loop until ep returns an error or ctx is done.
// Closing ep from another goroutine is the way to stop a blocked read.
func (g *Gadget) Serve(ctx context.Context, ep ControlEndpoint, bulk BulkOpener) error {
	defer g.stopSession()
	buf := make([]byte, 4*EventSize)
	for {
		n, err := ep.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			metrics.IncError(metrics.ErrGadgetEP0)
			return fmt.Errorf("ep0 read: %w", err)
		}
		for off := 0; off+EventSize <= n; off += EventSize {
			ev, _ := ParseEvent(buf[off : off+EventSize])
			if err := g.handleEvent(ctx, ep, bulk, ev); err != nil {
				metrics.IncError(metrics.ErrGadgetEP0)
				g.logger.Warn("ep0_error", "event", ev.Type.String(), "error", err)
			}
		}
	}
}

func (g *Gadget) handleEvent(ctx context.Context, ep ControlEndpoint, bulk BulkOpener, ev Event) error {
	g.events.Add(1)
	switch ev.Type {
	case EventBind:
		g.ctrl.Reset()
		g.logger.Info("usb_bind")
	case EventUnbind:
		g.stopSession()
		g.logger.Info("usb_unbind")
	case EventEnable:
		g.ctrl.Reset()
		g.logger.Info("usb_enable")
		return g.startSession(ctx, bulk)
	case EventDisable:
		g.stopSession()
		g.logger.Info("usb_disable")
	case EventSetup:
		return g.handleSetup(ep, ev.Setup)
	default:
		g.logger.Debug("usb_event", "event", ev.Type.String())
	}
	return nil
}

func (g *Gadget) handleSetup(ep ControlEndpoint, req gsusb.SetupPacket) error {
	if !req.Vendor() {
		metrics.IncControlStall()
		return ep.Stall(req.In())
	}
	data, err := g.ctrl.Setup(req)
	if err != nil {
		metrics.IncControlStall()
		return ep.Stall(req.In())
	}
	if req.In() {
		if _, err := ep.Write(data); err != nil {
			return fmt.Errorf("%s data stage: %w", req.BReq(), err)
		}
		g.ctrl.Ack(req, nil)
		return nil
	}
	if req.Length == 0 {
		if err := ep.AckOut(); err != nil {
			return fmt.Errorf("%s status stage: %w", req.BReq(), err)
		}
		g.ctrl.Ack(req, nil)
		return nil
	}
	buf := make([]byte, req.Length)
	n, err := ep.Read(buf)
	if err != nil {
		return fmt.Errorf("%s data stage: %w", req.BReq(), err)
	}
	g.ctrl.Ack(req, buf[:n])
	return nil
}

// Stats reports ep0 events seen and bulk sessions started.
func (g *Gadget) Stats() (events, sessions uint64) { return g.events.Load(), g.sessions.Load() }

// Renewals counts USB hub clients replaced after the kick policy closed them.
func (g *Gadget) Renewals() uint64 { return g.renewals.Load() }
