package gsusb

import (
	"encoding"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
)

// DefaultRejectFirst is how many control requests are stalled after each
// enumeration. Generic USB serial drivers probe the vendor interface first
// and back off on a stall, leaving it to the gs_usb driver.
const DefaultRejectFirst = 1

// Control answers gs_usb vendor control requests. A transfer is handled in
// two calls: Setup returns the data stage (IN) or accepts it (OUT), Ack is
// called once the status stage completed.
type Control struct {
	mu          sync.Mutex
	rejectFirst int
	rejected    int
	stalls      uint64

	device    DeviceConfig
	btConst   BtConst
	host      HostConfig
	bittiming BitTiming
	mode      Mode

	onMode func(Mode)
	logger *slog.Logger
}

type ControlOption func(*Control)

// WithRejectFirst sets how many requests are stalled after enumeration. 0
// disables the quirk.
func WithRejectFirst(n int) ControlOption {
	return func(c *Control) {
		if n >= 0 {
			c.rejectFirst = n
		}
	}
}

func WithDeviceConfig(d DeviceConfig) ControlOption { return func(c *Control) { c.device = d } }
func WithBtConst(b BtConst) ControlOption           { return func(c *Control) { c.btConst = b } }

// WithModeHook is called after the host writes a new mode.
func WithModeHook(fn func(Mode)) ControlOption { return func(c *Control) { c.onMode = fn } }

func WithControlLogger(l *slog.Logger) ControlOption {
	return func(c *Control) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewControl(opts ...ControlOption) *Control {
	c := &Control{
		rejectFirst: DefaultRejectFirst,
		device:      DefaultDeviceConfig,
		btConst:     DefaultBtConst,
		logger:      logging.Component("gs_usb"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reset re-arms the post-enumeration rejection. Call on bind/enable.
func (c *Control) Reset() {
	c.mu.Lock()
	c.rejected = 0
	c.mu.Unlock()
}

// Setup handles the SETUP stage. For IN requests it returns the data to
// send, truncated to req.Length. For OUT requests it returns nil and the
// caller reads req.Length bytes before calling Ack. ErrStall means the
// request must be stalled; it is never fatal.
func (c *Control) Setup(req SetupPacket) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected < c.rejectFirst {
		c.rejected++
		c.stalls++
		c.logger.Debug("control_reject_first", "breq", req.BReq().String(), "n", c.rejected)
		return nil, ErrStall
	}
	m := c.target(req.BReq())
	if m == nil {
		c.stalls++
		c.logger.Warn("unknown_breq", "breq", req.Request, "value", req.Value, "index", req.Index, "length", req.Length)
		return nil, ErrStall
	}
	if !req.In() {
		return nil, nil
	}
	b, _ := m.MarshalBinary()
	if int(req.Length) < len(b) {
		b = b[:req.Length]
	}
	return b, nil
}

// Ack handles the status stage. data is the OUT data stage payload (nil for
// IN requests). It only records and logs.
func (c *Control) Ack(req SetupPacket, data []byte) {
	c.mu.Lock()
	var hook func(Mode)
	var mode Mode
	if !req.In() {
		switch req.BReq() {
		case BReqHostFormat:
			_ = c.host.UnmarshalBinary(data)
		case BReqBitTiming:
			_ = c.bittiming.UnmarshalBinary(data)
		case BReqMode:
			if c.mode.UnmarshalBinary(data) == nil {
				hook, mode = c.onMode, c.mode
			}
		}
	}
	switch req.BReq() {
	case BReqHostFormat:
		c.logger.Info("host_format", "byte_order", c.host.ByteOrder)
	case BReqBitTiming:
		bt := c.bittiming
		c.logger.Info("bittiming", "prop_seg", bt.PropSeg, "phase_seg1", bt.PhaseSeg1, "phase_seg2", bt.PhaseSeg2, "sjw", bt.Sjw, "brp", bt.Brp, "bitrate", bt.Bitrate(c.btConst.FclkCAN))
	case BReqMode:
		c.logger.Info("mode", "mode", c.mode.Mode, "flags", c.mode.Flags)
	}
	c.mu.Unlock()
	if hook != nil {
		hook(mode)
	}
}

// State is a snapshot of what the host configured.
type State struct {
	Host      HostConfig
	BitTiming BitTiming
	Mode      Mode
	Stalls    uint64
}

func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Host: c.host, BitTiming: c.bittiming, Mode: c.mode, Stalls: c.stalls}
}

func (c *Control) target(r BReq) encoding.BinaryMarshaler {
	switch r {
	case BReqHostFormat:
		return c.host
	case BReqBitTiming:
		return c.bittiming
	case BReqMode:
		return c.mode
	case BReqBtConst:
		return c.btConst
	case BReqDeviceConfig:
		return c.device
	default:
		return nil
	}
}
