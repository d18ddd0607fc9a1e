package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// ErrBusError is returned by ReadFrame for kernel error frames.
var ErrBusError = errors.New("socketcan: bus error frame")

// Dev is the minimal interface needed by the backend and the transport.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// NewTransport funnels all SocketCAN writes through a single goroutine with
// a transmit queue of buf frames.
func NewTransport(parent context.Context, dev Dev, buf int) *transport.Transport {
	send := func(fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(err error, _ can.Frame) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCANTxOverflow)
			return transport.ErrTxOverflow
		},
	}
	return transport.New(parent, buf, send, hooks)
}
