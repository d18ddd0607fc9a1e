package slcan

import (
	"context"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// NewTransport funnels all serial writes through one goroutine with a
// transmit queue of buf frames.
func NewTransport(parent context.Context, sp Port, codec Codec, buf int) *transport.Transport {
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error, fr can.Frame) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err, "frame", fr.String())
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCANTxOverflow)
			return transport.ErrTxOverflow
		},
	}
	return transport.New(parent, buf, send, hooks)
}
