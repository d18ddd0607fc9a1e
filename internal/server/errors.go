package server

import (
	"errors"

	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

var (
	ErrListen          = errors.New("server: listen")
	ErrAccept          = errors.New("server: accept")
	ErrHandshake       = errors.New("server: handshake")
	ErrConnRead        = errors.New("server: read")
	ErrConnWrite       = errors.New("server: write")
	ErrShutdownTimeout = errors.New("server: shutdown timeout")
)

// mapErrToMetric picks the errors_total label for a server error. Listener
// failures count as read errors since they stop all inbound traffic.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	default:
		return "other"
	}
}
