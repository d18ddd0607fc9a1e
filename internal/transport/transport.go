package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// ErrTxOverflow is returned when no transmit slot is free.
var ErrTxOverflow = errors.New("can tx overflow")

// NotifyKind tells a notification callback what happened on the bus.
type NotifyKind int

const (
	Received NotifyKind = iota
	Transmitted
	Error
)

func (k NotifyKind) String() string {
	switch k {
	case Received:
		return "received"
	case Transmitted:
		return "transmitted"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// NotifyFunc receives bus events. It runs on the backend's receive or
// transmit goroutine and must return quickly: enqueue only, no decoding or
// I/O.
type NotifyFunc func(kind NotifyKind, fr can.Frame)

// Sender is the transmit side of a CAN controller as seen by the gateway and
// the control loop.
type Sender interface {
	TrySend(can.Frame) bool
	CanSend() bool
}

// Transport is the black-box CAN controller: a bounded transmit queue in
// front of a backend write function and a push-style notification for
// received, transmitted and failed frames.
type Transport struct {
	tx     *slots
	notify atomic.Pointer[NotifyFunc]
	drops  atomic.Uint64
}

var _ Sender = (*Transport)(nil)

// New starts a transport that writes frames with send. hooks are chained in
// front of the transport's own notifications, so backends keep their own
// metrics and logging. If hooks.OnDrop is nil, drops return ErrTxOverflow.
func New(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *Transport {
	t := &Transport{}
	chained := Hooks{
		OnAfter: func(fr can.Frame) {
			if hooks.OnAfter != nil {
				hooks.OnAfter(fr)
			}
			t.emit(Transmitted, fr)
		},
		OnError: func(err error, fr can.Frame) {
			if hooks.OnError != nil {
				hooks.OnError(err, fr)
			}
			t.emit(Error, fr)
		},
		OnDrop: func() error {
			t.drops.Add(1)
			if hooks.OnDrop != nil {
				if err := hooks.OnDrop(); err != nil {
					return err
				}
			}
			return ErrTxOverflow
		},
	}
	t.tx = newSlots(parent, buf, send, chained)
	return t
}

// TrySend queues fr for transmission. It returns false immediately when no
// transmit slot is free or the transport is closed.
func (t *Transport) TrySend(fr can.Frame) bool { return t.tx.offer(fr) == nil }

// CanSend reports whether a TrySend issued now would find a free slot.
func (t *Transport) CanSend() bool { return t.tx.free() > 0 }

// Drops reports how many frames TrySend refused because the queue was full.
func (t *Transport) Drops() uint64 { return t.drops.Load() }

// OnNotify registers the notification callback, replacing any previous one.
func (t *Transport) OnNotify(fn NotifyFunc) {
	if fn == nil {
		t.notify.Store(nil)
		return
	}
	t.notify.Store(&fn)
}

// Deliver is called by the backend receive loop for every frame read off the
// bus.
func (t *Transport) Deliver(fr can.Frame) { t.emit(Received, fr) }

// ReportError signals a bus level error observed by the backend.
func (t *Transport) ReportError() { t.emit(Error, can.Frame{}) }

// Close stops the transmit worker. It is also triggered when the context
// passed to New is done.
func (t *Transport) Close() { t.tx.close() }

func (t *Transport) emit(kind NotifyKind, fr can.Frame) {
	if fn := t.notify.Load(); fn != nil {
		(*fn)(kind, fr)
	}
}
