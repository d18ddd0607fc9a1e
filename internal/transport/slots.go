package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// ErrClosed is returned for frames offered after the transport was closed.
var ErrClosed = errors.New("can transport closed")

// Hooks let a backend observe its own transmit path. They run on the writer
// goroutine, except OnDrop which runs on the caller of offer.
type Hooks struct {
	// OnError is called when the backend write failed; the frame is lost.
	OnError func(err error, fr can.Frame)
	// OnAfter is called once the backend accepted the frame.
	OnAfter func(fr can.Frame)
	// OnDrop is called when every slot is taken. Its error is returned to
	// the caller; nil makes the drop silent.
	OnDrop func() error
}

// slots models the transmit mailboxes of a CAN controller: a fixed number
// of frames waiting for a single writer goroutine. Offering a frame never
// waits for the bus.
type slots struct {
	mu     sync.RWMutex
	closed bool
	box    chan can.Frame
	stop   chan struct{}
	done   chan struct{}
	write  func(can.Frame) error
	hooks  Hooks
	unhook func() bool
}

func newSlots(parent context.Context, n int, write func(can.Frame) error, hooks Hooks) *slots {
	s := &slots{
		box:   make(chan can.Frame, max(n, 1)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		write: write,
		hooks: hooks,
	}
	s.unhook = context.AfterFunc(parent, s.close)
	go s.drain()
	return s
}

// drain writes queued frames in order until the slots are closed. Frames
// still queued at that point are discarded.
func (s *slots) drain() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case fr := <-s.box:
			s.transmit(fr)
		}
	}
}

func (s *slots) transmit(fr can.Frame) {
	if err := s.write(fr); err != nil {
		if s.hooks.OnError != nil {
			s.hooks.OnError(err, fr)
		}
		return
	}
	if s.hooks.OnAfter != nil {
		s.hooks.OnAfter(fr)
	}
}

func (s *slots) offer(fr can.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.box <- fr:
		return nil
	default:
	}
	if s.hooks.OnDrop == nil {
		return nil
	}
	return s.hooks.OnDrop()
}

// free is a snapshot; a concurrent offer may take the slot first.
func (s *slots) free() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return cap(s.box) - len(s.box)
}

// close stops the writer and waits for a write in progress to return.
func (s *slots) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.unhook()
	<-s.done
}
