package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

type notifyRecorder struct {
	mu    sync.Mutex
	kinds []NotifyKind
	ids   []uint32
}

func (r *notifyRecorder) fn(kind NotifyKind, fr can.Frame) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.ids = append(r.ids, fr.ID)
	r.mu.Unlock()
}

func (r *notifyRecorder) count(kind NotifyKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTransportTransmittedNotify(t *testing.T) {
	var rec notifyRecorder
	var after int
	var mu sync.Mutex
	tr := New(context.Background(), 4, func(can.Frame) error { return nil }, Hooks{
		OnAfter: func(can.Frame) { mu.Lock(); after++; mu.Unlock() },
	})
	defer tr.Close()
	tr.OnNotify(rec.fn)
	if !tr.CanSend() {
		t.Fatalf("expected free slot")
	}
	if !tr.TrySend(can.Frame{ID: 0x205, Len: 8}) {
		t.Fatalf("TrySend failed")
	}
	waitFor(t, func() bool { return rec.count(Transmitted) == 1 })
	mu.Lock()
	defer mu.Unlock()
	if after != 1 {
		t.Fatalf("backend hook not chained: %d", after)
	}
}

func TestTransportErrorNotify(t *testing.T) {
	var rec notifyRecorder
	tr := New(context.Background(), 4, func(can.Frame) error { return errors.New("bus off") }, Hooks{})
	defer tr.Close()
	tr.OnNotify(rec.fn)
	tr.TrySend(can.Frame{ID: 1})
	waitFor(t, func() bool { return rec.count(Error) == 1 })
	tr.ReportError()
	if rec.count(Error) != 2 {
		t.Fatalf("ReportError did not notify")
	}
}

func TestTransportFullQueue(t *testing.T) {
	block := make(chan struct{})
	tr := New(context.Background(), 1, func(can.Frame) error { <-block; return nil }, Hooks{})
	defer tr.Close()
	defer close(block)
	// The worker takes the first frame and blocks; the second fills the slot.
	tr.TrySend(can.Frame{ID: 1})
	waitFor(t, func() bool { return tr.CanSend() })
	if !tr.TrySend(can.Frame{ID: 2}) {
		t.Fatalf("second send should occupy the slot")
	}
	if tr.CanSend() {
		t.Fatalf("CanSend true with full queue")
	}
	if tr.TrySend(can.Frame{ID: 3}) {
		t.Fatalf("TrySend succeeded on full queue")
	}
	if tr.Drops() != 1 {
		t.Fatalf("drops=%d want 1", tr.Drops())
	}
}

func TestTransportDeliver(t *testing.T) {
	var rec notifyRecorder
	tr := New(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
	defer tr.Close()
	tr.Deliver(can.Frame{ID: 7}) // no callback registered yet
	tr.OnNotify(rec.fn)
	tr.Deliver(can.Frame{ID: 8})
	if rec.count(Received) != 1 || rec.ids[0] != 8 {
		t.Fatalf("unexpected notifications %v %v", rec.kinds, rec.ids)
	}
}

func TestTransportClosed(t *testing.T) {
	tr := New(context.Background(), 2, func(can.Frame) error { return nil }, Hooks{})
	tr.Close()
	if tr.CanSend() || tr.TrySend(can.Frame{}) {
		t.Fatalf("closed transport accepted a frame")
	}
}
