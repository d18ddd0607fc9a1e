package rxqueue

import (
	"sync"
	"testing"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

func frameN(n uint32) can.Frame {
	fr := can.Frame{ID: n, Extended: true, Len: 4}
	fr.SetWords(n, ^n)
	return fr
}

func TestEnqueueDequeueIdentity(t *testing.T) {
	q := New(4)
	in := frameN(0x2051845)
	if !q.Enqueue(in) {
		t.Fatalf("enqueue on empty queue failed")
	}
	if q.Len() != 1 {
		t.Fatalf("len=%d want 1", q.Len())
	}
	out, rem, ok := q.Dequeue()
	if !ok || rem != 0 || out != in {
		t.Fatalf("dequeue got %+v rem=%d ok=%v", out, rem, ok)
	}
	if _, _, ok := q.Dequeue(); ok {
		t.Fatalf("dequeue on empty queue succeeded")
	}
}

func TestFullQueueDropsNewest(t *testing.T) {
	q := New(4)
	for i := uint32(0); i < 4; i++ {
		if !q.Enqueue(frameN(i)) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if q.Enqueue(frameN(99)) {
		t.Fatalf("enqueue on full queue succeeded")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", q.Dropped())
	}
	for i := uint32(0); i < 4; i++ {
		fr, rem, ok := q.Dequeue()
		if !ok || fr != frameN(i) {
			t.Fatalf("entry %d corrupted: %+v", i, fr)
		}
		if rem != int(3-i) {
			t.Fatalf("remaining=%d want %d", rem, 3-i)
		}
	}
}

func TestDefaultCapacity(t *testing.T) {
	if q := New(0); q.Cap() != DefaultCapacity {
		t.Fatalf("cap=%d", q.Cap())
	}
}

func TestReadySignalCoalesces(t *testing.T) {
	q := New(8)
	q.Enqueue(frameN(1))
	q.Enqueue(frameN(2))
	select {
	case <-q.Ready():
	default:
		t.Fatalf("expected ready signal")
	}
	select {
	case <-q.Ready():
		t.Fatalf("signals should coalesce")
	default:
	}
}

// Run with -race: one producer and one consumer must preserve FIFO order.
func TestConcurrentFIFO(t *testing.T) {
	q := New(4)
	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); i < n; {
			if q.Enqueue(frameN(i)) {
				i++
			}
		}
	}()
	next := uint32(0)
	for next < n {
		fr, _, ok := q.Dequeue()
		if !ok {
			<-q.Ready()
			continue
		}
		if fr.ID != next {
			t.Fatalf("out of order: got %d want %d", fr.ID, next)
		}
		next++
	}
	wg.Wait()
}
