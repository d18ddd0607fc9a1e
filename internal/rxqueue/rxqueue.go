// Package rxqueue hands received CAN frames from a backend receive goroutine
// to the gateway drain loop.
//
// Queue is a bounded single-producer/single-consumer ring. Enqueue and
// Dequeue never block and never take a lock; head and tail are monotonic
// counters published with atomic stores so the producer never waits on the
// consumer. A full queue drops the newest frame and counts it.
package rxqueue

import (
	"sync/atomic"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// DefaultCapacity matches the small hand-off buffer of the gateway firmware.
const DefaultCapacity = 4

type Queue struct {
	buf     []can.Frame
	head    atomic.Uint64 // next slot to read, written by consumer only
	tail    atomic.Uint64 // next slot to write, written by producer only
	dropped atomic.Uint64
	ready   chan struct{}
}

// New returns a queue holding up to capacity frames. Capacity below 1 falls
// back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:   make([]can.Frame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends fr. It returns false without touching stored frames when
// the queue is full. Must only be called by the single producer.
func (q *Queue) Enqueue(fr can.Frame) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.buf)) {
		q.dropped.Add(1)
		return false
	}
	q.buf[tail%uint64(len(q.buf))] = fr
	q.tail.Store(tail + 1)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes the oldest frame. remaining is the occupancy after the
// removal and is informational only. Must only be called by the single
// consumer.
func (q *Queue) Dequeue() (fr can.Frame, remaining int, ok bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return can.Frame{}, 0, false
	}
	fr = q.buf[head%uint64(len(q.buf))]
	q.head.Store(head + 1)
	return fr, int(tail - head - 1), true
}

// Len reports the current occupancy.
func (q *Queue) Len() int { return int(q.tail.Load() - q.head.Load()) }

func (q *Queue) Cap() int { return len(q.buf) }

// Dropped reports how many frames were refused because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Ready is signalled after each successful Enqueue. Signals coalesce, so a
// consumer must drain until Dequeue reports empty.
func (q *Queue) Ready() <-chan struct{} { return q.ready }
