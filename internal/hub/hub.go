// Package hub fans gs_usb host frames out to the connected host sessions.
package hub

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// BackpressurePolicy decides what happens when a client's queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps the config names drop and kick to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	for _, p := range []BackpressurePolicy{PolicyDrop, PolicyKick} {
		if p.String() == s {
			return p, true
		}
	}
	return PolicyDrop, false
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one host session (USB gadget bulk pair or TCP connection).
// Out carries unsolicited frames and acknowledgement echoes in order;
// Closed is closed once the session must stop writing.
type Client struct {
	Out    chan gsusb.HostFrame
	Closed chan struct{}
	Name   string

	once    sync.Once
	dropped atomic.Uint64
}

func NewClient(name string, buf int) *Client {
	return &Client{Out: make(chan gsusb.HostFrame, max(buf, 1)), Closed: make(chan struct{}), Name: name}
}

// Close is idempotent.
func (c *Client) Close() { c.once.Do(func() { close(c.Closed) }) }

func (c *Client) closed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}

// Dropped counts frames this client missed because Out was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Hub keeps the set of sessions as an immutable slice swapped on every
// membership change, so Broadcast never takes a lock.
type Hub struct {
	mu      sync.Mutex
	clients atomic.Pointer[[]*Client]

	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub {
	h := &Hub{}
	h.clients.Store(&[]*Client{})
	return h
}

// Add registers c. Adding a registered client is a no-op.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	cur := *h.clients.Load()
	if slices.Contains(cur, c) {
		h.mu.Unlock()
		return
	}
	next := append(slices.Clip(cur), c)
	h.clients.Store(&next)
	h.mu.Unlock()

	metrics.SetHubClients(len(next))
	if len(next) == 1 {
		logging.L().Info("hosts_first_connected", "client", c.Name)
	}
}

// Remove unregisters and closes c. It is safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	cur := *h.clients.Load()
	i := slices.Index(cur, c)
	if i >= 0 {
		next := slices.Delete(slices.Clone(cur), i, i+1)
		h.clients.Store(&next)
		cur = next
	}
	h.mu.Unlock()

	c.Close()
	metrics.SetHubClients(len(cur))
	if i >= 0 && len(cur) == 0 {
		logging.L().Info("hosts_last_disconnected", "client", c.Name)
	}
}

// Replace swaps old for fresh in place and closes old. If old is no longer
// registered, fresh is added.
func (h *Hub) Replace(old, fresh *Client) {
	h.mu.Lock()
	cur := *h.clients.Load()
	next := slices.Clone(cur)
	if i := slices.Index(next, old); i >= 0 {
		next[i] = fresh
	} else if !slices.Contains(next, fresh) {
		next = append(next, fresh)
	}
	h.clients.Store(&next)
	h.mu.Unlock()

	old.Close()
	metrics.SetHubClients(len(next))
}

// Broadcast offers fr to every session under the backpressure policy.
func (h *Hub) Broadcast(fr gsusb.HostFrame) {
	clients := *h.clients.Load()
	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	sampleDepth(clients)
	for _, c := range clients {
		h.offer(c, fr)
	}
}

// Send queues an acknowledgement echo for the session that submitted it and
// reports whether it was queued.
func (h *Hub) Send(c *Client, fr gsusb.HostFrame) bool {
	if c == nil || c.closed() {
		return false
	}
	return h.offer(c, fr)
}

func (h *Hub) offer(c *Client, fr gsusb.HostFrame) bool {
	select {
	case c.Out <- fr:
		return true
	default:
	}
	c.dropped.Add(1)
	switch h.Policy {
	case PolicyKick:
		// The session goroutines see Closed and Remove the client.
		metrics.IncHubKick()
		c.Close()
	default:
		metrics.IncHubDrop()
	}
	return false
}

func sampleDepth(clients []*Client) {
	if len(clients) == 0 {
		return
	}
	deepest, total := 0, 0
	for _, c := range clients {
		n := len(c.Out)
		deepest = max(deepest, n)
		total += n
	}
	metrics.SetQueueDepth(deepest, total/len(clients))
}

// Snapshot returns the current sessions. The slice must not be modified.
func (h *Hub) Snapshot() []*Client { return *h.clients.Load() }

func (h *Hub) Count() int { return len(*h.clients.Load()) }
