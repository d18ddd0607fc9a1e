package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
)

func unsolicited(id uint32) gsusb.HostFrame {
	return gsusb.HostFrame{EchoID: gsusb.EchoUnsolicited, CANID: id | can.CAN_EFF_FLAG}
}

func TestBroadcastSlowClientDoesNotBlock(t *testing.T) {
	h := New()
	slow := NewClient("slow", 4)
	fast := NewClient("fast", 64)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	start := time.Now()
	for i := range 32 {
		h.Broadcast(unsolicited(uint32(i)))
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("broadcast blocked for %s", d)
	}
	if len(slow.Out) != cap(slow.Out) || slow.Dropped() != 28 {
		t.Fatalf("slow: len=%d dropped=%d", len(slow.Out), slow.Dropped())
	}
	if len(fast.Out) != 32 || fast.Dropped() != 0 {
		t.Fatalf("fast: len=%d dropped=%d", len(fast.Out), fast.Dropped())
	}
	// Order is preserved for what was queued.
	for i := range 4 {
		if got := <-slow.Out; got.CANID != uint32(i)|can.CAN_EFF_FLAG {
			t.Fatalf("frame %d: id %#x", i, got.CANID)
		}
	}
}

func TestAddRemoveMembership(t *testing.T) {
	h := New()
	a := NewClient("a", 1)
	h.Add(a)
	h.Add(a)
	if h.Count() != 1 {
		t.Fatalf("count=%d after double add", h.Count())
	}
	snap := h.Snapshot()
	b := NewClient("b", 1)
	h.Add(b)
	if len(snap) != 1 {
		t.Fatalf("snapshot changed after Add")
	}
	h.Remove(a)
	h.Remove(a)
	if h.Count() != 1 || h.Snapshot()[0] != b {
		t.Fatalf("unexpected members %v", h.Snapshot())
	}
	if !a.closed() {
		t.Fatalf("Remove did not close the client")
	}
}

func TestReplaceKeepsMembership(t *testing.T) {
	h := New()
	a, b, fresh := NewClient("a", 1), NewClient("b", 1), NewClient("fresh", 1)
	h.Add(a)
	h.Add(b)
	h.Replace(a, fresh)
	snap := h.Snapshot()
	if len(snap) != 2 || snap[0] != fresh || snap[1] != b {
		t.Fatalf("members after replace: %v", snap)
	}
	if !a.closed() {
		t.Fatalf("replaced client left open")
	}
	h.Broadcast(unsolicited(1))
	if len(fresh.Out) != 1 || len(a.Out) != 0 {
		t.Fatalf("broadcast went to fresh=%d old=%d", len(fresh.Out), len(a.Out))
	}
}

func TestSendTargetsOneClient(t *testing.T) {
	h := New()
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Add(a)
	h.Add(b)
	defer h.Remove(a)
	defer h.Remove(b)

	echo := gsusb.HostFrame{EchoID: 42, CANID: 0x205, DLC: 8}
	if !h.Send(a, echo) {
		t.Fatalf("send to a failed")
	}
	if got := <-a.Out; got != echo {
		t.Fatalf("a got %+v", got)
	}
	if len(b.Out) != 0 {
		t.Fatalf("echo leaked to another client")
	}
	if h.Send(nil, echo) {
		t.Fatalf("send to nil client succeeded")
	}
}

func TestSendKickPolicy(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	c := NewClient("slow", 1)
	h.Add(c)
	defer h.Remove(c)
	h.Send(c, gsusb.HostFrame{EchoID: 1})
	if h.Send(c, gsusb.HostFrame{EchoID: 2}) {
		t.Fatalf("send to full client succeeded")
	}
	if !c.closed() {
		t.Fatalf("kick policy did not close client")
	}
	if h.Send(c, gsusb.HostFrame{EchoID: 3}) {
		t.Fatalf("send to closed client succeeded")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, ok := ParsePolicy("kick"); !ok || p != PolicyKick || p.String() != "kick" {
		t.Fatalf("kick: %v %v", p, ok)
	}
	if p, ok := ParsePolicy("drop"); !ok || p != PolicyDrop {
		t.Fatalf("drop: %v %v", p, ok)
	}
	if _, ok := ParsePolicy("bogus"); ok {
		t.Fatalf("bogus policy accepted")
	}
}
