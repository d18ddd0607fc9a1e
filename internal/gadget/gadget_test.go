package gadget

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
)

func TestDescriptorsLayout(t *testing.T) {
	b := Descriptors()
	if len(b) != 20+2*23 {
		t.Fatalf("len=%d", len(b))
	}
	if le.Uint32(b[0:4]) != descriptorsMagicV2 || int(le.Uint32(b[4:8])) != len(b) {
		t.Fatalf("header % X", b[:8])
	}
	if le.Uint32(b[8:12]) != flagHasFSDesc|flagHasHSDesc || le.Uint32(b[12:16]) != 3 || le.Uint32(b[16:20]) != 3 {
		t.Fatalf("flags/counts % X", b[8:20])
	}
	fs := b[20:43]
	if fs[0] != 9 || fs[1] != 4 || fs[4] != 2 || fs[5] != 0xFF {
		t.Fatalf("interface % X", fs[:9])
	}
	if ep := fs[9:16]; ep[2] != EndpointIn || ep[3] != 2 || le.Uint16(ep[4:6]) != fsMaxPacket {
		t.Fatalf("fs in endpoint % X", ep)
	}
	if ep := b[43+16 : 43+23]; ep[2] != EndpointOut || le.Uint16(ep[4:6]) != hsMaxPacket {
		t.Fatalf("hs out endpoint % X", ep)
	}
}

func TestStringsLayout(t *testing.T) {
	b := Strings("gs_usb")
	if int(le.Uint32(b[4:8])) != len(b) || le.Uint16(b[16:18]) != langEnUS {
		t.Fatalf("strings % X", b)
	}
	if !bytes.Equal(b[18:], []byte("gs_usb\x00")) {
		t.Fatalf("string body %q", b[18:])
	}
}

func TestParseEvent(t *testing.T) {
	raw := []byte{0xC1, 5, 0, 0, 0, 0, 12, 0, byte(EventSetup), 0, 0, 0}
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != EventSetup || ev.Setup.BReq() != gsusb.BReqDeviceConfig || ev.Setup.Length != 12 || !ev.Setup.In() {
		t.Fatalf("event %+v", ev)
	}
	if _, err := ParseEvent(raw[:11]); !errors.Is(err, gsusb.ErrShortBuffer) {
		t.Fatalf("short event: %v", err)
	}
	if EventType(42).String() != "event(42)" || EventEnable.String() != "enable" {
		t.Fatalf("names")
	}
}

// fakeEP0 feeds scripted reads and records the answers.
type fakeEP0 struct {
	reads chan []byte

	mu     sync.Mutex
	writes [][]byte
	stalls []bool
	acks   int
}

func newFakeEP0() *fakeEP0 { return &fakeEP0{reads: make(chan []byte, 16)} }

func (f *fakeEP0) Read(p []byte) (int, error) {
	b, ok := <-f.reads
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (f *fakeEP0) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeEP0) Stall(in bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalls = append(f.stalls, in)
	return nil
}

func (f *fakeEP0) AckOut() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func event(t EventType, req gsusb.SetupPacket) []byte {
	b := make([]byte, EventSize)
	b[0], b[1] = req.RequestType, req.Request
	le.PutUint16(b[2:4], req.Value)
	le.PutUint16(b[4:6], req.Index)
	le.PutUint16(b[6:8], req.Length)
	b[8] = byte(t)
	return b
}

// pipeBulk is a host side view of the bulk endpoints.
type pipeBulk struct {
	hostRead  *io.PipeReader // frames sent to the host
	hostWrite *io.PipeWriter // frames sent by the host
	in        *io.PipeWriter
	out       *io.PipeReader
}

func newPipeBulk() *pipeBulk {
	p := &pipeBulk{}
	p.hostRead, p.in = io.Pipe()
	p.out, p.hostWrite = io.Pipe()
	return p
}

func (p *pipeBulk) open() (io.WriteCloser, io.ReadCloser, error) { return p.in, p.out, nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestControlTransfers(t *testing.T) {
	ctrl := gsusb.NewControl()
	g := New(ctrl, hub.New(), nil)
	ep := newFakeEP0()
	done := make(chan error, 1)
	go func() { done <- g.Serve(context.Background(), ep, newPipeBulk().open) }()

	devCfg := gsusb.SetupPacket{RequestType: 0xC1, Request: uint8(gsusb.BReqDeviceConfig), Length: 12}
	ep.reads <- event(EventBind, gsusb.SetupPacket{})
	ep.reads <- event(EventSetup, devCfg) // rejected once after enumeration
	ep.reads <- event(EventSetup, devCfg)
	mode := gsusb.SetupPacket{RequestType: 0x41, Request: uint8(gsusb.BReqMode), Length: 8}
	ep.reads <- event(EventSetup, mode)
	ep.reads <- []byte{1, 0, 0, 0, 0, 0, 0, 0} // data stage
	ep.reads <- event(EventSetup, gsusb.SetupPacket{RequestType: 0x80, Request: 6, Length: 18})
	close(ep.reads)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.stalls) != 2 || !ep.stalls[0] || !ep.stalls[1] {
		t.Fatalf("stalls %v", ep.stalls)
	}
	if len(ep.writes) != 1 || len(ep.writes[0]) != 12 {
		t.Fatalf("writes %v", ep.writes)
	}
	want, _ := gsusb.DefaultDeviceConfig.MarshalBinary()
	if !bytes.Equal(ep.writes[0], want) {
		t.Fatalf("device config % X want % X", ep.writes[0], want)
	}
	if st := ctrl.State(); st.Mode.Mode != gsusb.ModeStart {
		t.Fatalf("mode not applied: %+v", st.Mode)
	}
}

func TestBulkSessionEchoAndBroadcast(t *testing.T) {
	h := hub.New()
	// echo every frame back, as the gateway does
	handler := func(c *hub.Client, frames []gsusb.HostFrame) {
		for _, hf := range frames {
			h.Send(c, hf)
		}
	}
	g := New(gsusb.NewControl(), h, handler)
	ep := newFakeEP0()
	bulk := newPipeBulk()
	done := make(chan error, 1)
	go func() { done <- g.Serve(context.Background(), ep, bulk.open) }()
	ep.reads <- event(EventEnable, gsusb.SetupPacket{})
	waitFor(t, "session", func() bool { return h.Count() == 1 })

	hf := gsusb.HostFrame{EchoID: 3, CANID: 0x123, DLC: 2, Data: [8]byte{0xAA, 0xBB}}
	b, _ := hf.MarshalBinary()
	go func() {
		// split across two transfers
		_, _ = bulk.hostWrite.Write(b[:5])
		_, _ = bulk.hostWrite.Write(b[5:])
	}()
	got := make([]byte, gsusb.HostFrameSize)
	if _, err := io.ReadFull(bulk.hostRead, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Fatalf("echo % X want % X", got, b)
	}

	h.Broadcast(gsusb.HostFrame{EchoID: gsusb.EchoUnsolicited, CANID: 0x456})
	if _, err := io.ReadFull(bulk.hostRead, got); err != nil {
		t.Fatalf("read unsolicited: %v", err)
	}
	var un gsusb.HostFrame
	_ = un.UnmarshalBinary(got)
	if !un.Unsolicited() || un.CANID != 0x456 {
		t.Fatalf("unsolicited %v", un)
	}

	ep.reads <- event(EventDisable, gsusb.SetupPacket{})
	waitFor(t, "session stop", func() bool { return h.Count() == 0 })
	close(ep.reads)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if ev, sess := g.Stats(); ev != 2 || sess != 1 {
		t.Fatalf("stats events=%d sessions=%d", ev, sess)
	}
}

func TestKickedUSBClientIsRenewed(t *testing.T) {
	h := hub.New()
	h.Policy = hub.PolicyKick
	handler := func(c *hub.Client, frames []gsusb.HostFrame) {
		for _, hf := range frames {
			h.Send(c, hf)
		}
	}
	g := New(gsusb.NewControl(), h, handler, WithClientBuffer(1))
	ep := newFakeEP0()
	bulk := newPipeBulk()
	done := make(chan error, 1)
	go func() { done <- g.Serve(context.Background(), ep, bulk.open) }()
	ep.reads <- event(EventEnable, gsusb.SetupPacket{})
	waitFor(t, "session", func() bool { return h.Count() == 1 })
	old := h.Snapshot()[0]

	// Nobody reads the IN pipe yet: the writer blocks on the first frame
	// and the one-slot queue overflows.
	for id := uint32(1); id <= 3; id++ {
		h.Broadcast(gsusb.HostFrame{EchoID: gsusb.EchoUnsolicited, CANID: id})
	}
	select {
	case <-old.Closed:
	default:
		t.Fatalf("kick policy did not close the USB client")
	}

	toHost := make(chan gsusb.HostFrame, 16)
	go func() {
		rec := make([]byte, gsusb.HostFrameSize)
		for {
			if _, err := io.ReadFull(bulk.hostRead, rec); err != nil {
				close(toHost)
				return
			}
			var hf gsusb.HostFrame
			_ = hf.UnmarshalBinary(rec)
			toHost <- hf
		}
	}()
	waitFor(t, "renewal", func() bool { return g.Renewals() == 1 })
	if h.Count() != 1 || h.Snapshot()[0] == old {
		t.Fatalf("hub members after renewal: %v", h.Snapshot())
	}

	// Echoes flow again on the renewed client.
	hf := gsusb.HostFrame{EchoID: 9, CANID: 0x205, DLC: 1}
	b, _ := hf.MarshalBinary()
	go func() { _, _ = bulk.hostWrite.Write(b) }()
	deadline := time.After(time.Second)
	for echoed := false; !echoed; {
		select {
		case got, ok := <-toHost:
			if !ok {
				t.Fatalf("IN pipe closed before echo")
			}
			echoed = got.EchoID == 9
		case <-deadline:
			t.Fatalf("no echo after renewal")
		}
	}

	ep.reads <- event(EventDisable, gsusb.SetupPacket{})
	waitFor(t, "session stop", func() bool { return h.Count() == 0 })
	close(ep.reads)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestEnableOpenFailure(t *testing.T) {
	g := New(gsusb.NewControl(), hub.New(), nil)
	err := g.handleEvent(context.Background(), newFakeEP0(), func() (io.WriteCloser, io.ReadCloser, error) {
		return nil, nil, errors.New("no ep1")
	}, Event{Type: EventEnable})
	if err == nil {
		t.Fatalf("expected open error")
	}
}
