package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/gateway"
	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// captureSender records frames offered to the bus.
type captureSender struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *captureSender) TrySend(fr can.Frame) bool {
	c.mu.Lock()
	c.frames = append(c.frames, fr)
	c.mu.Unlock()
	return true
}

func (c *captureSender) CanSend() bool { return true }

func (c *captureSender) sent() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func startServer(t testing.TB, ctx context.Context, h *hub.Hub, opts ...ServerOption) (*Server, *captureSender) {
	t.Helper()
	tx := &captureSender{}
	gw := gateway.New(gateway.WithHub(h), gateway.WithSender(tx))
	srv := NewServer(append([]ServerOption{WithHub(h), WithHandler(gw.HandleHostFrames), WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv, tx
}

func waitClients(h *hub.Hub, n int) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && h.Count() < n {
		time.Sleep(2 * time.Millisecond)
	}
}

func waitUntil(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func readHostFrames(t *testing.T, c net.Conn, n int) []gsusb.HostFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n*gsusb.HostFrameSize)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read %d host frames: %v", n, err)
	}
	var out []gsusb.HostFrame
	gsusb.Codec{}.DecodeBatch(buf, func(hf gsusb.HostFrame) { out = append(out, hf) })
	return out
}

// TestSmokeServer performs the hello exchange, submits one host frame and
// checks both the bus side and the echo.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv, tx := startServer(t, ctx, h)

	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	hf := gsusb.HostFrame{EchoID: 7, CANID: 0x02050085 | can.CAN_EFF_FLAG, DLC: 8, Data: [8]byte{0xCD, 0xCC, 0x4C, 0x3D}}
	b, _ := hf.MarshalBinary()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	echo := readHostFrames(t, conn, 1)[0]
	if echo != hf {
		t.Fatalf("echo %v want %v", echo, hf)
	}
	sent := tx.sent()
	if len(sent) != 1 || sent[0].ID != 0x02050085 || !sent[0].Extended {
		t.Fatalf("bus frames %v", sent)
	}

	// unsolicited path
	h.Broadcast(gsusb.FromCAN(can.Frame{ID: 0x456, Len: 2, Data: [8]byte{9, 8}}))
	got := readHostFrames(t, conn, 1)[0]
	if !got.Unsolicited() || got.CANID != 0x456 || got.DLC != 2 {
		t.Fatalf("unsolicited frame %v", got)
	}
}

// TestSmokePartialRecords splits records across writes.
func TestSmokePartialRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv, tx := startServer(t, ctx, h)
	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	var stream []byte
	for i := 0; i < 3; i++ {
		hf := gsusb.HostFrame{EchoID: uint32(i), CANID: 0x100 + uint32(i), DLC: 1, Data: [8]byte{byte(i)}}
		stream, _ = hf.AppendBinary(stream)
	}
	for _, cut := range [][2]int{{0, 7}, {7, 33}, {33, 60}} {
		if _, err := conn.Write(stream[cut[0]:cut[1]]); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	echoes := readHostFrames(t, conn, 3)
	for i, e := range echoes {
		if e.EchoID != uint32(i) || e.Data[0] != byte(i) {
			t.Fatalf("echo %d: %v", i, e)
		}
	}
	if n := len(tx.sent()); n != 3 {
		t.Fatalf("bus got %d frames", n)
	}
}

// TestSmokeBatch verifies the batched write path.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv, _ := startServer(t, ctx, h)
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	before := metrics.Snap().HostTx
	for i := 0; i < 64; i++ {
		h.Broadcast(gsusb.FromCAN(can.Frame{ID: uint32(0x700 + i%32), Len: 1, Data: [8]byte{byte(i)}}))
	}
	frames := readHostFrames(t, c1, 64)
	for i, hf := range frames {
		if hf.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, hf)
		}
	}
	if after := metrics.Snap().HostTx; after < before+64 {
		t.Fatalf("host tx metric %d -> %d", before, after)
	}
}

// TestKickedClientDisconnected checks that closing a hub client (what the
// kick policy does on overflow) tears down its connection.
func TestKickedClientDisconnected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.Policy = hub.PolicyKick
	srv, _ := startServer(t, ctx, h)
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	h.Snapshot()[0].Close()
	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c1.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("kicked client still connected: %v", err)
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && h.Count() != 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Fatalf("kicked client still registered")
	}
}

func TestHandshakeBadHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv, _ := startServer(t, ctx, h, WithHandshakeTimeout(200*time.Millisecond))
	c, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("GSUSB/TCP v0")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.ReadFull(c, make([]byte, len(Hello)))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatalf("connection with bad hello stayed open")
	}
	if h.Count() != 0 {
		t.Fatalf("bad hello registered a client")
	}
}

func TestMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv, _ := startServer(t, ctx, h, WithMaxClients(1))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("second client not rejected: %v", err)
	}
	if h.Count() != 1 {
		t.Fatalf("clients=%d", h.Count())
	}
	if st := srv.Stats(); st.Rejected != 1 || st.Active != 1 {
		t.Fatalf("stats after reject: %+v", st)
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv, _ := startServer(t, ctx, h)
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	waitClients(h, 2)

	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	for _, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := c.Read(buf); err == nil {
			t.Fatalf("expected read to fail after shutdown")
		}
	}
	if _, err := net.Dial("tcp", srv.Addr()); err == nil {
		t.Fatalf("listener still accepting")
	}
	if st := srv.Stats(); st.Active != 0 || st.Disconnected != 2 || st.Connected != 2 {
		t.Fatalf("stats after shutdown: %+v", st)
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		ErrConnRead:            metrics.ErrTCPRead,
		ErrConnWrite:           metrics.ErrTCPWrite,
		ErrHandshake:           metrics.ErrHandshake,
		ErrListen:              metrics.ErrTCPRead,
		ErrShutdownTimeout:     "other",
		errors.New("whatever"): "other",
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Fatalf("%v -> %q want %q", err, got, want)
		}
	}
}

// --- Helpers ---

func dialAndHandshake(t testing.TB, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: 1 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte(Hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	buf := make([]byte, len(Hello))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
	if string(buf) != Hello {
		t.Fatalf("unexpected hello %q", buf)
	}
	return c
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
