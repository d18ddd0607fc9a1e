package gadget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// readChunk is how many host frames one bulk read may carry.
const readChunk = 32

// session is the bulk stream of one enabled USB configuration. The hub
// client is replaced when the hub kicks it: the host cannot reconnect
// without re-enumerating, so the endpoints stay open and only the queue is
// renewed.
type session struct {
	in     io.WriteCloser
	out    io.ReadCloser
	done   <-chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	client  *hub.Client
	stopped bool
}

func (s *session) current() *hub.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (g *Gadget) startSession(parent context.Context, bulk BulkOpener) error {
	g.stopSession()
	in, out, err := bulk()
	if err != nil {
		return fmt.Errorf("open bulk endpoints: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		in:     in,
		out:    out,
		done:   ctx.Done(),
		cancel: cancel,
		client: hub.NewClient("usb", g.bufSize),
	}
	if g.hub != nil {
		g.hub.Add(s.client)
	}
	s.wg.Add(2)
	go g.bulkReader(s)
	go g.bulkWriter(s)
	g.mu.Lock()
	g.sess = s
	g.mu.Unlock()
	g.sessions.Add(1)
	g.logger.Info("bulk_session_start")
	return nil
}

func (g *Gadget) stopSession() {
	g.mu.Lock()
	s := g.sess
	g.sess = nil
	g.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	c := s.client
	s.mu.Unlock()
	c.Close()
	_ = s.out.Close()
	_ = s.in.Close()
	if g.hub != nil {
		g.hub.Remove(c)
	}
	s.wg.Wait()
	g.logger.Info("bulk_session_stop")
}

// renewClient swaps a kicked client for an empty one. It returns nil once
// the session is stopping.
func (g *Gadget) renewClient(s *session, old *hub.Client) *hub.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	fresh := hub.NewClient("usb", g.bufSize)
	s.client = fresh
	if g.hub != nil {
		g.hub.Replace(old, fresh)
	}
	g.renewals.Add(1)
	g.logger.Warn("usb_client_renewed", "dropped", old.Dropped(), "lost", len(old.Out))
	return fresh
}

// bulkReader drains the OUT endpoint. Partial records are kept until the
// rest arrives.
func (g *Gadget) bulkReader(s *session) {
	defer s.wg.Done()
	buf := make([]byte, readChunk*gsusb.HostFrameSize)
	frames := make([]gsusb.HostFrame, 0, readChunk)
	pending := 0
	var codec gsusb.Codec
	for {
		n, err := s.out.Read(buf[pending:])
		if n > 0 {
			pending += n
			frames = frames[:0]
			used := codec.DecodeBatch(buf[:pending], func(hf gsusb.HostFrame) { frames = append(frames, hf) })
			pending = copy(buf, buf[used:pending])
			if len(frames) > 0 && g.handler != nil {
				g.handler(s.current(), frames)
			}
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					metrics.IncError(metrics.ErrGadgetRead)
					g.logger.Warn("bulk_read_error", "error", err)
				}
			}
			return
		}
	}
}

// bulkWriter sends queued frames on the IN endpoint, up to g.batch records
// per transfer. Frames queued on a kicked client are discarded with it.
func (g *Gadget) bulkWriter(s *session) {
	defer s.wg.Done()
	var codec gsusb.Codec
	batch := make([]gsusb.HostFrame, 0, g.batch)
	c := s.current()
	for {
		select {
		case <-s.done:
			return
		case <-c.Closed:
			if c = g.renewClient(s, c); c == nil {
				return
			}
		case hf := <-c.Out:
			batch = append(batch[:0], hf)
		fill:
			for len(batch) < g.batch {
				select {
				case hf := <-c.Out:
					batch = append(batch, hf)
				default:
					break fill
				}
			}
			if _, err := codec.EncodeTo(s.in, batch); err != nil {
				select {
				case <-s.done:
				default:
					metrics.IncError(metrics.ErrGadgetWrite)
					g.logger.Warn("bulk_write_error", "error", err)
				}
				return
			}
			metrics.AddHostTx(len(batch))
		}
	}
}
