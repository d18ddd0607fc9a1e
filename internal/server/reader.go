package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// readChunk is how many host frames one read may return.
const readChunk = 64

// startReader feeds complete host frame records to the handler. A record
// split across reads is carried over to the next one.
func (s *Server) startReader(ctxDone <-chan struct{}, sess *session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = sess.conn.Close() }()
		buf := make([]byte, readChunk*gsusb.HostFrameSize)
		frames := make([]gsusb.HostFrame, 0, readChunk)
		pending := 0
		for {
			_ = sess.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := sess.conn.Read(buf[pending:])
			if n > 0 {
				pending += n
				frames = frames[:0]
				used := s.codec.DecodeBatch(buf[:pending], func(hf gsusb.HostFrame) {
					frames = append(frames, hf)
				})
				pending = copy(buf, buf[used:pending])
				s.dispatch(sess, frames)
			}
			if err != nil {
				if s.readDone(sess, err) {
					return
				}
				continue
			}
			select {
			case <-ctxDone:
				return
			case <-sess.client.Closed:
				return
			default:
			}
		}
	}()
}

func (s *Server) dispatch(sess *session, frames []gsusb.HostFrame) {
	if len(frames) == 0 {
		return
	}
	s.stats.framesIn.Add(uint64(len(frames)))
	if s.Handler != nil {
		s.Handler(sess.client, frames)
	}
	if sess.logger.Enabled(context.Background(), slog.LevelDebug) {
		sess.logger.Debug("host_frames", "count", len(frames), "first", frames[0].String())
	}
}

// readDone classifies a read error. An idle timeout keeps the session
// unless the hub kicked it.
func (s *Server) readDone(sess *session, err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		select {
		case <-sess.client.Closed:
			return true
		default:
			return false
		}
	}
	wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
	metrics.IncError(mapErrToMetric(wrap))
	sess.logger.Warn("tcp_read_error", "error", wrap)
	return true
}
