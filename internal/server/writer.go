package server

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// startWriter drains the session's hub queue into batched writes. Echoes
// and unsolicited frames share the queue, so their relative order is
// preserved. The writer owns session teardown.
func (s *Server) startWriter(ctxDone <-chan struct{}, sess *session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = sess.conn.Close()
			if s.unregister(sess) {
				s.stats.disconnected.Add(1)
				sess.logger.Info("client_disconnected")
			}
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]gsusb.HostFrame, 0, s.batchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			n := len(batch)
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.EncodeTo(sess.conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				sess.logger.Warn("tcp_write_error", "error", wrap)
				return false
			}
			metrics.AddHostTx(n)
			s.stats.framesOut.Add(uint64(n))
			return true
		}
		for {
			select {
			case hf := <-sess.client.Out:
				batch = append(batch, hf)
				if len(batch) >= s.batchSize && !flush() {
					return
				}
			case <-t.C:
				if !flush() {
					return
				}
			case <-sess.client.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}
