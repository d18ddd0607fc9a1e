// Package server carries the gs_usb host frame stream over TCP for hosts
// that reach the gateway over the network instead of USB.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

// HostFramesFunc handles one batch of host frames read from a session.
// gateway.Gateway.HandleHostFrames implements it.
type HostFramesFunc func(c *hub.Client, frames []gsusb.HostFrame)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
	acceptRetryDelay        = 200 * time.Millisecond
	keepAlivePeriod         = 30 * time.Second
)

// Server owns the TCP listener and the sessions it accepted. Each
// connection carries the same 20-byte host frame stream as the USB bulk
// endpoints, after a 12-byte hello exchange.
type Server struct {
	Hub     *hub.Hub
	Handler HostFramesFunc
	codec   gsusb.Codec

	mu        sync.RWMutex
	addr      string
	listener  net.Listener
	readyCh   chan struct{}
	readyOnce sync.Once

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	sessMu   sync.Mutex
	sessions map[*hub.Client]*session
	wg       sync.WaitGroup
	nextID   atomic.Uint64
	stats    counters
}

// session is one accepted connection and its hub client.
type session struct {
	id     uint64
	conn   net.Conn
	client *hub.Client
	logger *slog.Logger
}

type counters struct {
	accepted, handshakeFail, rejected atomic.Uint64
	connected, disconnected           atomic.Uint64
	framesIn, framesOut               atomic.Uint64
}

// Stats is a snapshot of the server's lifetime counters.
type Stats struct {
	Accepted      uint64
	HandshakeFail uint64
	Rejected      uint64
	Connected     uint64
	Disconnected  uint64
	FramesIn      uint64
	FramesOut     uint64
	Active        int
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		sessions:         make(map[*hub.Client]*session),
		logger:           logging.Component("tcp"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption       { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption           { return func(s *Server) { s.Hub = hb } }
func WithHandler(fn HostFramesFunc) ServerOption { return func(s *Server) { s.Handler = fn } }

// WithFlushInterval bounds how long outbound frames wait for a batch to
// fill.
func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReadDeadline sets the idle timeout of a connection. It also bounds
// each write.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients limits concurrent sessions; 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr is the configured address until Serve binds, then the bound one.
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

func (s *Server) Stats() Stats {
	s.sessMu.Lock()
	active := len(s.sessions)
	s.sessMu.Unlock()
	return Stats{
		Accepted:      s.stats.accepted.Load(),
		HandshakeFail: s.stats.handshakeFail.Load(),
		Rejected:      s.stats.rejected.Load(),
		Connected:     s.stats.connected.Load(),
		Disconnected:  s.stats.disconnected.Load(),
		FramesIn:      s.stats.framesIn.Load(),
		FramesOut:     s.stats.framesOut.Load(),
		Active:        active,
	}
}

// Serve binds the listener and accepts sessions until ctx is done. It
// returns nil on cancellation and an error if the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String(), "hello", Hello)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.open(ctx, conn)
		}()
	}
}

// open runs the hello exchange off the accept loop so a slow peer cannot
// hold up other clients, then registers the session.
func (s *Server) open(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	logger := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.stats.handshakeFail.Add(1)
		metrics.IncError(mapErrToMetric(err))
		logger.Warn("handshake_failed", "error", err)
		_ = conn.Close()
		return
	}
	sess, ok := s.register(id, conn, logger)
	if !ok {
		s.stats.rejected.Add(1)
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	s.stats.connected.Add(1)
	logger.Info("client_connected", "client", sess.client.Name)
	s.startWriter(ctx.Done(), sess)
	s.startReader(ctx.Done(), sess)
}

// register adds a session unless the client limit is reached.
func (s *Server) register(id uint64, conn net.Conn, logger *slog.Logger) (*session, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.maxClients > 0 && len(s.sessions) >= s.maxClients {
		return nil, false
	}
	buf := defaultClientBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		buf = s.Hub.OutBufSize
	}
	sess := &session{id: id, conn: conn, client: hub.NewClient(fmt.Sprintf("tcp-%d", id), buf), logger: logger}
	s.sessions[sess.client] = sess
	if s.Hub != nil {
		s.Hub.Add(sess.client)
	}
	return sess, true
}

// unregister drops the session from the server and the hub. It reports
// whether the session was still registered.
func (s *Server) unregister(sess *session) bool {
	s.sessMu.Lock()
	_, ok := s.sessions[sess.client]
	delete(s.sessions, sess.client)
	s.sessMu.Unlock()
	if s.Hub != nil {
		s.Hub.Remove(sess.client)
	}
	return ok
}

func (s *Server) fail(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.logger.Error("tcp_server_error", "error", err)
	return err
}

// Shutdown closes the listener and every session, then waits for the
// session goroutines or ctx. Session writers unregister themselves.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.sessMu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range open {
		sess.client.Close()
		_ = sess.conn.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary", "accepted", st.Accepted, "handshake_fail", st.HandshakeFail, "rejected", st.Rejected, "connected", st.Connected, "disconnected", st.Disconnected, "frames_in", st.FramesIn, "frames_out", st.FramesOut)
		return nil
	}
}
