package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"rangemaster/pkg/config"
	"rangemaster/pkg/mastererr"
	"rangemaster/pkg/metrics"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	writeTimeout           = 10 * time.Second
)

type job struct {
	req  *Request
	conn *serverConn
}

// Server accepts range server connections. Each connection has a reader
// goroutine; requests go to a fixed pool of workers so one slow request
// never holds up a connection's later frames.
type Server struct {
	cfg      config.WireConfig
	handlers map[uint32]Handler
	log      *slog.Logger
	metrics  metrics.Collector

	ln     net.Listener
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc

	connWG   sync.WaitGroup
	workerWG sync.WaitGroup

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type serverConn struct {
	net.Conn
	peer string

	wmu sync.Mutex
}

func (c *serverConn) send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WriteFrame(c.Conn, f)
}

func NewServer(cfg config.WireConfig, log *slog.Logger, m metrics.Collector) *Server {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Server{
		cfg:      cfg,
		handlers: make(map[uint32]Handler),
		log:      log.With("component", "wire"),
		metrics:  m,
		conns:    make(map[*serverConn]struct{}),
	}
}

// Handle registers h for command. Call before Start.
func (s *Server) Handle(command uint32, h Handler) {
	s.handlers[command] = h
}

// Addr is the bound listen address, useful with port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.serve(ctx, ln)
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	workers := max(s.cfg.Workers, 1)
	s.jobs = make(chan job, workers)
	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}

	s.connWG.Add(1)
	go s.acceptLoop()

	s.log.Info("wire server started", "addr", ln.Addr().String(), "workers", workers)
}

// Stop closes the listener and all connections, then waits for in-flight
// requests to finish.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.connWG.Wait()
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		return fmt.Errorf("wire server: workers still busy after %s", defaultShutdownTimeout)
	}

	s.log.Info("wire server stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.connWG.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		sc := &serverConn{Conn: conn, peer: conn.RemoteAddr().String()}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.connWG.Add(1)
		go s.readLoop(sc)
	}
}

func (s *Server) readLoop(c *serverConn) {
	defer s.connWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	s.log.Debug("connection opened", "peer", c.peer)
	for {
		f, err := ReadFrame(c, s.cfg.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
				s.log.Debug("connection closed", "peer", c.peer)
			default:
				s.log.Warn("dropping connection", "peer", c.peer, "error", err)
			}
			return
		}

		select {
		case s.jobs <- job{req: &Request{Frame: f, Peer: c.peer}, conn: c}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) worker() {
	defer s.workerWG.Done()
	for j := range s.jobs {
		s.dispatch(j)
	}
}

func (s *Server) dispatch(j job) {
	start := time.Now()
	cb := newResponseCallback(j.req, j.conn.send, s.log)
	cmd := commandName(j.req.Command)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "command", cmd, "peer", j.req.Peer,
				"panic", r, "stack", string(debug.Stack()))
			_ = cb.Error(mastererr.Internal, fmt.Sprintf("internal error handling %s", cmd))
		}
		if _, ok := cb.Responded(); !ok {
			_ = cb.Error(mastererr.Internal, fmt.Sprintf("no response to %s", cmd))
		}

		code, _ := cb.Responded()
		labels := map[string]string{"command": cmd, "code": strconv.Itoa(int(code.Code()))}
		s.metrics.IncCounter("rangemaster_wire_requests_total", labels, 1)
		s.metrics.ObserveHistogram("rangemaster_wire_request_seconds", map[string]string{"command": cmd}, time.Since(start).Seconds())
	}()

	h, ok := s.handlers[j.req.Command]
	if !ok {
		s.log.Warn("unknown command", "command", j.req.Command, "peer", j.req.Peer)
		_ = cb.Error(mastererr.InvalidArgument, fmt.Sprintf("unsupported command %d", j.req.Command))
		return
	}
	h.Handle(s.ctx, j.req, cb)
}
