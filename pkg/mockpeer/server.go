// Package mockpeer implements a minimal concurrent framed-protocol server:
// it accepts connections, decodes length-prefixed query frames, hands the
// query document to a registered handler, and writes the handler's reply
// back with the original request id as responseTo. It exists to exercise
// peer probers over real sockets.
package mockpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zerc/peermon/pkg/metrics"
	"github.com/zerc/peermon/pkg/wire"
)

// ErrStopTimeout is returned by Stop when the accept loop or a connection
// worker fails to observe the stop flag within the configured bound.
var ErrStopTimeout = errors.New("mockpeer: server did not stop in time")

// errStopping aborts a blocked read when the server is shutting down.
var errStopping = errors.New("mockpeer: server stopping")

// Handler is invoked once per decoded query frame with the operation code
// and the primary document, and returns the reply document. Each connection
// runs in its own goroutine, so handlers must be safe for concurrent calls.
type Handler func(op wire.OpCode, query bson.Raw) (any, error)

// IsMasterHandler replies to every query as a healthy standalone peer.
func IsMasterHandler() Handler {
	return func(op wire.OpCode, query bson.Raw) (any, error) {
		return bson.D{{Key: "ismaster", Value: true}, {Key: "ok", Value: 1}}, nil
	}
}

// Config provides dependencies and tunables for a Server. Handler is
// required; Validate fills in the rest.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Handler Handler

	// Addr is the listen address; the default binds an ephemeral port on
	// loopback, reported by Addr() after Run.
	Addr string

	// AcceptTimeout bounds each Accept so the stop flag is observed within
	// one timeout's latency.
	AcceptTimeout time.Duration

	// ReadTimeout is the granularity at which a blocked read rechecks the
	// stop flag before retrying.
	ReadTimeout time.Duration

	// StopTimeout bounds Stop's wait for loop and worker shutdown.
	StopTimeout time.Duration
}

// Validate verifies required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Handler == nil {
		return errors.New("handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 100 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return nil
}

// Server is the mock peer. Create with New, start with Run, shut down with
// Stop.
type Server struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	listener   *net.TCPListener
	stopped    atomic.Bool
	acceptDone chan struct{}
	conns      sync.WaitGroup
	replyID    atomic.Int32
}

// New constructs a Server after validating the config.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mockpeer: error validating config: %w", err)
	}
	return &Server{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Run binds the listener and starts the accept loop in the background.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mockpeer: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = l.(*net.TCPListener)
	s.acceptDone = make(chan struct{})
	go s.acceptLoop()
	s.log.Debug("mockpeer: listening", "addr", s.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Stop sets the stop flag and waits, bounded by StopTimeout, for the
// accept loop and every connection worker to exit, then closes the
// listener. Exceeding the bound returns ErrStopTimeout: a goroutine would
// outlive its owner.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	select {
	case <-s.acceptDone:
	case <-s.clock.After(s.cfg.StopTimeout):
		return fmt.Errorf("%w: accept loop still running after %s", ErrStopTimeout, s.cfg.StopTimeout)
	}
	closeErr := s.listener.Close()

	// Workers recheck the stop flag within one ReadTimeout.
	workersDone := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-s.clock.After(s.cfg.StopTimeout):
		return fmt.Errorf("%w: connection workers still running after %s", ErrStopTimeout, s.cfg.StopTimeout)
	}

	s.log.Debug("mockpeer: stopped")
	return closeErr
}

// acceptLoop accepts connections until the stop flag is set, rechecking it
// every AcceptTimeout, and spawns one worker per connection.
func (s *Server) acceptLoop() {
	defer close(s.acceptDone)

	for !s.stopped.Load() {
		if err := s.listener.SetDeadline(s.clock.Now().Add(s.cfg.AcceptTimeout)); err != nil {
			s.log.Error("mockpeer: failed to set accept deadline", "error", err)
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.PeerErrors.WithLabelValues("accept").Inc()
			s.log.Error("mockpeer: accept failed", "error", err)
			continue
		}

		metrics.PeerConnections.Inc()
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn replies to request frames until the connection ends or a
// protocol error occurs. A peer that resets or closes the connection ends
// the worker silently; anything else is logged.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		if err := s.serveOne(conn); err != nil {
			if peerGone(err) || errors.Is(err, errStopping) {
				return
			}
			metrics.PeerErrors.WithLabelValues("connection").Inc()
			s.log.Error("mockpeer: connection worker error", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

// serveOne reads one frame, dispatches it, and writes the reply.
func (s *Server) serveOne(conn net.Conn) error {
	var hb [wire.HeaderSize]byte
	if err := s.receive(conn, hb[:]); err != nil {
		return err
	}
	h, err := wire.ParseHeader(hb[:])
	if err != nil {
		return err
	}
	payload := make([]byte, h.Length-wire.HeaderSize)
	if err := s.receive(conn, payload); err != nil {
		return err
	}

	// Only query frames are valid here; anything else violates the
	// protocol and is surfaced rather than skipped.
	if h.OpCode != wire.OpQuery {
		metrics.PeerErrors.WithLabelValues("unknown_opcode").Inc()
		return fmt.Errorf("mockpeer: unexpected opcode %s", h.OpCode)
	}
	metrics.PeerFrames.WithLabelValues(h.OpCode.String()).Inc()

	q, err := wire.ParseQuery(payload)
	if err != nil {
		return err
	}

	doc, err := s.cfg.Handler(h.OpCode, q.Doc)
	if err != nil {
		return fmt.Errorf("mockpeer: handler failed: %w", err)
	}

	frame, err := wire.MarshalReply(s.replyID.Add(1), h.RequestID, doc)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(s.clock.Now().Add(s.cfg.StopTimeout)); err != nil {
		return fmt.Errorf("mockpeer: set write deadline: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("mockpeer: write reply: %w", err)
	}
	return nil
}

// receive fills buf, retrying deadline-expired reads so a blocked worker
// observes the stop flag within one ReadTimeout.
func (s *Server) receive(conn net.Conn, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := conn.SetReadDeadline(s.clock.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("mockpeer: set read deadline: %w", err)
		}
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if s.stopped.Load() {
					return errStopping
				}
				continue
			}
			return err
		}
	}
	return nil
}

// peerGone reports whether err means the remote side went away in an
// ordinary fashion.
func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
