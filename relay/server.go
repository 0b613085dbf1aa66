// Package relay implements the echo relay: a server that greets every
// connection and echoes each chunk it reads, and a blocking client
// session that sends a payload and waits for the echo.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"echorelay/config"
	relayerr "echorelay/internal/errors"
	"echorelay/internal/metrics"
	"echorelay/util"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ServerConfig configures a [Server].  Zero fields take the defaults
// from the config package.
type ServerConfig struct {
	Addr        string
	ChunkSize   int
	Greeting    string
	MaxConns    int           // 0 = unlimited
	IdleTimeout time.Duration // 0 = none
	GracePeriod time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = util.FormatAddr(config.DefaultHost, config.DefaultPort)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = config.DefaultChunkSize
	}
	if c.Greeting == "" {
		c.Greeting = config.DefaultGreeting
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = config.DefaultGracePeriod
	}
	return c
}

// Server accepts connections and runs one handler goroutine for each.
type Server struct {
	cfg      ServerConfig
	greeting []byte
	logger   *util.Logger
	metrics  *metrics.Collector

	mu        sync.Mutex
	ln        net.Listener
	quit      chan struct{}
	quitOnce  sync.Once
	loopDone  chan struct{}
	ready     chan struct{} // closed once the accept loop starts
	serveOnce atomic.Bool

	shuttingDown atomic.Bool
	reg          *registry
	slots        chan struct{}
}

// NewServer returns a Server that is not yet listening.  A nil logger
// discards everything but errors; a nil collector records nothing.
func NewServer(cfg ServerConfig, logger *util.Logger, m *metrics.Collector) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = util.NewLogger(int(util.LogQuiet))
	}
	s := &Server{
		cfg:      cfg,
		greeting: []byte(cfg.Greeting),
		logger:   logger,
		metrics:  m,
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
		reg:      newRegistry(),
	}
	if cfg.MaxConns > 0 {
		s.slots = make(chan struct{}, cfg.MaxConns)
	}
	return s
}

// Listen binds the configured address and records the listener, so
// Addr reports it straight away.  A failure is a bind error.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, relayerr.Bind(s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

// Start binds the configured address and serves on it until Shutdown
// or ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln and takes ownership of it.  Accept
// failures are logged, counted and retried after a short growing
// delay.  Serve returns [relayerr.ErrServerClosed] once Shutdown is
// called or ctx is cancelled; cancelling ctx only stops accepting, so
// live connections keep running until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.serveOnce.CompareAndSwap(false, true) {
		ln.Close()
		return errors.New("relay: Serve called more than once")
	}
	defer close(s.loopDone)

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		ln.Close()
		return relayerr.ErrServerClosed
	default:
	}
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	addr := ln.Addr().String()
	s.logger.Info("listening on %s", addr)

	var delay time.Duration
	for {
		if !s.acquire() {
			return relayerr.ErrServerClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if s.stopped() {
				return relayerr.ErrServerClosed
			}
			aerr := relayerr.Accept(addr, err)
			if relayerr.IsClosed(err) {
				s.logger.Error("listener closed underneath the server: %v", aerr)
				return aerr
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.metrics.AcceptError(aerr.Error())
			if relayerr.IsRetryable(aerr) {
				s.logger.Warn("%v; retrying in %v", aerr, delay)
			} else {
				s.logger.Error("%v; retrying in %v", aerr, delay)
			}

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-s.quit:
				t.Stop()
				return relayerr.ErrServerClosed
			}
			continue
		}
		delay = 0
		s.startHandler(conn)
	}
}

// acquire reserves a connection slot when MaxConns is set, blocking
// until one frees up.  It reports false if the server stops first.
func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) startHandler(conn net.Conn) {
	h := newHandler(s, uuid.NewString(), conn)
	if !s.reg.add(h) {
		conn.Close()
		s.release()
		return
	}
	s.metrics.ConnectionOpened()

	go func() {
		defer s.release()
		h.serve()
	}()
}

func (s *Server) stopped() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// stopAccepting ends the accept loop and closes the listening socket.
func (s *Server) stopAccepting() {
	s.quitOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		if s.ln != nil {
			if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("closing listener: %v", err)
			}
		}
		s.mu.Unlock()
	})
}

// Shutdown stops accepting, closes the listener and asks every live
// handler to finish by expiring its read deadline.  It then waits for
// the handlers to exit, up to the grace period or until ctx is done,
// and force-closes whatever is left.  It is safe to call more than
// once.  The returned error is ctx.Err() if ctx ended the wait.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.stopAccepting()
	if s.serveOnce.Load() {
		<-s.loopDone
	}

	s.reg.close()
	live := s.reg.len()
	if live > 0 {
		s.logger.Verbose("shutdown: signalling %d connection(s)", live)
	}
	s.reg.signal()

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	var err error
	select {
	case <-s.reg.idle():
		return nil
	case <-grace.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if n := s.reg.forceClose(); n > 0 {
		s.logger.Warn("shutdown: force-closed %d connection(s)", n)
	}
	<-s.reg.idle()
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveConnections returns the number of live handlers.
func (s *Server) ActiveConnections() int {
	return s.reg.len()
}

// Connections returns a snapshot of every live connection, oldest
// first.
func (s *Server) Connections() []ConnInfo {
	return s.reg.snapshot()
}
