package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"echorelay/config"
	relayerr "echorelay/internal/errors"
	"echorelay/internal/metrics"
	"echorelay/internal/transport"
	"echorelay/util"
)

// SessionConfig configures a client [Session].
type SessionConfig struct {
	// ChunkSize bounds every read, and therefore the largest payload a
	// single Send can carry.  Default 2048; must match the server.
	ChunkSize int
	// Timeout bounds each dial, greeting read and send round trip.
	// Zero means no limit beyond ctx.
	Timeout time.Duration
	// Metrics, if set, records bytes and errors for this session.
	Metrics *metrics.Collector
}

// Session is one open client connection.  Sends are serialized.
type Session struct {
	conn     net.Conn
	addr     string
	cfg      SessionConfig
	greeting string
	log      *util.Logger

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// aLongTimeAgo is a deadline that has always passed.
var aLongTimeAgo = time.Unix(1, 0) //nolint:gochecknoglobals

// Connect dials addr and performs exactly one read for the greeting.
// A nil dialer dials plain TCP.  Any failure, including a peer that
// closes without greeting, is a connect error and no Session is
// returned.
func Connect(ctx context.Context, dialer transport.Dialer, addr string, cfg SessionConfig, logger *util.Logger) (*Session, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if logger == nil {
		logger = util.NewLogger(int(util.LogQuiet))
	}
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: cfg.Timeout}
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	conn, err := dialer.Dial(dialCtx, "tcp", addr)
	if err != nil {
		cfg.Metrics.RecordError(err.Error())
		return nil, relayerr.Connect("dial", addr, err)
	}

	s := &Session{
		conn: conn,
		addr: addr,
		cfg:  cfg,
		log:  logger.With("server", addr),
		buf:  make([]byte, cfg.ChunkSize),
	}

	p, err := s.readOnce(ctx)
	if errors.Is(err, io.EOF) || (err == nil && len(p) == 0) {
		err = relayerr.ErrNoGreeting
	}
	if err != nil {
		conn.Close()
		cfg.Metrics.RecordError(err.Error())
		return nil, relayerr.Connect("greeting", addr, err)
	}

	s.greeting = string(p)
	cfg.Metrics.ConnectionOpened()
	s.log.Verbose("connected, greeting %q", s.greeting)
	return s, nil
}

// Greeting returns what the server sent on connect.
func (s *Session) Greeting() string { return s.greeting }

// LocalAddr returns the client side of the connection.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Send writes payload and performs exactly one read for the reply.  An
// empty payload returns an empty reply without touching the network.
// A payload larger than ChunkSize is rejected, since one read could not
// return all of its echo.  Failures leave the session open; the caller
// decides whether to Close.
func (s *Session) Send(ctx context.Context, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, relayerr.Send("send", s.addr, relayerr.ErrSessionClosed)
	}
	if len(payload) == 0 {
		return []byte{}, nil
	}
	if len(payload) > s.cfg.ChunkSize {
		return nil, relayerr.Send("send", s.addr,
			fmt.Errorf("%w: %d > %d bytes", relayerr.ErrPayloadTooLarge, len(payload), s.cfg.ChunkSize))
	}

	disarm := s.arm(ctx)
	_, err := s.conn.Write(payload)
	if err = disarm(err); err != nil {
		s.cfg.Metrics.RecordError(err.Error())
		return nil, relayerr.Send("write", s.addr, err)
	}
	s.cfg.Metrics.BytesSent(int64(len(payload)))
	s.log.Debug("sent %d bytes", len(payload))

	reply, err := s.readOnce(ctx)
	if err != nil {
		s.cfg.Metrics.RecordError(err.Error())
		return nil, relayerr.Send("read", s.addr, err)
	}
	s.log.Debug("received %d bytes", len(reply))
	return reply, nil
}

// SendString is [Session.Send] for text.
func (s *Session) SendString(ctx context.Context, msg string) (string, error) {
	reply, err := s.Send(ctx, []byte(msg))
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Close closes the connection.  Later sends fail with
// [relayerr.ErrSessionClosed].  Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cfg.Metrics.ConnectionClosed(true)
	s.log.Verbose("session closed")
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return relayerr.ConnIO("close", s.addr, err)
	}
	return nil
}

// readOnce performs a single read of at most ChunkSize bytes and
// returns a copy of what arrived.
func (s *Session) readOnce(ctx context.Context) ([]byte, error) {
	disarm := s.arm(ctx)
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		// Data that arrived alongside EOF still counts as the reply.
		err = nil
	}
	if err = disarm(err); err != nil {
		return nil, err
	}
	s.cfg.Metrics.BytesReceived(int64(n))
	return append([]byte(nil), s.buf[:n]...), nil
}

// arm sets the connection deadline from Timeout and ctx, and makes ctx
// cancellation interrupt blocked I/O.  The returned func must be called
// with the I/O error; it maps deadline and cancellation failures onto
// ctx.Err() or ErrTimeout.
func (s *Session) arm(ctx context.Context) func(error) error {
	var deadline time.Time
	if s.cfg.Timeout > 0 {
		deadline = time.Now().Add(s.cfg.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	s.conn.SetDeadline(deadline) //nolint:errcheck

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(aLongTimeAgo) //nolint:errcheck
		close(fired)
	})
	return func(err error) error {
		if !stop() {
			// The callback already started; let it finish so its
			// deadline cannot land on the next operation.
			<-fired
		}
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errors.Join(cerr, err)
		}
		if util.IsTimeout(err) {
			return errors.Join(relayerr.ErrTimeout, err)
		}
		return err
	}
}
