package relay

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	relayerr "echorelay/internal/errors"
	"echorelay/util"
)

// handler owns one accepted connection from greeting to close.
type handler struct {
	id      string
	conn    net.Conn
	srv     *Server
	log     *util.Logger
	started time.Time

	state    atomic.Int32
	reason   atomic.Int32
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	forced   atomic.Bool

	closeOnce sync.Once
}

func newHandler(srv *Server, id string, conn net.Conn) *handler {
	return &handler{
		id:      id,
		conn:    conn,
		srv:     srv,
		log:     srv.logger.With("conn", id[:8]).With("peer", remoteString(conn.RemoteAddr())),
		started: time.Now(),
	}
}

func (h *handler) info() ConnInfo {
	return ConnInfo{
		ID:         h.id,
		RemoteAddr: remoteString(h.conn.RemoteAddr()),
		State:      ConnState(h.state.Load()),
		Reason:     CloseReason(h.reason.Load()),
		BytesIn:    h.bytesIn.Load(),
		BytesOut:   h.bytesOut.Load(),
		Started:    h.started,
	}
}

// advance moves the state forward.  It never leaves StateClosed.
func (h *handler) advance(to ConnState) {
	for {
		cur := h.state.Load()
		if ConnState(cur) >= to {
			return
		}
		if h.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func (h *handler) close() {
	h.closeOnce.Do(func() {
		h.conn.Close()
	})
}

// serve runs the greeting and echo loop.  Every exit path goes through
// finish, which closes the connection exactly once.
func (h *handler) serve() {
	defer h.srv.reg.remove(h)

	h.log.Info("connection accepted")

	if _, err := h.conn.Write(h.srv.greeting); err != nil {
		h.finish(err)
		return
	}
	h.srv.metrics.BytesSent(int64(len(h.srv.greeting)))
	h.bytesOut.Add(int64(len(h.srv.greeting)))
	h.advance(StateGreeted)

	buf := util.ChunkBuf(h.srv.cfg.ChunkSize)
	defer util.PutBuf(buf)

	for {
		if h.srv.cfg.IdleTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.IdleTimeout)) //nolint:errcheck
		}
		// Checked after arming the idle deadline so it cannot undo
		// the deadline Shutdown just set.
		if h.srv.shuttingDown.Load() {
			h.finish(nil)
			return
		}

		n, err := h.conn.Read(*buf)
		if n > 0 {
			if werr := h.echo((*buf)[:n]); werr != nil {
				h.finish(werr)
				return
			}
		}
		if err != nil {
			h.finish(err)
			return
		}
		if n == 0 {
			h.finish(io.EOF)
			return
		}
	}
}

// echo logs p and writes all of it back.
func (h *handler) echo(p []byte) error {
	h.advance(StateEchoing)
	h.bytesIn.Add(int64(len(p)))
	h.srv.metrics.BytesReceived(int64(len(p)))

	if utf8.Valid(p) {
		h.log.Info("received %d bytes: %s", len(p), p)
	} else {
		h.log.Info("received %d bytes: %q", len(p), p)
	}

	n, err := h.conn.Write(p)
	h.bytesOut.Add(int64(n))
	h.srv.metrics.BytesSent(int64(n))
	return err
}

// finish classifies why the loop ended, records it, and closes the
// connection.
func (h *handler) finish(err error) {
	reason, msg := h.classify(err)
	h.reason.Store(int32(reason))
	h.advance(StateClosed)
	h.close()

	h.srv.metrics.ConnectionClosed(reason == CloseNormal)
	if reason == CloseNormal {
		h.log.Info("connection closed: %s (in=%d out=%d)", msg, h.bytesIn.Load(), h.bytesOut.Load())
		return
	}
	if err == nil {
		err = net.ErrClosed
	}
	cerr := relayerr.ConnIO(msg, remoteString(h.conn.RemoteAddr()), err)
	h.srv.metrics.RecordError(cerr.Error())
	h.log.Warn("connection closed: %v", cerr)
}

func (h *handler) classify(err error) (CloseReason, string) {
	switch {
	case h.forced.Load():
		return CloseError, "forced close after grace period"
	case h.srv.shuttingDown.Load():
		return CloseNormal, "server shutting down"
	case err == nil:
		return CloseNormal, "closed"
	case util.IsTimeout(err):
		return CloseError, fmt.Sprintf("idle for %v", h.srv.cfg.IdleTimeout)
	case util.IsHarmless(err):
		return CloseNormal, "peer disconnected"
	default:
		return CloseError, "read/write"
	}
}
