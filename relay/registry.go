package relay

import (
	"net"
	"sort"
	"sync"
	"time"
)

// ConnState is the lifecycle position of one accepted connection.
// States only move forward; nothing leaves StateClosed.
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateGreeted
	StateEchoing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateGreeted:
		return "greeted"
	case StateEchoing:
		return "echoing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says how a connection reached StateClosed.
type CloseReason int32

const (
	// CloseNone means the connection is still open.
	CloseNone CloseReason = iota
	// CloseNormal means the peer disconnected or the server shut down.
	CloseNormal
	// CloseError means the connection ended on an I/O error (idle
	// timeouts and forced closes included).
	CloseError
)

func (r CloseReason) String() string {
	switch r {
	case CloseNone:
		return "open"
	case CloseNormal:
		return "normal"
	case CloseError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnInfo is a point-in-time view of one live connection.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	State      ConnState
	Reason     CloseReason
	BytesIn    int64
	BytesOut   int64
	Started    time.Time
}

// registry tracks live handlers so Shutdown can signal and await them.
// Once closed it refuses new handlers, which keeps wg.Add from racing
// with wg.Wait.
type registry struct {
	mu     sync.Mutex
	conns  map[string]*handler
	closed bool
	wg     sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*handler)}
}

// add registers h and reports false if the registry is already closed.
func (r *registry) add(h *handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[h.id] = h
	r.wg.Add(1)
	return true
}

func (r *registry) remove(h *handler) {
	r.mu.Lock()
	if _, ok := r.conns[h.id]; ok {
		delete(r.conns, h.id)
		r.wg.Done()
	}
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// snapshot returns the live connections, oldest first.
func (r *registry) snapshot() []ConnInfo {
	r.mu.Lock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, h := range r.conns {
		out = append(out, h.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// close stops further registrations.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// signal expires the read deadline of every live connection so blocked
// reads return.  Writes already in progress are not interrupted.
func (r *registry) signal() {
	r.each(func(h *handler) {
		h.conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
}

// forceClose closes every remaining connection and returns how many
// there were.
func (r *registry) forceClose() int {
	n := 0
	r.each(func(h *handler) {
		h.forced.Store(true)
		h.close()
		n++
	})
	return n
}

func (r *registry) each(fn func(h *handler)) {
	r.mu.Lock()
	hs := make([]*handler, 0, len(r.conns))
	for _, h := range r.conns {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		fn(h)
	}
}

// idle returns a channel closed once every registered handler has
// exited.
func (r *registry) idle() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(ch)
	}()
	return ch
}

func remoteString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
