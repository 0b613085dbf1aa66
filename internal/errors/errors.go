// Package errors provides domain-specific error types for echorelay.
//
// These types carry structured context (failure kind, operation,
// address, retryability) so callers can tell a failed bind from a
// dropped peer without string matching.  Every kind has a sentinel
// that matches through [errors.Is]:
//
//	if errors.Is(err, relayerr.ErrBind) { os.Exit(1) }
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrBind    = errors.New("bind failed")
	ErrAccept  = errors.New("accept failed")
	ErrConnIO  = errors.New("connection i/o failed")
	ErrConnect = errors.New("connect failed")
	ErrSend    = errors.New("send failed")

	ErrServerClosed    = errors.New("server closed")
	ErrSessionClosed   = errors.New("session is closed")
	ErrNotConnected    = errors.New("not connected")
	ErrNoGreeting      = errors.New("peer closed before sending a greeting")
	ErrPayloadTooLarge = errors.New("payload exceeds chunk size")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Kinds ────────────────────────────────────────────────────────────

// Kind classifies a [NetworkError] by where in the relay it happened.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBind: the listening socket could not be established.
	KindBind
	// KindAccept: a single accept attempt failed.
	KindAccept
	// KindConnIO: read or write on an established server connection.
	KindConnIO
	// KindConnect: the client could not open a session.
	KindConnect
	// KindSend: a client round trip failed.
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindAccept:
		return "accept"
	case KindConnIO:
		return "conn-io"
	case KindConnect:
		return "connect"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindBind:
		return ErrBind
	case KindAccept:
		return ErrAccept
	case KindConnIO:
		return ErrConnIO
	case KindConnect:
		return ErrConnect
	case KindSend:
		return ErrSend
	}
	return nil
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Kind      Kind
	Op        string // operation: "listen", "accept", "read", "write", "dial"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so
// errors.Is(err, ErrBind) holds for every bind failure.
func (e *NetworkError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates an unclassified NetworkError, automatically detecting
// retryability from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return newNetworkError(KindUnknown, op, addr, err)
}

// Bind reports that the listening socket on addr could not be created.
func Bind(addr string, err error) *NetworkError {
	return newNetworkError(KindBind, "listen", addr, err)
}

// Accept reports a single failed accept on the listener at addr.
func Accept(addr string, err error) *NetworkError {
	return newNetworkError(KindAccept, "accept", addr, err)
}

// ConnIO reports a read or write failure on a server-side connection.
func ConnIO(op, addr string, err error) *NetworkError {
	return newNetworkError(KindConnIO, op, addr, err)
}

// Connect reports that a client session to addr could not be opened.
func Connect(op, addr string, err error) *NetworkError {
	return newNetworkError(KindConnect, op, addr, err)
}

// Send reports a failed client round trip.
func Send(op, addr string, err error) *NetworkError {
	return newNetworkError(KindSend, op, addr, err)
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

func newNetworkError(kind Kind, op, addr string, err error) *NetworkError {
	return &NetworkError{
		Kind:      kind,
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsClosed reports whether err means the server, session, or
// underlying socket was closed on purpose.
func IsClosed(err error) bool {
	return errors.Is(err, ErrServerClosed) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, net.ErrClosed)
}

// KindOf returns the kind of the first NetworkError in err's chain.
func KindOf(err error) Kind {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return KindUnknown
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-export ────────────────────────────────────────────────────────

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
