package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultHost is the bind address in listen mode and the target in
	// connect mode.
	DefaultHost = "localhost"

	// DefaultPort is the relay's well-known TCP port.
	DefaultPort = 9999

	// DefaultChunkSize is the largest single read performed by either
	// side.  Client and server must agree on it for one write on the
	// client to come back as one read.
	DefaultChunkSize = 2048

	// MaxChunkSize bounds --chunk-size.
	MaxChunkSize = 64 * 1024

	// DefaultGreeting is sent by the server right after accept.
	DefaultGreeting = "Connected"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for live handlers
	// before force-closing their connections.
	DefaultGracePeriod = 5 * time.Second

	// DefaultRetryDelay is the first backoff step between connect
	// attempts when --retries is set.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxRetryDelay caps the exponential backoff between
	// connect attempts.
	DefaultMaxRetryDelay = 10 * time.Second
)
