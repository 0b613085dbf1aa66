// Package config defines the runtime configuration for echorelay and
// provides helpers for parsing tunnel specifications and ports.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	relayerr "echorelay/internal/errors"
	"echorelay/util"
)

// Config holds every tuneable for a single echorelay run.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host      string // bind host (-l) or target host
	Port      int    // bind port (-l, 0 = ephemeral) or target port
	Listen    bool
	LocalPort int // connect mode: source port (0 = ephemeral)
	Timeout   time.Duration
	Retries   int

	// ── Relay ────────────────────────────────────────────────────────
	ChunkSize   int
	Greeting    string
	MaxConns    int           // 0 = unlimited
	IdleTimeout time.Duration // 0 = none
	GracePeriod time.Duration

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int
	ConfigPath string
	DryRun     bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		Timeout:     DefaultConnTimeout,
		ChunkSize:   DefaultChunkSize,
		Greeting:    DefaultGreeting,
		GracePeriod: DefaultGracePeriod,
		Verbose:     1,
	}
}

// Addr returns Host:Port.
func (c *Config) Addr() string {
	return util.FormatAddr(c.Host, c.Port)
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port.  allowZero permits the ephemeral
// port 0, which only makes sense for a listener.
func ParsePort(spec string, allowZero bool) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	lo := 1
	if allowZero {
		lo = 0
	}
	if port < lo || port > 65535 {
		return 0, fmt.Errorf("port %d out of range %d-65535", port, lo)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec (if set) into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &relayerr.ConfigError{
			Field:   "host",
			Message: "host is required",
			Hint:    "pass a host positional argument or set ECHORELAY_HOST",
		}
	}

	if c.Listen {
		if c.Port < 0 || c.Port > 65535 {
			return &relayerr.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: "out of range 0-65535",
				Hint:    "use 0 to let the kernel pick an ephemeral port",
			}
		}
		if c.TunnelEnabled {
			return &relayerr.ConfigError{
				Field:   "tunnel",
				Message: "listen mode through an SSH tunnel is not supported",
				Hint:    "run the server on the gateway side instead",
			}
		}
		if c.LocalPort != 0 {
			return &relayerr.ConfigError{
				Field:   "source-port",
				Value:   c.LocalPort,
				Message: "only valid in connect mode",
			}
		}
	} else {
		if c.Port < 1 || c.Port > 65535 {
			return &relayerr.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: "out of range 1-65535",
				Hint:    "connect mode needs the server's real port",
			}
		}
		if c.LocalPort < 0 || c.LocalPort > 65535 {
			return &relayerr.ConfigError{
				Field:   "source-port",
				Value:   c.LocalPort,
				Message: "out of range 0-65535",
			}
		}
	}

	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return &relayerr.ConfigError{
			Field:   "chunk-size",
			Value:   c.ChunkSize,
			Message: fmt.Sprintf("must be between 1 and %d", MaxChunkSize),
			Hint:    fmt.Sprintf("client and server must use the same value (default %d)", DefaultChunkSize),
		}
	}
	if c.Greeting == "" {
		return &relayerr.ConfigError{
			Field:   "greeting",
			Message: "must not be empty",
			Hint:    "clients treat an absent greeting as a failed connection",
		}
	}
	if len(c.Greeting) > c.ChunkSize {
		return &relayerr.ConfigError{
			Field:   "greeting",
			Value:   c.Greeting,
			Message: "longer than chunk-size",
			Hint:    "clients read the greeting in a single chunk",
		}
	}
	if c.MaxConns < 0 {
		return &relayerr.ConfigError{
			Field:   "max-conns",
			Value:   c.MaxConns,
			Message: "must not be negative",
			Hint:    "use 0 for unlimited",
		}
	}
	if c.Retries < 0 {
		return &relayerr.ConfigError{
			Field:   "retries",
			Value:   c.Retries,
			Message: "must not be negative",
		}
	}
	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"timeout", c.Timeout},
		{"idle-timeout", c.IdleTimeout},
		{"grace", c.GracePeriod},
	} {
		if d.v < 0 {
			return &relayerr.ConfigError{
				Field:   d.field,
				Value:   d.v,
				Message: "must not be negative",
			}
		}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &relayerr.ConfigError{
			Field:   "tunnel",
			Message: "tunnel host is required",
		}
	}

	return nil
}
