package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"echorelay/tunnel"
	"echorelay/util"
)

// SSHDialer routes connections through an SSH tunnel.  The tunnel is
// connected lazily on the first Dial, re-established if it has died
// since, and torn down on Close.
type SSHDialer struct {
	tunnel    tunnel.Tunnel
	gateway   string
	logger    *util.Logger
	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	t := tunnel.NewSSHTunnel(cfg, logger)
	return newTunnelDialer(t, fmt.Sprintf("%s@%s", cfg.User, t.Addr()), logger)
}

func newTunnelDialer(t tunnel.Tunnel, gateway string, logger *util.Logger) *SSHDialer {
	return &SSHDialer{tunnel: t, gateway: gateway, logger: logger}
}

// connect establishes the SSH tunnel if it is not already up.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		if d.tunnel.IsAlive() {
			return nil
		}
		d.logger.Warn("SSH tunnel to %s dropped, reconnecting", d.gateway)
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
	}

	d.logger.Verbose("establishing SSH tunnel to %s", d.gateway)
	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	d.connected = true
	return nil
}

// Dial connects to address through the SSH tunnel.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "" {
		network = "tcp"
	}
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}

var (
	_ Dialer = (*TCPDialer)(nil)
	_ Dialer = (*SSHDialer)(nil)
)
