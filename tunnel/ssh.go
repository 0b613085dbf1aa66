package tunnel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	relayerr "echorelay/internal/errors"
	"echorelay/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAliveInterval is how often a keepalive@openssh.com request is
	// sent.  Zero disables keepalives.
	KeepAliveInterval time.Duration
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with direct-tcpip channels.
type SSHTunnel struct {
	config *SSHConfig
	client *ssh.Client
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
	done   chan struct{}
}

// NewSSHTunnel creates a tunnel that is ready to [SSHTunnel.Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Addr returns the gateway address as host:port.
func (t *SSHTunnel) Addr() string {
	return util.FormatAddr(t.config.Host, t.config.Port)
}

// Connect dials the SSH gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	authMethods, err := BuildAuthMethods(t.config)
	if err != nil {
		return relayerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return relayerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	var hostKeyErr error
	sshCfg := &ssh.ClientConfig{
		User: t.config.User,
		Auth: authMethods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = hkCallback(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: t.config.ConnTimeout,
	}

	addr := t.Addr()
	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return relayerr.Connect("ssh dial", addr, err)
	}

	// The handshake has no context of its own; a cancelled ctx aborts
	// it by expiring the socket.
	stop := context.AfterFunc(ctx, func() {
		tcpConn.SetDeadline(time.Now()) //nolint:errcheck
	})
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		tcpConn.Close()
		return relayerr.WrapSSH("handshake", t.config.Host, t.config.Port, classifyHandshake(err, hostKeyErr))
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.monitor(client, done)
	if t.config.KeepAliveInterval > 0 {
		go t.keepaliveLoop(client, done)
	}

	t.logger.Verbose("SSH tunnel up: %s@%s", t.config.User, addr)
	return nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, relayerr.ErrNotConnected
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, relayerr.Connect("tunnel dial", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("SSH tunnel closed: %v", err)
	} else {
		t.logger.Debug("SSH tunnel closed")
	}
}

// keepaliveLoop sends periodic keepalive requests and closes the client
// once one fails, so the next Dial sees a dead tunnel.
func (t *SSHTunnel) keepaliveLoop(client *ssh.Client, done chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("SSH keepalive failed: %v", err)
				client.Close()
				return
			}
			t.logger.Debug("SSH keepalive OK")
		}
	}
}

// classifyHandshake maps x/crypto/ssh handshake failures onto the relay
// sentinels so callers can stop retrying.  hostKeyErr is whatever the
// host key callback returned, since the handshake error may not wrap it.
func classifyHandshake(err, hostKeyErr error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(hostKeyErr, &keyErr) || errors.As(err, &keyErr) {
		return errors.Join(relayerr.ErrHostKeyMismatch, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return errors.Join(relayerr.ErrAuthFailed, err)
	}
	return err
}
