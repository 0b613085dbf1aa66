package core

import (
	"time"

	"echorelay/config"
	"echorelay/internal/metrics"
	"echorelay/internal/retry"
	"echorelay/internal/transport"
	"echorelay/relay"
	"echorelay/tunnel"
	"echorelay/util"
)

// keepAliveInterval is how often the client pings an SSH gateway.
const keepAliveInterval = 30 * time.Second

// Build constructs the Mode selected by cfg.  cfg is expected to have
// passed Validate.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.Listen {
		return buildListen(cfg, logger), nil
	}
	return buildConnect(cfg, logger), nil
}

// ── mode builders ────────────────────────────────────────────────────

func buildListen(cfg *config.Config, logger *util.Logger) *ListenMode {
	return &ListenMode{
		Server: relay.ServerConfig{
			Addr:        cfg.Addr(),
			ChunkSize:   cfg.ChunkSize,
			Greeting:    cfg.Greeting,
			MaxConns:    cfg.MaxConns,
			IdleTimeout: cfg.IdleTimeout,
			GracePeriod: cfg.GracePeriod,
		},
		Logger:  logger,
		Metrics: metrics.New(),
	}
}

func buildConnect(cfg *config.Config, logger *util.Logger) *ConnectMode {
	m := &ConnectMode{
		Dialer:  buildDialer(cfg, logger),
		Address: cfg.Addr(),
		Session: relay.SessionConfig{
			ChunkSize: cfg.ChunkSize,
			Timeout:   cfg.Timeout,
			Metrics:   metrics.New(),
		},
		Logger: logger,
	}
	if cfg.Retries > 0 {
		m.Backoff = retry.ForRetries(cfg.Retries, config.DefaultRetryDelay, config.DefaultMaxRetryDelay)
		m.Backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("attempt %d/%d failed: %v; retrying in %v",
				attempt, cfg.Retries+1, err, wait.Round(time.Millisecond))
		}
	}
	return m
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(&tunnel.SSHConfig{
			User:              cfg.TunnelUser,
			Host:              cfg.TunnelHost,
			Port:              cfg.TunnelPort,
			KeyPath:           cfg.SSHKeyPath,
			PromptPass:        cfg.SSHPassword,
			UseAgent:          cfg.UseSSHAgent,
			StrictHostKey:     cfg.StrictHostKey,
			KnownHosts:        cfg.KnownHostsPath,
			ConnTimeout:       cfg.Timeout,
			KeepAliveInterval: keepAliveInterval,
		}, logger)
	}

	return &transport.TCPDialer{
		Timeout:   cfg.Timeout,
		LocalPort: cfg.LocalPort,
	}
}
