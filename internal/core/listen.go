package core

import (
	"context"
	"errors"
	"net"

	relayerr "echorelay/internal/errors"
	"echorelay/internal/metrics"
	"echorelay/relay"
	"echorelay/util"
)

// ListenMode runs the echo relay server until ctx is cancelled, then
// shuts it down within the configured grace period.
type ListenMode struct {
	Server  relay.ServerConfig
	Logger  *util.Logger
	Metrics *metrics.Collector

	// OnListen, if set, is called with the bound address before the
	// first Accept.  Tests use it to learn the ephemeral port.
	OnListen func(addr net.Addr)
}

// Run binds, serves, and on cancellation performs a graceful shutdown.
// A bind failure is returned as is so the caller can exit non-zero.
func (m *ListenMode) Run(ctx context.Context) error {
	srv := relay.NewServer(m.Server, m.Logger, m.Metrics)

	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	if m.OnListen != nil {
		m.OnListen(ln.Addr())
	}

	serveErr := srv.Serve(ctx, ln)

	m.Logger.Info("shutting down (%d live connection(s))", srv.ActiveConnections())
	// The grace period bounds the wait; ctx is already done here.
	if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
		m.Logger.Warn("shutdown: %v", err)
	}
	m.Logger.Verbose("metrics: %s", m.Metrics.JSON())

	if errors.Is(serveErr, relayerr.ErrServerClosed) {
		return nil
	}
	return serveErr
}
