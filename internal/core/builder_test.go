package core

import (
	"testing"
	"time"

	"echorelay/config"
	"echorelay/internal/transport"
	"echorelay/util"
)

// TestBuild_Connect verifies that Build produces a ConnectMode for
// a simple connect configuration.
func TestBuild_Connect(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "example.com"
	cfg.Port = 7000

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	cm, ok := mode.(*ConnectMode)
	if !ok {
		t.Fatalf("expected *ConnectMode, got %T", mode)
	}
	if cm.Address != "example.com:7000" {
		t.Errorf("Address = %q", cm.Address)
	}
	if cm.Session.ChunkSize != 2048 || cm.Session.Timeout != config.DefaultConnTimeout {
		t.Errorf("Session = %+v", cm.Session)
	}
	if cm.Backoff != nil {
		t.Error("Backoff should be nil without --retries")
	}
	if cm.Session.Metrics == nil {
		t.Error("Session.Metrics should be set")
	}
}

// TestBuild_ConnectRetries verifies --retries installs a backoff.
func TestBuild_ConnectRetries(t *testing.T) {
	cfg := config.Default()
	cfg.Retries = 3

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	b := mode.(*ConnectMode).Backoff
	if b == nil {
		t.Fatal("expected a Backoff")
	}
	if b.MaxAttempts != 4 || b.InitialDelay != config.DefaultRetryDelay || b.OnRetry == nil {
		t.Errorf("Backoff = %+v", b)
	}
}

// TestBuild_Listen verifies Build produces a ListenMode carrying the
// relay settings.
func TestBuild_Listen(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = true
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	cfg.MaxConns = 4
	cfg.IdleTimeout = time.Minute
	cfg.Greeting = "hey"

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	lm, ok := mode.(*ListenMode)
	if !ok {
		t.Fatalf("expected *ListenMode, got %T", mode)
	}
	s := lm.Server
	if s.Addr != "0.0.0.0:8080" || s.MaxConns != 4 || s.IdleTimeout != time.Minute || s.Greeting != "hey" {
		t.Errorf("Server = %+v", s)
	}
	if s.GracePeriod != config.DefaultGracePeriod || s.ChunkSize != config.DefaultChunkSize {
		t.Errorf("Server = %+v", s)
	}
	if lm.Metrics == nil {
		t.Error("listen mode should collect metrics")
	}
}

// TestBuildDialer verifies transport selection.
func TestBuildDialer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		check  func(t *testing.T, d transport.Dialer)
	}{
		{
			name:   "tcp",
			mutate: func(c *config.Config) { c.LocalPort = 5555 },
			check: func(t *testing.T, d transport.Dialer) {
				td, ok := d.(*transport.TCPDialer)
				if !ok {
					t.Fatalf("got %T, want *TCPDialer", d)
				}
				if td.LocalPort != 5555 || td.Timeout != config.DefaultConnTimeout {
					t.Errorf("TCPDialer = %+v", td)
				}
			},
		},
		{
			name: "ssh",
			mutate: func(c *config.Config) {
				c.TunnelSpec = "ops@bastion:2222"
				if err := c.ApplyTunnelSpec(); err != nil {
					t.Fatal(err)
				}
			},
			check: func(t *testing.T, d transport.Dialer) {
				if _, ok := d.(*transport.SSHDialer); !ok {
					t.Fatalf("got %T, want *SSHDialer", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			d := buildDialer(cfg, util.NewLogger(0))
			defer d.Close()
			tt.check(t, d)
		})
	}
}
