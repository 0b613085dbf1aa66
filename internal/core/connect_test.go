package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	relayerr "echorelay/internal/errors"
	"echorelay/internal/metrics"
	"echorelay/internal/retry"
	"echorelay/internal/transport"
	"echorelay/relay"
	"echorelay/util"
)

// startRelay runs a relay server for connect-mode tests.
func startRelay(t *testing.T, cfg relay.ServerConfig) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addr, errc := runListen(t, ctx, cfg, nil)
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return addr
}

// TestConnectMode_Lines verifies that ConnectMode prints the greeting
// and echoes every stdin line.
func TestConnectMode_Lines(t *testing.T) {
	addr := startRelay(t, relay.ServerConfig{})

	var stdout bytes.Buffer
	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{Timeout: 2 * time.Second},
		Address: addr,
		Session: relay.SessionConfig{Timeout: 2 * time.Second},
		Logger:  util.NewLogger(0),
		Stdin:   strings.NewReader("ping\n\nhello world\n"),
		Stdout:  &stdout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mode.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "Connected\nping\n\nhello world\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

// TestConnectMode_SkipsOversizedLine verifies a too-long line is
// reported without ending the session.
func TestConnectMode_SkipsOversizedLine(t *testing.T) {
	addr := startRelay(t, relay.ServerConfig{ChunkSize: 16, Greeting: "hi"})

	var stdout bytes.Buffer
	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{},
		Address: addr,
		Session: relay.SessionConfig{ChunkSize: 16, Timeout: 2 * time.Second},
		Logger:  util.NewLogger(0),
		Stdin:   strings.NewReader(strings.Repeat("x", 17) + "\nok\n"),
		Stdout:  &stdout,
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stdout.String() != "hi\nok\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

// TestConnectMode_DialFailure verifies that a refused connection is a
// connect error.
func TestConnectMode_DialFailure(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{Timeout: time.Second},
		Address: util.FormatAddr("127.0.0.1", port),
		Logger:  util.NewLogger(0),
		Stdin:   strings.NewReader(""),
		Stdout:  &bytes.Buffer{},
	}
	err = mode.Run(context.Background())
	if !errors.Is(err, relayerr.ErrConnect) {
		t.Fatalf("Run = %v, want ErrConnect", err)
	}
}

// TestConnectMode_Retry verifies that the backoff reconnects once the
// server comes up.
func TestConnectMode_Retry(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := util.FormatAddr("127.0.0.1", port)

	var attempts atomic.Int32
	b := retry.ForRetries(20, 20*time.Millisecond, 50*time.Millisecond)
	b.OnRetry = func(attempt int, _ error, _ time.Duration) {
		if attempts.Add(1) == 2 {
			go func() {
				ctx, cancel := context.WithCancel(context.Background())
				t.Cleanup(cancel)
				mode := &ListenMode{Server: relay.ServerConfig{Addr: addr}, Logger: util.NewLogger(0)}
				mode.Run(ctx) //nolint:errcheck
			}()
		}
	}

	var stdout bytes.Buffer
	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{Timeout: time.Second},
		Address: addr,
		Session: relay.SessionConfig{Timeout: time.Second},
		Logger:  util.NewLogger(0),
		Backoff: b,
		Stdin:   strings.NewReader("again\n"),
		Stdout:  &stdout,
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stdout.String() != "Connected\nagain\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if attempts.Load() < 2 {
		t.Errorf("retries = %d, want at least 2", attempts.Load())
	}
}

// TestConnectMode_AuthFailureNotRetried verifies permanent failures
// stop the backoff.
func TestConnectMode_AuthFailureNotRetried(t *testing.T) {
	var dials atomic.Int32
	mode := &ConnectMode{
		Dialer:  failingDialer{err: relayerr.ErrAuthFailed, calls: &dials},
		Address: "127.0.0.1:1",
		Logger:  util.NewLogger(0),
		Backoff: retry.ForRetries(5, time.Millisecond, time.Millisecond),
	}
	if err := mode.Run(context.Background()); !errors.Is(err, relayerr.ErrAuthFailed) {
		t.Fatalf("Run = %v, want ErrAuthFailed", err)
	}
	if dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", dials.Load())
	}
}

// TestConnectMode_ContextCancel verifies Run returns when cancelled
// while waiting on stdin.
func TestConnectMode_ContextCancel(t *testing.T) {
	addr := startRelay(t, relay.ServerConfig{})

	pr, pw := net.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{},
		Address: addr,
		Logger:  util.NewLogger(0),
		Stdin:   pr,
		Stdout:  &bytes.Buffer{},
	}

	done := make(chan error, 1)
	go func() { done <- mode.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

type failingDialer struct {
	err   error
	calls *atomic.Int32
}

func (d failingDialer) Dial(context.Context, string, string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, d.err
}

func (d failingDialer) Close() error { return nil }

// TestConnectMode_RecordsMetrics verifies the session counts what it
// sends and receives.
func TestConnectMode_RecordsMetrics(t *testing.T) {
	addr := startRelay(t, relay.ServerConfig{})

	m := metrics.New()
	var stdout bytes.Buffer
	mode := &ConnectMode{
		Dialer:  &transport.TCPDialer{Timeout: 2 * time.Second},
		Address: addr,
		Session: relay.SessionConfig{Timeout: 2 * time.Second, Metrics: m},
		Logger:  util.NewLogger(0),
		Stdin:   strings.NewReader("ping\npong\n"),
		Stdout:  &stdout,
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := m.TotalBytesOut(); got != 8 {
		t.Errorf("bytes out = %d, want 8", got)
	}
	if got, want := m.TotalBytesIn(), int64(len("Connected")+8); got != want {
		t.Errorf("bytes in = %d, want %d", got, want)
	}
	if m.TotalConnections() != 1 || m.ActiveConnections() != 0 {
		t.Errorf("connections total=%d active=%d, want 1 0", m.TotalConnections(), m.ActiveConnections())
	}
}

// TestScanLines_StopsWhenDone verifies the stdin reader exits once Run
// stops taking lines.
func TestScanLines_StopsWhenDone(t *testing.T) {
	lines := make(chan string) // never received from
	readErr := make(chan error, 1)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		scanLines(context.Background(), strings.NewReader("a\nb\n"), lines, readErr, done)
		close(exited)
	}()

	close(done)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("scanLines still blocked after done was closed")
	}
}
