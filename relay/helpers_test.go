package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	relayerr "echorelay/internal/errors"
	"echorelay/internal/metrics"
	"echorelay/util"
)

// startServer runs a Server on an ephemeral loopback port and shuts it
// down when the test ends.
func startServer(t *testing.T, cfg ServerConfig) (*Server, string, *metrics.Collector) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	m := metrics.New()
	srv := NewServer(cfg, util.NewLogger(0), m)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return srv, serveOn(t, srv, ln), m
}

// serveOn runs srv.Serve(ln) in the background and registers cleanup
// that shuts the server down and checks how Serve returned.
func serveOn(t *testing.T, srv *Server, ln net.Listener) string {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		select {
		case err := <-errc:
			if !errors.Is(err, relayerr.ErrServerClosed) {
				t.Errorf("Serve returned %v, want ErrServerClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return ln.Addr().String()
}

// dialRaw opens a plain TCP connection with a generous overall deadline.
func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// dialGreeted connects and consumes the default greeting.
func dialGreeted(t *testing.T, addr string) net.Conn {
	t.Helper()
	c := dialRaw(t, addr)
	if got := string(readN(t, c, len("Connected"))); got != "Connected" {
		t.Fatalf("greeting = %q, want Connected", got)
	}
	return c
}

// expectEOF asserts that the server closed c.
func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err == nil {
		t.Fatalf("expected close, read %q", buf[:n])
	}
	if util.IsTimeout(err) {
		t.Fatal("server did not close the connection")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// rawListener accepts connections and hands each one to fn, for
// servers that misbehave on purpose.
func rawListener(t *testing.T, fn func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go fn(c)
		}
	}()
	return ln.Addr().String()
}
