package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	relayerr "echorelay/internal/errors"
	"echorelay/internal/retry"
	"echorelay/internal/transport"
	"echorelay/relay"
	"echorelay/util"
)

// ConnectMode opens one relay session, prints the greeting, then sends
// each stdin line and prints each reply.
type ConnectMode struct {
	Dialer  transport.Dialer
	Address string
	Session relay.SessionConfig
	Logger  *util.Logger

	// Backoff, if set, retries the initial connect.
	Backoff *retry.Backoff

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run connects, then relays stdin lines until EOF or cancellation.  A
// line too long for one chunk is reported and skipped; any other send
// failure ends the run.  The transport is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	sess, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sess.Close()
		m.Logger.Verbose("metrics: %s", m.Session.Metrics.JSON())
	}()

	out := m.stdout()
	fmt.Fprintln(out, sess.Greeting())

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go scanLines(ctx, m.stdin(), lines, readErr, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			return nil
		case line := <-lines:
			reply, err := sess.SendString(ctx, line)
			switch {
			case err == nil:
				fmt.Fprintln(out, reply)
			case errors.Is(err, relayerr.ErrPayloadTooLarge):
				m.Logger.Warn("skipped line: %v", err)
			case ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
	}
}

// scanLines feeds each line of r into lines until ctx is cancelled or
// done is closed.  When r ends it reports the scanner's error.
func scanLines(ctx context.Context, r io.Reader, lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
	readErr <- sc.Err()
}

// connect opens the session, retrying through Backoff when set.  Auth
// and host key failures are never retried.
func (m *ConnectMode) connect(ctx context.Context) (*relay.Session, error) {
	m.Logger.Verbose("connecting to %s", m.Address)

	if m.Backoff == nil {
		return relay.Connect(ctx, m.Dialer, m.Address, m.Session, m.Logger)
	}

	var sess *relay.Session
	err := m.Backoff.Do(ctx, func(attempt int) error {
		s, err := relay.Connect(ctx, m.Dialer, m.Address, m.Session, m.Logger)
		if err != nil {
			if errors.Is(err, relayerr.ErrAuthFailed) || errors.Is(err, relayerr.ErrHostKeyMismatch) {
				return retry.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	})
	return sess, err
}
