package errors

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "example.com:80", Err: io.EOF, Retryable: true},
			want: "dial example.com:80: EOF (retryable)",
		},
		{
			name: "non-retryable",
			err:  NetworkError{Op: "listen", Addr: ":9999", Err: fmt.Errorf("address already in use")},
			want: "listen :9999: address already in use",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := ConnIO("read", "x", io.EOF)
	if !Is(err, io.EOF) {
		t.Error("should unwrap to io.EOF")
	}
}

// TestKindSentinels verifies each constructor matches its own sentinel
// and no other.
func TestKindSentinels(t *testing.T) {
	inner := fmt.Errorf("boom")
	tests := []struct {
		name string
		err  error
		want error
		kind Kind
	}{
		{"bind", Bind(":9999", inner), ErrBind, KindBind},
		{"accept", Accept(":9999", inner), ErrAccept, KindAccept},
		{"conn-io", ConnIO("read", "1.2.3.4:5", inner), ErrConnIO, KindConnIO},
		{"connect", Connect("dial", "localhost:9999", inner), ErrConnect, KindConnect},
		{"send", Send("write", "localhost:9999", inner), ErrSend, KindSend},
	}
	all := []error{ErrBind, ErrAccept, ErrConnIO, ErrConnect, ErrSend}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range all {
				if got := Is(tt.err, s); got != (s == tt.want) {
					t.Errorf("Is(%v, %v) = %v", tt.err, s, got)
				}
			}
			if !Is(tt.err, inner) {
				t.Error("should still unwrap to the cause")
			}
			if KindOf(tt.err) != tt.kind {
				t.Errorf("KindOf = %v, want %v", KindOf(tt.err), tt.kind)
			}
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("startup: %w", Bind(":80", fmt.Errorf("permission denied")))
	if KindOf(err) != KindBind {
		t.Errorf("KindOf = %v, want bind", KindOf(err))
	}
	if !Is(err, ErrBind) {
		t.Error("wrapped bind error should match ErrBind")
	}
	if KindOf(fmt.Errorf("plain")) != KindUnknown {
		t.Error("plain error should be KindUnknown")
	}
}

func TestWrap_Unclassified(t *testing.T) {
	err := Wrap("dial", "10.0.0.1:22", fmt.Errorf("connection refused"))
	if err.Op != "dial" || err.Addr != "10.0.0.1:22" {
		t.Errorf("wrong fields: Op=%q Addr=%q", err.Op, err.Addr)
	}
	if Is(err, ErrConnect) || Is(err, ErrBind) {
		t.Error("unclassified error should not match any kind sentinel")
	}
}

func TestKind_String(t *testing.T) {
	want := map[Kind]string{
		KindUnknown: "unknown",
		KindBind:    "bind",
		KindAccept:  "accept",
		KindConnIO:  "conn-io",
		KindConnect: "connect",
		KindSend:    "send",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), s)
		}
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("handshake", "bastion.example.com", 22, fmt.Errorf("connection refused"))
	want := "ssh handshake bastion.example.com:22: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(err, err.Err) {
		t.Error("should unwrap to inner error")
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "port",
				Value:   99999,
				Message: "out of range 0-65535",
				Hint:    "use 0 for an ephemeral port",
			},
			want: "config: --port=99999: out of range 0-65535\n  hint: use 0 for an ephemeral port",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "chunk-size",
				Message: "must be positive",
			},
			want: "config: --chunk-size: must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"non-retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: false}, false},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyRetryable_NetOpError(t *testing.T) {
	opErr := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &net.DNSError{IsTemporary: true},
	}
	if !classifyRetryable(opErr) {
		t.Error("temporary OpError should be retryable")
	}
	if !Connect("dial", "x", opErr).Retryable {
		t.Error("constructor should carry retryability")
	}
}

func TestSentinels(t *testing.T) {
	sentinels := []error{
		ErrBind, ErrAccept, ErrConnIO, ErrConnect, ErrSend,
		ErrServerClosed, ErrSessionClosed, ErrNotConnected,
		ErrNoGreeting, ErrPayloadTooLarge, ErrTimeout,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}

func TestIsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server closed", ErrServerClosed, true},
		{"session closed wrapped", fmt.Errorf("send: %w", ErrSessionClosed), true},
		{"net closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"bind", Bind("x:1", fmt.Errorf("in use")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsClosed(tt.err); got != tt.want {
				t.Errorf("IsClosed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
