package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
)

// envConfig is the ECHORELAY_* view of Config.  Durations use Go
// syntax ("750ms", "5s"); booleans accept anything strconv.ParseBool
// does.
type envConfig struct {
	Host        string        `env:"ECHORELAY_HOST"`
	Port        int           `env:"ECHORELAY_PORT"`
	Listen      bool          `env:"ECHORELAY_LISTEN"`
	Timeout     time.Duration `env:"ECHORELAY_TIMEOUT"`
	Retries     int           `env:"ECHORELAY_RETRIES"`
	ChunkSize   int           `env:"ECHORELAY_CHUNK_SIZE"`
	Greeting    string        `env:"ECHORELAY_GREETING"`
	MaxConns    int           `env:"ECHORELAY_MAX_CONNS"`
	IdleTimeout time.Duration `env:"ECHORELAY_IDLE_TIMEOUT"`
	GracePeriod time.Duration `env:"ECHORELAY_GRACE"`

	Tunnel        string `env:"ECHORELAY_TUNNEL"`
	SSHKey        string `env:"ECHORELAY_SSH_KEY"`
	SSHPassword   bool   `env:"ECHORELAY_SSH_PASSWORD"`
	SSHAgent      bool   `env:"ECHORELAY_SSH_AGENT"`
	StrictHostKey bool   `env:"ECHORELAY_STRICT_HOSTKEY"`
	KnownHosts    string `env:"ECHORELAY_KNOWN_HOSTS"`

	Verbose int `env:"ECHORELAY_VERBOSE"`
}

// LoadFromEnv overlays ECHORELAY_* environment variables onto cfg.
// Every non-empty variable overrides the existing value, zero and
// false included, unless the matching flag is in changed.  A value that
// does not parse is an error.
func LoadFromEnv(cfg *Config, changed map[string]bool) error {
	var env envConfig
	if err := envdecode.StrictDecode(&env); err != nil {
		if errors.Is(err, envdecode.ErrInvalidTarget) || errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("environment: %w", err)
	}

	apply(changed, "host", fromEnv("ECHORELAY_HOST", &env.Host), &cfg.Host)
	apply(changed, "port", fromEnv("ECHORELAY_PORT", &env.Port), &cfg.Port)
	apply(changed, "listen", fromEnv("ECHORELAY_LISTEN", &env.Listen), &cfg.Listen)
	apply(changed, "timeout", fromEnv("ECHORELAY_TIMEOUT", &env.Timeout), &cfg.Timeout)
	apply(changed, "retries", fromEnv("ECHORELAY_RETRIES", &env.Retries), &cfg.Retries)
	apply(changed, "chunk-size", fromEnv("ECHORELAY_CHUNK_SIZE", &env.ChunkSize), &cfg.ChunkSize)
	apply(changed, "greeting", fromEnv("ECHORELAY_GREETING", &env.Greeting), &cfg.Greeting)
	apply(changed, "max-conns", fromEnv("ECHORELAY_MAX_CONNS", &env.MaxConns), &cfg.MaxConns)
	apply(changed, "idle-timeout", fromEnv("ECHORELAY_IDLE_TIMEOUT", &env.IdleTimeout), &cfg.IdleTimeout)
	apply(changed, "grace", fromEnv("ECHORELAY_GRACE", &env.GracePeriod), &cfg.GracePeriod)

	apply(changed, "tunnel", fromEnv("ECHORELAY_TUNNEL", &env.Tunnel), &cfg.TunnelSpec)
	apply(changed, "ssh-key", fromEnv("ECHORELAY_SSH_KEY", &env.SSHKey), &cfg.SSHKeyPath)
	apply(changed, "ssh-password", fromEnv("ECHORELAY_SSH_PASSWORD", &env.SSHPassword), &cfg.SSHPassword)
	apply(changed, "ssh-agent", fromEnv("ECHORELAY_SSH_AGENT", &env.SSHAgent), &cfg.UseSSHAgent)
	apply(changed, "strict-hostkey", fromEnv("ECHORELAY_STRICT_HOSTKEY", &env.StrictHostKey), &cfg.StrictHostKey)
	apply(changed, "known-hosts", fromEnv("ECHORELAY_KNOWN_HOSTS", &env.KnownHosts), &cfg.KnownHostsPath)

	apply(changed, "verbose", fromEnv("ECHORELAY_VERBOSE", &env.Verbose), &cfg.Verbose)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

// apply copies *v into dst unless v is nil (the layer did not set it)
// or flag was given on the command line.
func apply[T any](changed map[string]bool, flag string, v *T, dst *T) {
	if v == nil || changed[flag] {
		return
	}
	*dst = *v
}

// fromEnv returns v if the variable name is set to a non-empty value.
// Empty counts as unset, matching envdecode.
func fromEnv[T any](name string, v *T) *T {
	if val, ok := os.LookupEnv(name); !ok || val == "" {
		return nil
	}
	return v
}
