package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to keep the
// TOML readable.  Numbers and booleans are pointers so an explicit 0 or
// false in the file still overrides the default.
//
//	host = "0.0.0.0"
//	port = 9999
//	idle_timeout = "2m"
//
//	[tunnel]
//	spec = "admin@bastion:2222"
type FileConfig struct {
	Host        string `toml:"host"`
	Port        *int   `toml:"port"`
	Listen      *bool  `toml:"listen"`
	Timeout     string `toml:"timeout"`
	Retries     *int   `toml:"retries"`
	ChunkSize   *int   `toml:"chunk_size"`
	Greeting    string `toml:"greeting"`
	MaxConns    *int   `toml:"max_conns"`
	IdleTimeout string `toml:"idle_timeout"`
	GracePeriod string `toml:"grace"`
	Verbose     *int   `toml:"verbose"`

	Tunnel FileTunnel `toml:"tunnel"`
}

// FileTunnel is the [tunnel] table.
type FileTunnel struct {
	Spec          string `toml:"spec"`
	SSHKey        string `toml:"ssh_key"`
	SSHAgent      *bool  `toml:"ssh_agent"`
	StrictHostKey *bool  `toml:"strict_hostkey"`
	KnownHosts    string `toml:"known_hosts"`
}

// LoadFile reads and parses a TOML config file.  Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	f, err := os.Open(path)
	if err != nil {
		return fc, err
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.echorelay/config.toml, or "" when the
// home directory cannot be determined.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".echorelay", "config.toml")
	}
	return ""
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFile copies file values onto cfg, skipping anything the user
// set explicitly on the command line.  Empty strings count as unset.
func ApplyFile(cfg *Config, fc FileConfig, changed map[string]bool) error {
	apply(changed, "host", nonEmpty(fc.Host), &cfg.Host)
	apply(changed, "port", fc.Port, &cfg.Port)
	apply(changed, "listen", fc.Listen, &cfg.Listen)
	apply(changed, "retries", fc.Retries, &cfg.Retries)
	apply(changed, "chunk-size", fc.ChunkSize, &cfg.ChunkSize)
	apply(changed, "greeting", nonEmpty(fc.Greeting), &cfg.Greeting)
	apply(changed, "max-conns", fc.MaxConns, &cfg.MaxConns)
	apply(changed, "verbose", fc.Verbose, &cfg.Verbose)

	for _, d := range []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"timeout", fc.Timeout, &cfg.Timeout},
		{"idle-timeout", fc.IdleTimeout, &cfg.IdleTimeout},
		{"grace", fc.GracePeriod, &cfg.GracePeriod},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file: %s: %w", d.flag, err)
		}
		apply(changed, d.flag, &v, d.dst)
	}

	apply(changed, "tunnel", nonEmpty(fc.Tunnel.Spec), &cfg.TunnelSpec)
	apply(changed, "ssh-key", nonEmpty(fc.Tunnel.SSHKey), &cfg.SSHKeyPath)
	apply(changed, "known-hosts", nonEmpty(fc.Tunnel.KnownHosts), &cfg.KnownHostsPath)
	apply(changed, "ssh-agent", fc.Tunnel.SSHAgent, &cfg.UseSSHAgent)
	apply(changed, "strict-hostkey", fc.Tunnel.StrictHostKey, &cfg.StrictHostKey)
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
