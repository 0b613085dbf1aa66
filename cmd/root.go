// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"echorelay/config"
	"echorelay/internal/core"
	"echorelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X echorelay/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected echorelay mode.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg := config.Default()
	fs := flag.NewFlagSet("echorelay", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", false, "Listen mode: run the echo server")
	fs.StringVarP(&cfg.Host, "host", "s", cfg.Host, "Bind host (-l) or server host")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Bind port (-l, 0 = ephemeral) or server port")
	fs.IntVar(&cfg.LocalPort, "source-port", 0, "Connect from this local port")
	fs.DurationVarP(&cfg.Timeout, "timeout", "w", cfg.Timeout, "Dial and round-trip timeout (0 = none)")
	fs.IntVar(&cfg.Retries, "retries", 0, "Retry a failed connect this many times")

	// ── relay ────────────────────────────────────────────────────
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Largest single read; must match on both ends")
	fs.StringVar(&cfg.Greeting, "greeting", cfg.Greeting, "Message sent to each new connection (-l)")
	fs.IntVar(&cfg.MaxConns, "max-conns", 0, "Concurrent connection limit (-l, 0 = unlimited)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Close connections idle this long (-l, 0 = never)")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "How long shutdown waits for live connections (-l)")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", "", "Reach the server via SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	var quiet bool
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only print errors")
	fs.StringVar(&cfg.ConfigPath, "config", "", "TOML config file (default ~/.echorelay/config.toml)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "echorelay %s\n", version)
		return nil
	}

	changed := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { changed[f.Name] = true })

	switch {
	case quiet:
		cfg.Verbose = int(util.LogQuiet)
		changed["verbose"] = true
	case verbose > 0:
		cfg.Verbose = int(util.LogNormal) + verbose
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args(), changed); err != nil {
		return err
	}

	// ── file and environment ─────────────────────────────────────
	if err := loadLayers(cfg, changed); err != nil {
		return err
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DryRun {
		printConfig(stdout, cfg)
		return nil
	}

	// ── build and run ────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// loadLayers applies the config file, then the environment, skipping
// anything set on the command line.
func loadLayers(cfg *config.Config, changed map[string]bool) error {
	path := cfg.ConfigPath
	if path == "" {
		if p := config.DefaultConfigPath(); p != "" && config.FileExists(p) {
			path = p
		}
	}
	if path != "" {
		fc, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		if err := config.ApplyFile(cfg, fc, changed); err != nil {
			return err
		}
	}
	return config.LoadFromEnv(cfg, changed)
}

// parsePositional accepts [host] [port] in both modes.  Positional
// values count as explicitly set.
func parsePositional(cfg *config.Config, remaining []string, changed map[string]bool) error {
	if len(remaining) > 2 {
		return fmt.Errorf("too many arguments: expected [host] [port], got %d", len(remaining))
	}
	if len(remaining) >= 1 {
		cfg.Host = remaining[0]
		changed["host"] = true
	}
	if len(remaining) == 2 {
		port, err := config.ParsePort(remaining[1], cfg.Listen)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		cfg.Port = port
		changed["port"] = true
	}
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	mode := "connect"
	if cfg.Listen {
		mode = "listen"
	}
	fmt.Fprintf(w, "mode:         %s\n", mode)
	fmt.Fprintf(w, "address:      %s\n", cfg.Addr())
	fmt.Fprintf(w, "chunk-size:   %d\n", cfg.ChunkSize)
	if cfg.Listen {
		fmt.Fprintf(w, "greeting:     %q\n", cfg.Greeting)
		fmt.Fprintf(w, "max-conns:    %d\n", cfg.MaxConns)
		fmt.Fprintf(w, "idle-timeout: %v\n", cfg.IdleTimeout)
		fmt.Fprintf(w, "grace:        %v\n", cfg.GracePeriod)
		return
	}
	fmt.Fprintf(w, "timeout:      %v\n", cfg.Timeout)
	fmt.Fprintf(w, "retries:      %d\n", cfg.Retries)
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:       %s@%s\n", cfg.TunnelUser, util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `echorelay – TCP echo relay v%s

Usage:
  echorelay -l [-s host] [-p port] [options]   Run the echo server
  echorelay [options] [host] [port]            Send stdin lines, print echoes
  echorelay -T user@gateway [host] [port]      Connect through an SSH gateway

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  ECHORELAY_HOST, ECHORELAY_PORT, ECHORELAY_LISTEN, ECHORELAY_GREETING, ...
  override the config file but not flags.

Examples:
  echorelay -l -p 9999                         Serve on localhost:9999
  echorelay -l -s 0.0.0.0 --max-conns 100      Serve on all interfaces
  echo ping | echorelay localhost 9999         One round trip
  echorelay -T admin@bastion relay-internal    Via SSH
`)
}
