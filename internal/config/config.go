// Package config resolves idigna's run configuration: the CLI surface
// spec.md defines (--daemon/-d, --port/-p, positional upstream host and
// port) plus an optional YAML file for the ambient knobs the CLI never
// mentions (connection limits, log level/format).
package config

import (
	"embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// GetExampleConfig returns the embedded sample YAML file for the ambient
// settings, the contents `idigna init` prints.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Logging controls the structured logger (internal/ops).
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the fully resolved configuration for one run of the gateway.
type Config struct {
	// ListenPort is the TCP port the gateway listens on for HTTP clients.
	ListenPort int

	// UpstreamHost and UpstreamPort address the single Gopher origin this
	// gateway fronts.
	UpstreamHost string
	UpstreamPort int

	// Daemon detaches the process from its controlling terminal and
	// switches logging to syslog.
	Daemon bool

	// MaxConnections bounds concurrently open sessions. Not part of
	// spec.md's CLI surface; it is a YAML-only ambient knob.
	MaxConnections int

	// Logging configures internal/ops.Logger. YAML-only.
	Logging Logging
}

// fileOverlay is the subset of Config that an optional --config YAML file
// may supply. Listen port and upstream host/port remain CLI-only, per
// spec.md §6.
type fileOverlay struct {
	MaxConnections int     `yaml:"max_connections"`
	Logging        Logging `yaml:"logging"`
}

// Default returns the built-in defaults spec.md specifies: port 80,
// upstream port 70, plus sensible ambient defaults.
func Default() Config {
	return Config{
		ListenPort:     80,
		UpstreamPort:   70,
		MaxConnections: 1024,
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// ErrHelp is returned by Parse when --help was given. Parse prints
// nothing itself; the caller should print usage to stdout and exit 0.
var ErrHelp = errors.New("config: help requested")

// Usage writes the program's usage line, matching spec.md §6's documented
// invocation.
func Usage(w io.Writer, programName string) {
	fmt.Fprintf(w, "%s [--daemon|-d] [--port|-p server_port] [--config path] remote [remote_port]\n", programName)
}

// Parse resolves a Config from CLI arguments (args excludes the program
// name, as in os.Args[1:]) and, if --config was given, an overlay YAML
// file. Returns ErrHelp when --help was requested; any other error means
// the caller should print usage and exit 1, per spec.md §7's "setup
// errors are fatal" rule.
func Parse(programName string, args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(io.Discard) // we format our own error/usage text

	var port int
	var daemon bool
	var help bool
	var configPath string

	fs.IntVar(&port, "port", cfg.ListenPort, "server port to listen on")
	fs.IntVar(&port, "p", cfg.ListenPort, "server port to listen on (shorthand)")
	fs.BoolVar(&daemon, "daemon", false, "detach and log to syslog")
	fs.BoolVar(&daemon, "d", false, "detach and log to syslog (shorthand)")
	fs.BoolVar(&help, "help", false, "print usage and exit")
	fs.StringVar(&configPath, "config", "", "optional YAML file for ambient settings")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errBadUsage, err)
	}

	if help {
		return Config{}, ErrHelp
	}

	if port < 0 || port > 65536 {
		return Config{}, fmt.Errorf("%w: port %d out of range [0, 65536]", errBadUsage, port)
	}
	cfg.ListenPort = port
	cfg.Daemon = daemon

	if configPath != "" {
		overlay, err := loadOverlay(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", configPath, err)
		}
		if overlay.MaxConnections > 0 {
			cfg.MaxConnections = overlay.MaxConnections
		}
		if overlay.Logging.Level != "" {
			cfg.Logging.Level = overlay.Logging.Level
		}
		if overlay.Logging.Format != "" {
			cfg.Logging.Format = overlay.Logging.Format
		}
	}

	positional := fs.Args()
	switch len(positional) {
	case 1:
		cfg.UpstreamHost = positional[0]
	case 2:
		cfg.UpstreamHost = positional[0]
		p, err := strconv.Atoi(positional[1])
		if err != nil || p < 0 || p > 65536 {
			return Config{}, fmt.Errorf("%w: invalid remote_port %q", errBadUsage, positional[1])
		}
		cfg.UpstreamPort = p
	default:
		return Config{}, fmt.Errorf("%w: expected remote_host [remote_port]", errBadUsage)
	}

	return cfg, nil
}

var errBadUsage = errors.New("usage")

// IsUsageError reports whether err originated from malformed CLI
// arguments, as opposed to e.g. a YAML parse failure.
func IsUsageError(err error) bool {
	return errors.Is(err, errBadUsage)
}

func loadOverlay(path string) (fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverlay{}, fmt.Errorf("read: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fileOverlay{}, fmt.Errorf("parse: %w", err)
	}

	return overlay, nil
}
