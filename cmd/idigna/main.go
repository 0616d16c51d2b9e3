package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/heddwch/idigna/internal/config"
	"github.com/heddwch/idigna/internal/gateway"
	"github.com/heddwch/idigna/internal/ops"
)

const reexecEnvVar = "IDIGNA_DAEMONIZED"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	cfg, err := config.Parse("idigna", os.Args[1:])
	if err != nil {
		if err == config.ErrHelp {
			config.Usage(os.Stdout, "idigna")
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		config.Usage(os.Stderr, "idigna")
		os.Exit(1)
	}

	if cfg.Daemon && os.Getenv(reexecEnvVar) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := buildLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.Config) *ops.Logger {
	if !cfg.Daemon {
		return ops.NewLogger(cfg.Logging)
	}

	w, err := ops.SyslogWriter("idigna")
	if err != nil {
		// Setup failure: fall back to stderr rather than run silently.
		return ops.NewLogger(cfg.Logging)
	}
	return ops.NewLoggerWithWriter(cfg.Logging, w)
}

func run(cfg config.Config, log *ops.Logger) error {
	srv, err := gateway.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	log.Info("idigna listening",
		"upstream", fmt.Sprintf("%s:%d", cfg.UpstreamHost, cfg.UpstreamPort),
		"port", cfg.ListenPort,
		"max_connections", cfg.MaxConnections,
	)

	err = srv.Start(ctx)
	srv.Stop()

	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("idigna stopped")
	return nil
}

// daemonize re-execs the current binary with reexecEnvVar set, detached
// from the controlling terminal in its own session. Go forbids a bare
// fork() once goroutines are running (the runtime's internal state
// would be duplicated into an inconsistent child), so re-exec is the
// idiomatic stand-in for idigna.c's double fork.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	return nil
}

func handleInit() {
	data, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}
