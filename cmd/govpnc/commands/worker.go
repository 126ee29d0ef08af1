package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/config"
	"github.com/dantte-lp/govpnc/internal/worker"
)

// Inherited descriptors: fd 3 is the client connection, fd 4 the command
// socket to the supervisor.
const (
	workerConnFD = 3
	workerCmdFD  = 4
)

// workerCmd returns the worker subcommand. Not meant to be run by hand:
// the supervisor spawns one per accepted client with the connection and
// command socket inherited.
func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a per-client worker (spawned by the supervisor)",
		Hidden: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker()
		},
	}
}

// runWorker is the worker main. The TLS/HTTP engine drives the command
// client around its handshake; this entry point owns the idle loop that
// reacts to supervisor commands and releases the client connection on
// exit.
func runWorker() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel).With(slog.String("proc", "worker"))

	defer unix.Close(workerConnFD)
	defer unix.Close(workerCmdFD)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.RunIdle(ctx, workerCmdFD, nil, logger)
}
