package commands

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/govpnc/internal/config"
	"github.com/dantte-lp/govpnc/internal/ipc"
	"github.com/dantte-lp/govpnc/internal/secmod"
)

// secModFD is the socket to the supervisor, inherited as fd 3.
const secModFD = 3

// secModCmd returns the security module subcommand. Not meant to be run
// by hand: the supervisor spawns it with the command socket inherited.
func secModCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sec-mod",
		Short:  "Run the security module (spawned by the supervisor)",
		Hidden: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSecMod()
		},
	}
}

// runSecMod is the security module main: it owns the session database
// and serves the supervisor's command socket until the supervisor goes
// away.
func runSecMod() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel).With(slog.String("proc", "sec-mod"))

	logger.Info("security module starting")

	db := secmod.NewDB(logger)
	mod := secmod.NewModule(
		db,
		secmod.NewPlainAuthenticator(cfg.Auth.Plain),
		vhostsFromConfig(cfg),
		logger,
		secmod.WithReload(func() (map[string]*secmod.VHostConfig, error) {
			fresh, lErr := config.Load(configPath)
			if lErr != nil {
				return nil, lErr
			}
			logLevel.Set(config.ParseLogLevel(fresh.Log.Level))
			return vhostsFromConfig(fresh), nil
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = mod.Run(ctx, secModFD)
	switch {
	case errors.Is(err, ipc.ErrPeerTerminated):
		// The supervisor is gone; key material dies with this process.
		logger.Info("supervisor gone, security module exiting")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("security module stopped")
		return nil
	default:
		return err
	}
}

// vhostsFromConfig builds the runtime vhost profiles from configuration.
func vhostsFromConfig(cfg *config.Config) map[string]*secmod.VHostConfig {
	out := make(map[string]*secmod.VHostConfig, len(cfg.VHosts))
	for _, vh := range cfg.VHosts {
		out[vh.Name] = &secmod.VHostConfig{
			Name:              vh.Name,
			CookieTimeout:     cfg.Auth.CookieTimeout,
			AuthSlack:         cfg.Auth.Slack,
			PersistentCookies: cfg.Auth.PersistentCookies,
			MOTD:              vh.MOTD,
			MaxAuthAttempts:   cfg.Auth.MaxAttempts,
		}
	}
	return out
}
