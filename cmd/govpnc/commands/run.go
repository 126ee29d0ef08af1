package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/config"
	"github.com/dantte-lp/govpnc/internal/geoip"
	"github.com/dantte-lp/govpnc/internal/ipc"
	vpnmetrics "github.com/dantte-lp/govpnc/internal/metrics"
	"github.com/dantte-lp/govpnc/internal/server"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// runCmd returns the supervisor subcommand.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor (spawns the security module)",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSupervisor()
		},
	}
}

// runSupervisor is the supervisor main: it loads configuration, spawns
// the security module subprocess over a socketpair, and serves clients
// until a termination signal.
func runSupervisor() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("govpnc supervisor starting",
		slog.String("listen", cfg.Listen.TCPAddr),
		slog.String("metrics", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := vpnmetrics.NewCollector(reg)

	secFD, secProc, err := spawnSecMod(logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = unix.Close(secFD)
		if secProc != nil {
			_ = secProc.Process.Kill()
			_, _ = secProc.Process.Wait()
		}
	}()

	opts := []server.Option{server.WithMetrics(collector)}
	if cfg.GeoIP.DB != "" {
		resolver, gErr := geoip.NewResolver(cfg.GeoIP.DB)
		if gErr != nil {
			logger.Warn("geoip database unavailable",
				slog.String("db", cfg.GeoIP.DB),
				slog.String("error", gErr.Error()),
			)
		} else {
			defer resolver.Close()
			opts = append(opts, server.WithGeoIP(resolver))
		}
	}

	sup, err := server.New(cfg, secFD, logger, opts...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen.TCPAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gCtx, ln)
	})

	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metricsMux(cfg.Metrics.Path, reg),
	}
	g.Go(func() error {
		if mErr := metricsSrv.ListenAndServe(); !errors.Is(mErr, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", mErr)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutCtx)
	})

	// SIGHUP triggers the explicit reload command on the security module
	// transport and refreshes the dynamic log level.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-hup:
				logger.Info("reload requested")
				if rErr := reloadConfig(sup, logLevel, logger); rErr != nil {
					logger.Error("reload failed", slog.String("error", rErr.Error()))
				}
			}
		}
	})

	if sent, nErr := daemon.SdNotify(false, daemon.SdNotifyReady); nErr != nil {
		logger.Debug("systemd notify failed", slog.String("error", nErr.Error()))
	} else if sent {
		logger.Debug("systemd notified ready")
	}

	err = g.Wait()
	logger.Info("govpnc supervisor stopped")
	return err
}

// reloadConfig re-reads the configuration file, applies the new log
// level, and relays the reload to the security module.
func reloadConfig(sup *server.Supervisor, logLevel *slog.LevelVar, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))

	if err := sup.Reload(); err != nil {
		return err
	}

	logger.Info("reload complete")
	return nil
}

// spawnSecMod starts the privileged security module as a subprocess
// connected over a socketpair. The module inherits its end as fd 3.
func spawnSecMod(logger *slog.Logger) (int, *exec.Cmd, error) {
	ours, theirs, err := ipc.Socketpair()
	if err != nil {
		return -1, nil, err
	}

	self, err := os.Executable()
	if err != nil {
		unix.Close(ours)
		unix.Close(theirs)
		return -1, nil, fmt.Errorf("resolve own binary: %w", err)
	}

	theirsFile := os.NewFile(uintptr(theirs), "secmod-cmd")
	defer theirsFile.Close()

	args := []string{"sec-mod"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(self, args...)
	cmd.ExtraFiles = []*os.File{theirsFile}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(ours)
		return -1, nil, fmt.Errorf("start security module: %w", err)
	}

	logger.Info("security module spawned", slog.Int("pid", cmd.Process.Pid))

	return ours, cmd, nil
}

// metricsMux builds the metrics endpoint handler.
func metricsMux(path string, reg *prometheus.Registry) *http.ServeMux {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// newLogger builds the root logger from the logging configuration.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
