// Package server implements the main supervisor: it accepts client
// connections, applies the admission throttle, spawns per-client workers,
// provisions tunnel devices and IP leases, and routes commands between
// the workers and the security module.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/ban"
	"github.com/dantte-lp/govpnc/internal/config"
	"github.com/dantte-lp/govpnc/internal/geoip"
	"github.com/dantte-lp/govpnc/internal/ipc"
	"github.com/dantte-lp/govpnc/internal/iplease"
	vpnmetrics "github.com/dantte-lp/govpnc/internal/metrics"
	"github.com/dantte-lp/govpnc/internal/proc"
	"github.com/dantte-lp/govpnc/internal/tun"
)

// reapInterval is the period of the supervisor's housekeeping sweep.
const reapInterval = 30 * time.Second

// TunOpener provisions a tunnel device for a set of leases. Swappable so
// tests can run the full admission path without root.
type TunOpener func(tun.Config, *iplease.Leases, *slog.Logger) (*tun.Device, error)

// Supervisor is the main process runtime.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	bans   *ban.Engine
	leases *iplease.Allocator
	procs  *proc.Table
	resume *resumeCache

	metrics *vpnmetrics.Collector

	// secFD is the command socket to the security module. All round
	// trips on it are serialized by secMu: the transport is synchronous
	// request/reply per peer pair.
	secFD      int
	secMu      sync.Mutex
	secTimeout time.Duration

	openTun TunOpener
	nowFunc func() time.Time
}

// Option configures optional Supervisor parameters.
type Option func(*Supervisor)

// WithMetrics attaches the Prometheus collector.
func WithMetrics(c *vpnmetrics.Collector) Option {
	return func(s *Supervisor) {
		s.metrics = c
	}
}

// WithTunOpener overrides the tunnel provisioning function.
func WithTunOpener(o TunOpener) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.openTun = o
		}
	}
}

// WithGeoIP attaches a GeoIP resolver to the ban engine logs.
func WithGeoIP(r *geoip.Resolver) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.bans = ban.NewEngine(banConfig(s.cfg), s.logger, ban.WithGeoIP(r))
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

func banConfig(cfg *config.Config) ban.Config {
	return ban.Config{
		MaxScore:            cfg.Ban.MaxScore,
		ResetTime:           cfg.Ban.ResetTime,
		MinReauthTime:       cfg.Ban.MinReauthTime,
		PointsConnect:       cfg.Ban.PointsConnect,
		PointsWrongPassword: cfg.Ban.PointsWrongPassword,
		PointsKKDCP:         cfg.Ban.PointsKKDCP,
	}
}

// New creates a supervisor over an established security module socket.
func New(cfg *config.Config, secFD int, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	logger = logger.With(slog.String("component", "server"))

	v4, err := cfg.Network.IPv4Pool()
	if err != nil {
		return nil, err
	}
	v6, err := cfg.Network.IPv6Pool()
	if err != nil {
		return nil, err
	}
	dns, err := cfg.Network.DNSAddrs()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		bans:   ban.NewEngine(banConfig(cfg), logger),
		leases: iplease.NewAllocator(iplease.Config{
			IPv4Network:      v4,
			IPv6Network:      v6,
			IPv6SubnetPrefix: cfg.Network.IPv6SubnetPrefix,
			DNS:              dns,
		}, logger),
		procs:      proc.NewTable(),
		resume:     newResumeCache(),
		secFD:      secFD,
		secTimeout: cfg.SecMod.Timeout,
		openTun:    tun.Open,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bans exposes the ban engine (admin unban, tests).
func (s *Supervisor) Bans() *ban.Engine { return s.bans }

// Procs exposes the worker registry.
func (s *Supervisor) Procs() *proc.Table { return s.procs }

// Leases exposes the address allocator (stats, tests).
func (s *Supervisor) Leases() *iplease.Allocator { return s.leases }

// Run serves the client listener until the context is cancelled. The
// housekeeping sweep runs alongside; on shutdown all workers receive a
// terminate command.
func (s *Supervisor) Run(ctx context.Context, ln net.Listener) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gCtx.Done()
		_ = ln.Close()
		s.TerminateWorkers()
		return nil
	})

	g.Go(func() error {
		s.houseKeep(gCtx)
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.handleConn(conn)
		}
	})

	return g.Wait()
}

// houseKeep periodically reaps the ban database and refreshes gauges.
func (s *Supervisor) houseKeep(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := s.bans.Reap(now)
			if removed > 0 {
				s.logger.Debug("reaped ban entries", slog.Int("count", removed))
			}
			if s.metrics != nil {
				s.metrics.BanEntries.Set(float64(s.bans.Len()))
				v4, v6 := s.leases.InUse()
				s.metrics.LeasesInUse.WithLabelValues("ipv4").Set(float64(v4))
				s.metrics.LeasesInUse.WithLabelValues("ipv6").Set(float64(v6))
				s.metrics.SessionsActive.Set(float64(s.procs.Len()))
			}
		}
	}
}

// handleConn applies the admission check and spawns a worker for the
// connection. Banned peers are cut with a reset and never see a reply.
func (s *Supervisor) handleConn(conn net.Conn) {
	remote := remoteAddrPort(conn)

	if s.bans.Check(remote.Addr()) {
		if s.metrics != nil {
			s.metrics.BanRejects.Inc()
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		_ = conn.Close()
		return
	}

	if err := s.spawnWorker(conn); err != nil {
		s.logger.Error("could not spawn worker",
			slog.String("remote", remote.String()),
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
	}
}

// spawnWorker re-executes this binary as an unprivileged worker, handing
// it the client connection and its end of a fresh command socketpair.
// The supervisor keeps the other end and serves it until the worker
// exits.
func (s *Supervisor) spawnWorker(conn net.Conn) error {
	defer conn.Close()

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}

	connFile, err := tc.File()
	if err != nil {
		return fmt.Errorf("dup connection: %w", err)
	}
	defer connFile.Close()

	ours, theirs, err := ipc.Socketpair()
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		unix.Close(ours)
		unix.Close(theirs)
		return fmt.Errorf("resolve own binary: %w", err)
	}

	theirsFile := os.NewFile(uintptr(theirs), "worker-cmd")
	defer theirsFile.Close()

	cmd := exec.Command(self, "worker")
	// Fd 3 is the client connection, fd 4 the command socket.
	cmd.ExtraFiles = []*os.File{connFile, theirsFile}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(ours)
		return fmt.Errorf("start worker: %w", err)
	}

	p := &proc.Proc{
		PID:        cmd.Process.Pid,
		SocketFD:   ours,
		RemoteAddr: remoteAddrPort(conn),
	}
	s.procs.Add(p)

	s.logger.Info("worker spawned",
		slog.Int("pid", p.PID),
		slog.String("remote", p.RemoteAddr.String()),
	)

	go func() {
		s.ServeWorker(p)
		_, _ = cmd.Process.Wait()
	}()

	return nil
}

// AttachWorker registers an already-connected worker command socket (the
// in-process path used by tests) and returns its record. The caller runs
// ServeWorker itself.
func (s *Supervisor) AttachWorker(fd int, remote netip.AddrPort) *proc.Proc {
	p := &proc.Proc{
		SocketFD:   fd,
		RemoteAddr: remote,
	}
	s.procs.Add(p)
	return p
}

// TerminateWorkers sends a terminate command to every live worker.
// Fire-and-forget: each worker closes down on its next loop iteration.
func (s *Supervisor) TerminateWorkers() {
	s.procs.Each(func(p *proc.Proc) {
		if err := ipc.Send(p.SocketFD, ipc.CmdTerminate, nil, -1); err != nil {
			s.logger.Debug("terminate send failed",
				slog.Int("pid", p.PID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Reload asks the security module to reload its configuration.
func (s *Supervisor) Reload() error {
	var rep ipc.ReloadReplyMsg
	if err := s.secRoundTrip(ipc.CmdSecmReload, nil, ipc.CmdSecmReloadReply, &rep); err != nil {
		return err
	}
	if rep.Status != ipc.StatusOK {
		return fmt.Errorf("security module reload: status %d", rep.Status)
	}
	return nil
}

// ListCookies fetches the live session listing from the security module.
func (s *Supervisor) ListCookies() ([]ipc.CookieEntry, error) {
	var rep ipc.ListCookiesReplyMsg
	if err := s.secRoundTrip(ipc.CmdSecmListCookies, nil, ipc.CmdSecmListCookiesReply, &rep); err != nil {
		return nil, err
	}
	return rep.Cookies, nil
}

// secRoundTrip performs one serialized request/reply exchange with the
// security module.
func (s *Supervisor) secRoundTrip(sendCmd ipc.Cmd, msg any, replyCmd ipc.Cmd, reply any) error {
	s.secMu.Lock()
	defer s.secMu.Unlock()

	if err := ipc.Send(s.secFD, sendCmd, msg, -1); err != nil {
		s.countTransportError(err)
		return err
	}
	if err := ipc.Recv(s.secFD, replyCmd, s.secTimeout, reply, nil); err != nil {
		s.countTransportError(err)
		return err
	}
	return nil
}

// secNotify sends a fire-and-forget frame to the security module.
func (s *Supervisor) secNotify(cmd ipc.Cmd, payload []byte) {
	s.secMu.Lock()
	defer s.secMu.Unlock()

	if err := ipc.SendRaw(s.secFD, cmd, payload, -1); err != nil {
		s.countTransportError(err)
		s.logger.Debug("notify to security module failed",
			slog.String("cmd", cmd.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Supervisor) countTransportError(err error) {
	if s.metrics == nil {
		return
	}

	kind := "io"
	switch {
	case errors.Is(err, ipc.ErrTimedOut):
		kind = "timeout"
	case errors.Is(err, ipc.ErrPeerTerminated):
		kind = "peer_terminated"
	case errors.Is(err, ipc.ErrBadCommand):
		kind = "bad_command"
	}
	s.metrics.TransportErrors.WithLabelValues(kind).Inc()
}

// remoteAddrPort extracts the peer address of a connection; the zero
// value stands in for non-IP transports in tests.
func remoteAddrPort(conn net.Conn) netip.AddrPort {
	if conn == nil || conn.RemoteAddr() == nil {
		return netip.AddrPort{}
	}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}
