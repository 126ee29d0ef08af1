package secmod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/dantte-lp/govpnc/internal/ipc"
)

// reapInterval is how often the session database is swept for expired
// dormant entries while the command socket is idle.
const reapInterval = 30 * time.Second

// KeyOps performs private-key operations on behalf of unprivileged peers.
// The TLS stack holding the actual keys is an external collaborator; the
// contract proxies raw operation payloads.
type KeyOps interface {
	Decrypt(vhost string, data []byte) ([]byte, error)
	Sign(vhost string, data []byte) ([]byte, error)
}

// Module is the security module runtime: the session database plus the
// command loop serving the supervisor's socket.
type Module struct {
	db     *DB
	auth   Authenticator
	acct   Accounter
	keys   KeyOps
	vhosts map[string]*VHostConfig

	// reload is invoked on CmdSecmReload; it returns the new vhost set.
	reload func() (map[string]*VHostConfig, error)

	logger  *slog.Logger
	nowFunc func() time.Time
}

// ModuleOption configures optional Module parameters.
type ModuleOption func(*Module)

// WithAccounter sets the accounting backend.
func WithAccounter(a Accounter) ModuleOption {
	return func(m *Module) {
		if a != nil {
			m.acct = a
		}
	}
}

// WithKeyOps sets the private-key operation backend.
func WithKeyOps(k KeyOps) ModuleOption {
	return func(m *Module) {
		m.keys = k
	}
}

// WithReload sets the configuration reload hook.
func WithReload(fn func() (map[string]*VHostConfig, error)) ModuleOption {
	return func(m *Module) {
		m.reload = fn
	}
}

// WithModuleClock overrides the time source.
func WithModuleClock(now func() time.Time) ModuleOption {
	return func(m *Module) {
		if now != nil {
			m.nowFunc = now
		}
	}
}

// NewModule creates a security module over an existing session database.
func NewModule(
	db *DB,
	auth Authenticator,
	vhosts map[string]*VHostConfig,
	logger *slog.Logger,
	opts ...ModuleOption,
) *Module {
	m := &Module{
		db:      db,
		auth:    auth,
		vhosts:  vhosts,
		logger:  logger.With(slog.String("component", "secmod")),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.acct == nil {
		m.acct = NewLogAccounter(logger)
	}
	return m
}

// DB exposes the session database (used by tests and the cookie listing).
func (m *Module) DB() *DB {
	return m.db
}

// Run serves the supervisor's command socket until the context is
// cancelled or the peer goes away. A supervisor crash surfaces as
// ErrPeerTerminated; the security module holds the key material, so the
// caller decides whether to wait for a new supervisor or exit.
//
// The loop is single-threaded: commands are handled strictly in arrival
// order, which is what serializes session state transitions. The reaper
// runs whenever the socket stays idle for a reap interval.
func (m *Module) Run(ctx context.Context, fd int) error {
	m.logger.Info("security module serving", slog.Int("fd", fd))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, payload, _, err := ipc.RecvData(fd, reapInterval, false)
		switch {
		case errors.Is(err, ipc.ErrTimedOut):
			if n := m.db.Reap(m.nowFunc()); n > 0 {
				m.logger.Debug("reaped expired sessions", slog.Int("count", n))
			}
			continue
		case errors.Is(err, ipc.ErrPeerTerminated):
			m.logger.Warn("supervisor closed the command socket")
			return err
		case err != nil:
			return fmt.Errorf("security module receive: %w", err)
		}

		if err := m.dispatch(fd, cmd, payload); err != nil {
			if errors.Is(err, ipc.ErrBadCommand) {
				return fmt.Errorf("security module dispatch: %w", err)
			}
			m.logger.Error("command failed",
				slog.String("cmd", cmd.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dispatch routes one received frame to its handler.
func (m *Module) dispatch(fd int, cmd ipc.Cmd, payload []byte) error {
	switch cmd {
	case ipc.CmdSecAuthInit:
		return m.handleAuthInit(fd, payload)
	case ipc.CmdSecAuthCont:
		return m.handleAuthCont(fd, payload)
	case ipc.CmdSecmSessionOpen:
		return m.handleSessionOpen(fd, payload)
	case ipc.CmdSecmSessionClose:
		return m.handleSessionClose(fd, payload)
	case ipc.CmdSecmStats:
		return m.handleStats(payload)
	case ipc.CmdSecmListCookies:
		return m.handleListCookies(fd)
	case ipc.CmdSecmReload:
		return m.handleReload(fd)
	case ipc.CmdSecDecrypt:
		return m.handleKeyOp(fd, payload, false)
	case ipc.CmdSecSign:
		return m.handleKeyOp(fd, payload, true)
	default:
		return fmt.Errorf("command %s not served here: %w", cmd, ipc.ErrBadCommand)
	}
}

func decode(payload []byte, msg any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), msg); err != nil {
		return fmt.Errorf("decode payload: %w", errors.Join(ipc.ErrBadCommand, err))
	}
	return nil
}

// handleAuthInit creates a session entry and starts the exchange. The
// reply carries the freshly minted identifier; the client learns it as a
// cookie only after the exchange completes on the worker side.
func (m *Module) handleAuthInit(fd int, payload []byte) error {
	var req ipc.AuthInitMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	vhost, ok := m.vhosts[req.VHost]
	if !ok {
		m.logger.Error("auth init for unknown vhost", slog.String("vhost", req.VHost))
		return m.replyAuthFailed(fd, req.RemoteIP)
	}

	e, err := m.db.Create(vhost, req.RemoteIP, req.PID)
	if err != nil {
		m.logger.Error("session create failed", slog.String("error", err.Error()))
		return m.replyAuth(fd, ipc.StatusFailed, nil, "")
	}

	if err := startAuth(e, req.Username, req.UserAgent); err != nil {
		m.db.Delete(e)
		return m.replyAuthFailed(fd, req.RemoteIP)
	}

	m.logger.Info("auth exchange started",
		slog.String("session", e.SafeID),
		slog.String("user", req.Username),
		slog.String("vhost", req.VHost),
		slog.String("remote_ip", req.RemoteIP),
	)

	return m.replyAuth(fd, ipc.StatusAuthContinue, e.SID[:], "")
}

// handleAuthCont runs one password step. Failure is reported to the peer;
// terminal failure deletes the entry so a guessed identifier cannot be
// retried forever.
func (m *Module) handleAuthCont(fd int, payload []byte) error {
	var req ipc.AuthContMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	sid, ok := sidFromBytes(req.SID)
	if !ok {
		return m.replyAuthFailed(fd, "")
	}

	e := m.db.Find(sid)
	if e == nil {
		return m.replyAuthFailed(fd, "")
	}

	err := continueAuth(e, m.auth, req.Password)
	switch {
	case err == nil:
		m.logger.Info("auth exchange completed",
			slog.String("session", e.SafeID),
			slog.String("user", e.Acct.Username),
		)
		return m.replyAuth(fd, ipc.StatusOK, e.SID[:], e.Motd())

	case errors.Is(err, ErrTooManyAttempts) || e.State == AuthFailed:
		m.logger.Info("auth exchange failed terminally",
			slog.String("session", e.SafeID),
			slog.String("user", e.Acct.Username),
		)
		remoteIP := e.Acct.RemoteIP
		m.db.Delete(e)
		return m.replyAuthFailed(fd, remoteIP)

	default:
		m.logger.Info("auth step rejected",
			slog.String("session", e.SafeID),
			slog.String("user", e.Acct.Username),
			slog.Int("attempts", e.AuthAttempts),
		)
		return m.replyAuth(fd, ipc.StatusAuthContinue, e.SID[:], "")
	}
}

// replyAuthFailed sends the failure reply followed by a ban request for
// the peer. Every failed exchange produces exactly this pair, in order,
// so the supervisor always knows to read both frames.
func (m *Module) replyAuthFailed(fd int, remoteIP string) error {
	if err := m.replyAuth(fd, ipc.StatusAuthFailed, nil, ""); err != nil {
		return err
	}
	m.requestBan(fd, remoteIP)
	return nil
}

// requestBan sends a ban request for a peer address and waits for the
// supervisor's verdict. A zero score lets the supervisor apply its
// configured wrong-password points; the ban database itself lives with
// the supervisor. An empty address still completes the exchange so the
// frame pairing stays intact.
func (m *Module) requestBan(fd int, remoteIP string) {
	if err := ipc.Send(fd, ipc.CmdSecmBanIP, &ipc.BanIPMsg{IP: remoteIP}, -1); err != nil {
		m.logger.Error("ban request failed", slog.String("error", err.Error()))
		return
	}

	var rep ipc.BanIPReplyMsg
	if err := ipc.Recv(fd, ipc.CmdSecmBanIPReply, reapInterval, &rep, nil); err != nil {
		m.logger.Error("ban reply missing", slog.String("error", err.Error()))
		return
	}
	if rep.Banned {
		m.logger.Info("peer banned after failed authentication",
			slog.String("ip", remoteIP),
		)
	}
}

func (m *Module) replyAuth(fd int, status uint32, sid []byte, motd string) error {
	return ipc.Send(fd, ipc.CmdSecAuthReply, &ipc.AuthReplyMsg{
		Status: status,
		SID:    sid,
		MOTD:   motd,
	}, -1)
}

// handleSessionOpen binds a worker to a completed session entry.
func (m *Module) handleSessionOpen(fd int, payload []byte) error {
	var req ipc.SessionOpenMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	sid, ok := sidFromBytes(req.SID)
	if !ok {
		return m.replySession(fd, ipc.StatusNotFound, nil)
	}

	e := m.db.Find(sid)
	if e == nil {
		m.logger.Info("session open for unknown cookie")
		return m.replySession(fd, ipc.StatusNotFound, nil)
	}
	if e.State != AuthCompleted {
		m.logger.Info("session open before auth completed",
			slog.String("session", e.SafeID),
			slog.String("state", e.State.String()),
		)
		return m.replySession(fd, ipc.StatusAuthFailed, nil)
	}

	e.Acct.RemoteIP = req.RemoteIP
	e.Acct.PeerPID = req.PID
	e.Acct.IPv4 = req.IPv4
	e.Acct.IPv6 = req.IPv6

	m.db.Bind(e)
	m.acct.SessionOpened(e)

	return m.replySession(fd, ipc.StatusOK, e)
}

// handleSessionClose releases a worker binding and applies the dormancy
// policy.
func (m *Module) handleSessionClose(fd int, payload []byte) error {
	var req ipc.SessionCloseMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	sid, ok := sidFromBytes(req.SID)
	if !ok {
		return m.replySession(fd, ipc.StatusNotFound, nil)
	}

	e := m.db.Find(sid)
	if e == nil {
		return m.replySession(fd, ipc.StatusNotFound, nil)
	}

	e.Acct.BytesIn += req.BytesIn
	e.Acct.BytesOut += req.BytesOut
	e.Acct.Uptime += req.Uptime

	m.acct.SessionClosed(e)
	m.db.Expire(e, req.Reason)

	return m.replySession(fd, ipc.StatusOK, nil)
}

func (m *Module) replySession(fd int, status uint32, e *ClientEntry) error {
	rep := ipc.SessionReplyMsg{Status: status}
	if e != nil {
		rep.Username = e.Acct.Username
		rep.SafeID = e.SafeID
		rep.MOTD = e.Motd()
		if e.VHost != nil {
			rep.VHost = e.VHost.Name
		}
	}
	return ipc.Send(fd, ipc.CmdSecmSessionReply, &rep, -1)
}

// handleStats records an interim stats push. Fire-and-forget: no reply.
func (m *Module) handleStats(payload []byte) error {
	var req ipc.StatsMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	sid, ok := sidFromBytes(req.SID)
	if !ok {
		return nil
	}

	e := m.db.Find(sid)
	if e == nil {
		return nil
	}

	e.Acct.BytesIn = req.BytesIn
	e.Acct.BytesOut = req.BytesOut
	e.Acct.Uptime = req.Uptime
	m.acct.Interim(e)

	return nil
}

// handleListCookies answers with a listing of live entries.
func (m *Module) handleListCookies(fd int) error {
	return ipc.Send(fd, ipc.CmdSecmListCookiesReply, &ipc.ListCookiesReplyMsg{
		Cookies: m.db.List(),
	}, -1)
}

// handleReload re-reads configuration through the reload hook and swaps
// the vhost set. Live entries keep their old profile pointers until they
// expire, which is intentional: a session's lifetime knobs do not change
// under it.
func (m *Module) handleReload(fd int) error {
	status := ipc.StatusOK

	if m.reload != nil {
		vhosts, err := m.reload()
		if err != nil {
			m.logger.Error("reload failed", slog.String("error", err.Error()))
			status = ipc.StatusFailed
		} else {
			m.vhosts = vhosts
			m.logger.Info("configuration reloaded",
				slog.Int("vhosts", len(vhosts)),
			)
		}
	}

	return ipc.Send(fd, ipc.CmdSecmReloadReply, &ipc.ReloadReplyMsg{Status: status}, -1)
}

// handleKeyOp proxies a private-key operation.
func (m *Module) handleKeyOp(fd int, payload []byte, sign bool) error {
	var req ipc.SecOpMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	replyCmd := ipc.CmdSecDecrypt
	if sign {
		replyCmd = ipc.CmdSecSign
	}

	if m.keys == nil {
		return ipc.Send(fd, replyCmd, &ipc.SecOpReplyMsg{Status: ipc.StatusFailed}, -1)
	}

	var (
		out []byte
		err error
	)
	if sign {
		out, err = m.keys.Sign(req.VHost, req.Data)
	} else {
		out, err = m.keys.Decrypt(req.VHost, req.Data)
	}
	if err != nil {
		m.logger.Error("key operation failed",
			slog.Bool("sign", sign),
			slog.String("error", err.Error()),
		)
		return ipc.Send(fd, replyCmd, &ipc.SecOpReplyMsg{Status: ipc.StatusFailed}, -1)
	}

	return ipc.Send(fd, replyCmd, &ipc.SecOpReplyMsg{Status: ipc.StatusOK, Data: out}, -1)
}

// sidFromBytes converts a wire identifier into the fixed-size form,
// rejecting anything that is not exactly SIDSize bytes.
func sidFromBytes(b []byte) (SID, bool) {
	var sid SID
	if len(b) != SIDSize {
		return sid, false
	}
	copy(sid[:], b)
	return sid, true
}
