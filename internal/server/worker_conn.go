package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/ipc"
	"github.com/dantte-lp/govpnc/internal/proc"
	"github.com/dantte-lp/govpnc/internal/tun"
)

// reasonLabels maps disconnect reasons to metric labels.
var reasonLabels = map[uint32]string{
	ipc.ReasonUnknown:          "unknown",
	ipc.ReasonUserDisconnect:   "user",
	ipc.ReasonServerDisconnect: "server",
	ipc.ReasonSessionTimeout:   "session_timeout",
	ipc.ReasonError:            "error",
}

// ServeWorker serves one worker's command socket until the worker goes
// away, then tears the session down. Runs in its own goroutine per
// worker.
func (s *Supervisor) ServeWorker(p *proc.Proc) {
	reason := ipc.ReasonError

	for {
		cmd, payload, _, err := ipc.RecvData(p.SocketFD, 0, false)
		if err != nil {
			if !errors.Is(err, ipc.ErrPeerTerminated) {
				s.countTransportError(err)
				s.logger.Debug("worker socket error",
					slog.Int("pid", p.PID),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if err := s.dispatchWorker(p, cmd, payload); err != nil {
			if errors.Is(err, ipc.ErrBadCommand) {
				s.logger.Error("protocol error on worker socket, dropping worker",
					slog.Int("pid", p.PID),
					slog.String("cmd", cmd.String()),
				)
				break
			}
			s.logger.Error("worker command failed",
				slog.Int("pid", p.PID),
				slog.String("cmd", cmd.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.DisconReason != ipc.ReasonUnknown {
		reason = p.DisconReason
	}
	s.teardownWorker(p, reason)
}

// dispatchWorker routes one worker frame.
func (s *Supervisor) dispatchWorker(p *proc.Proc, cmd ipc.Cmd, payload []byte) error {
	switch cmd {
	case ipc.CmdAuthCookieReq:
		return s.handleCookieAuth(p, payload)

	case ipc.CmdSecAuthInit, ipc.CmdSecAuthCont:
		return s.relayAuth(p, cmd, payload)

	case ipc.CmdResumeStoreReq:
		var req ipc.ResumeStoreReq
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		s.resume.Store(req.SessionID, req.SessionData)
		return nil

	case ipc.CmdResumeDeleteReq:
		var req ipc.ResumeDeleteReq
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		s.resume.Delete(req.SessionID)
		return nil

	case ipc.CmdResumeFetchReq:
		var req ipc.ResumeFetchReq
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		rep := ipc.ResumeFetchRep{Status: ipc.StatusNotFound}
		if data := s.resume.Fetch(req.SessionID); data != nil {
			rep.Status = ipc.StatusOK
			rep.SessionData = data
		}
		return ipc.Send(p.SocketFD, ipc.CmdResumeFetchRep, &rep, -1)

	case ipc.CmdTunMTU:
		var req ipc.TunMTUMsg
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		s.logger.Debug("worker reported tun MTU",
			slog.Int("pid", p.PID),
			slog.Uint64("mtu", uint64(req.MTU)),
		)
		return nil

	case ipc.CmdSessionInfo:
		var req ipc.SessionInfoMsg
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		s.logger.Info("session info",
			slog.Int("pid", p.PID),
			slog.String("session", req.SafeID),
			slog.String("tls", req.TLSCiphersuite),
			slog.String("dtls", req.DTLSCiphersuite),
			slog.String("user_agent", req.UserAgent),
		)
		return nil

	case ipc.CmdSecmStats:
		var req ipc.StatsMsg
		if err := decodeWorker(payload, &req); err != nil {
			return err
		}
		p.BytesIn = req.BytesIn
		p.BytesOut = req.BytesOut
		// Relay to the security module for accounting.
		s.secNotify(ipc.CmdSecmStats, payload)
		return nil

	default:
		return fmt.Errorf("command %s not served on worker socket: %w", cmd, ipc.ErrBadCommand)
	}
}

// relayAuth forwards an authentication step's payload to the security
// module undecoded, then decodes the reply and sends it back to the
// worker. The supervisor never sees credentials in decoded form.
//
// A failed exchange scores ban points against the peer.
func (s *Supervisor) relayAuth(p *proc.Proc, cmd ipc.Cmd, payload []byte) error {
	s.secMu.Lock()
	defer s.secMu.Unlock()

	if err := ipc.SendRaw(s.secFD, cmd, payload, -1); err != nil {
		s.countTransportError(err)
		return err
	}

	var rep ipc.AuthReplyMsg
	if err := ipc.Recv(s.secFD, ipc.CmdSecAuthReply, s.secTimeout, &rep, nil); err != nil {
		s.countTransportError(err)
		return err
	}

	if rep.Status == ipc.StatusAuthFailed {
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		// A terminal failure is followed by the security module's ban
		// request for the peer; consume and answer it in order.
		s.handleBanRequest()
	}

	return ipc.Send(p.SocketFD, ipc.CmdSecAuthReply, &rep, -1)
}

// handleBanRequest reads one ban request from the security module,
// scores the address, and reports the verdict. Caller holds secMu.
func (s *Supervisor) handleBanRequest() {
	var req ipc.BanIPMsg
	if err := ipc.Recv(s.secFD, ipc.CmdSecmBanIP, s.secTimeout, &req, nil); err != nil {
		s.countTransportError(err)
		s.logger.Error("ban request not received", slog.String("error", err.Error()))
		return
	}

	points := req.Score
	if points == 0 {
		points = s.cfg.Ban.PointsWrongPassword
	}
	banned := s.bans.RecordText(req.IP, points)

	rep := ipc.BanIPReplyMsg{Status: ipc.StatusOK, Banned: banned}
	if err := ipc.Send(s.secFD, ipc.CmdSecmBanIPReply, &rep, -1); err != nil {
		s.countTransportError(err)
		s.logger.Error("ban reply failed", slog.String("error", err.Error()))
	}
}

// handleCookieAuth resolves a presented session identifier with the
// security module and, on success, provisions leases and a tunnel device
// and hands the descriptor to the worker.
//
// Ownership: the tun descriptor is passed over SCM_RIGHTS; the
// supervisor's copy is closed immediately after the send, so the dual
// ownership is transient. The leases stay recorded in the proc entry and
// return to the pool at teardown.
func (s *Supervisor) handleCookieAuth(p *proc.Proc, payload []byte) error {
	var req ipc.AuthCookieReq
	if err := decodeWorker(payload, &req); err != nil {
		return err
	}

	open := ipc.SessionOpenMsg{
		SID:      req.SID,
		RemoteIP: p.RemoteAddr.Addr().String(),
		PID:      uint32(p.PID),
	}

	var sessRep ipc.SessionReplyMsg
	if err := s.secRoundTrip(ipc.CmdSecmSessionOpen, &open, ipc.CmdSecmSessionReply, &sessRep); err != nil {
		return err
	}

	if sessRep.Status != ipc.StatusOK {
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		s.bans.Record(p.RemoteAddr.Addr(), s.cfg.Ban.PointsWrongPassword)
		return ipc.Send(p.SocketFD, ipc.CmdAuthCookieRep,
			&ipc.AuthCookieRep{Status: ipc.StatusAuthFailed}, -1)
	}

	rep, tunFD, err := s.provisionSession(p, req.SID, &sessRep)
	if err != nil {
		s.logger.Error("session provisioning failed",
			slog.Int("pid", p.PID),
			slog.String("session", sessRep.SafeID),
			slog.String("error", err.Error()),
		)
		// Unbind the session we just opened; the worker gets a refusal.
		s.closeSession(p, req.SID, ipc.ReasonError)
		return ipc.Send(p.SocketFD, ipc.CmdAuthCookieRep,
			&ipc.AuthCookieRep{Status: ipc.StatusFailed}, -1)
	}

	p.SID = append([]byte(nil), req.SID...)
	p.Username = sessRep.Username
	p.VHost = sessRep.VHost
	p.ConnectedAt = s.nowFunc()

	sendErr := ipc.Send(p.SocketFD, ipc.CmdAuthCookieRep, rep, tunFD)

	// Transient dual ownership ends here: the worker holds the device
	// now (or the send failed and teardown will clean up).
	_ = unix.Close(tunFD)
	if p.Tun != nil {
		p.Tun.FD = -1
	}

	if sendErr != nil {
		return sendErr
	}

	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(sessRep.VHost).Inc()
		s.metrics.SessionsActive.Set(float64(s.procs.Len()))
		s.metrics.TunDevices.Inc()
	}

	s.logger.Info("session established",
		slog.Int("pid", p.PID),
		slog.String("session", sessRep.SafeID),
		slog.String("user", sessRep.Username),
		slog.String("vhost", sessRep.VHost),
		slog.String("device", p.TunName),
	)

	return nil
}

// provisionSession allocates leases and a tunnel device for an accepted
// session. On any failure every acquired resource is rolled back before
// the error returns.
func (s *Supervisor) provisionSession(
	p *proc.Proc,
	sid []byte,
	sessRep *ipc.SessionReplyMsg,
) (*ipc.AuthCookieRep, int, error) {
	leases, err := s.leases.Get(netip.Addr{}, netip.Addr{})
	if err != nil {
		return nil, -1, fmt.Errorf("lease allocation: %w", err)
	}

	prefix := s.cfg.Tun.NamePrefix
	for _, vh := range s.cfg.VHosts {
		if vh.Name == sessRep.VHost && vh.TunPrefix != "" {
			prefix = vh.TunPrefix
		}
	}

	dev, err := s.openTun(tun.Config{
		NamePrefix: prefix,
		Owner:      s.cfg.Tun.UID,
		Group:      s.cfg.Tun.GID,
	}, leases, s.logger)
	if err != nil {
		s.leases.Remove(leases)
		return nil, -1, fmt.Errorf("tun setup: %w", err)
	}

	p.Leases = leases
	p.Tun = dev
	p.TunName = dev.Name

	rep := &ipc.AuthCookieRep{
		Status:   ipc.StatusOK,
		SID:      sid,
		SafeID:   sessRep.SafeID,
		Username: sessRep.Username,
		VHost:    sessRep.VHost,
		MOTD:     sessRep.MOTD,
		TunName:  dev.Name,
		DNS:      s.cfg.Network.DNS,
	}
	if l := leases.IPv4; l != nil {
		rep.IPv4Local = l.Local.String()
		rep.IPv4Remote = l.Remote.String()
	}
	if l := leases.IPv6; l != nil {
		rep.IPv6Local = l.Local.String()
		rep.IPv6Remote = l.Remote.String()
		rep.IPv6Prefix = uint32(l.Prefix)
	}

	return rep, dev.FD, nil
}

// closeSession reports a session teardown to the security module.
func (s *Supervisor) closeSession(p *proc.Proc, sid []byte, reason uint32) {
	msg := ipc.SessionCloseMsg{
		SID:      sid,
		Reason:   reason,
		BytesIn:  p.BytesIn,
		BytesOut: p.BytesOut,
		Uptime:   p.Uptime(s.nowFunc()),
	}

	var rep ipc.SessionReplyMsg
	if err := s.secRoundTrip(ipc.CmdSecmSessionClose, &msg, ipc.CmdSecmSessionReply, &rep); err != nil {
		s.logger.Error("session close report failed",
			slog.Int("pid", p.PID),
			slog.String("error", err.Error()),
		)
	}
}

// teardownWorker releases everything a worker held: tunnel device,
// leases, session binding and the command socket.
func (s *Supervisor) teardownWorker(p *proc.Proc, reason uint32) {
	if p.Tun != nil {
		p.Tun.Reset()
		p.Tun.Close()
		p.Tun = nil
		if s.metrics != nil {
			s.metrics.TunDevices.Dec()
		}
	}

	if p.Leases != nil {
		s.leases.Remove(p.Leases)
		p.Leases = nil
	}

	if len(p.SID) > 0 {
		s.closeSession(p, p.SID, reason)
	}

	s.procs.Remove(p)
	_ = unix.Close(p.SocketFD)

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(s.procs.Len()))
		label, ok := reasonLabels[reason]
		if !ok {
			label = "unknown"
		}
		s.metrics.SessionsClosed.WithLabelValues(label).Inc()
	}

	s.logger.Info("worker torn down",
		slog.Int("pid", p.PID),
		slog.String("user", p.Username),
		slog.String("reason", reasonLabel(reason)),
		slog.Uint64("bytes_in", p.BytesIn),
		slog.Uint64("bytes_out", p.BytesOut),
	)
}

func reasonLabel(reason uint32) string {
	if label, ok := reasonLabels[reason]; ok {
		return label
	}
	return "unknown"
}

func decodeWorker(payload []byte, msg any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), msg); err != nil {
		return fmt.Errorf("decode worker payload: %w", errors.Join(ipc.ErrBadCommand, err))
	}
	return nil
}
