// Package worker implements the per-client worker's side of the command
// transport: the synchronous request API used around the TLS engine, and
// the idle loop that reacts to supervisor commands. The TLS/HTTP engine
// itself is an external collaborator; it drives a Client between
// handshake steps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/ipc"
)

// ErrRefused indicates the supervisor refused the request.
var ErrRefused = errors.New("request refused by supervisor")

// Client is the worker's synchronous command interface to the
// supervisor. One request is in flight at a time; ordering on the socket
// is the protocol's ordering guarantee.
type Client struct {
	fd      int
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient wraps an inherited command socket.
func NewClient(fd int, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		fd:      fd,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "worker")),
	}
}

// AuthInit starts an authentication exchange for a fresh client.
func (c *Client) AuthInit(vhost, username, remoteIP, userAgent string, pid uint32) (*ipc.AuthReplyMsg, error) {
	req := ipc.AuthInitMsg{
		VHost:     vhost,
		Username:  username,
		RemoteIP:  remoteIP,
		UserAgent: userAgent,
		PID:       pid,
	}
	if err := ipc.Send(c.fd, ipc.CmdSecAuthInit, &req, -1); err != nil {
		return nil, err
	}

	var rep ipc.AuthReplyMsg
	if err := ipc.Recv(c.fd, ipc.CmdSecAuthReply, c.timeout, &rep, nil); err != nil {
		return nil, err
	}
	return &rep, nil
}

// AuthCont runs one password step of the exchange.
func (c *Client) AuthCont(sid []byte, password string) (*ipc.AuthReplyMsg, error) {
	req := ipc.AuthContMsg{SID: sid, Password: password}
	if err := ipc.Send(c.fd, ipc.CmdSecAuthCont, &req, -1); err != nil {
		return nil, err
	}

	var rep ipc.AuthReplyMsg
	if err := ipc.Recv(c.fd, ipc.CmdSecAuthReply, c.timeout, &rep, nil); err != nil {
		return nil, err
	}
	return &rep, nil
}

// CookieAuth presents a session cookie for resume. On success the reply
// carries the session's addresses and the tunnel device descriptor,
// which the caller owns from here on.
func (c *Client) CookieAuth(sid []byte) (*ipc.AuthCookieRep, int, error) {
	req := ipc.AuthCookieReq{SID: sid}
	if err := ipc.Send(c.fd, ipc.CmdAuthCookieReq, &req, -1); err != nil {
		return nil, -1, err
	}

	var rep ipc.AuthCookieRep
	tunFD := -1
	if err := ipc.Recv(c.fd, ipc.CmdAuthCookieRep, c.timeout, &rep, &tunFD); err != nil {
		return nil, -1, err
	}

	if rep.Status != ipc.StatusOK {
		if tunFD >= 0 {
			_ = unix.Close(tunFD)
		}
		return &rep, -1, fmt.Errorf("cookie auth status %d: %w", rep.Status, ErrRefused)
	}

	return &rep, tunFD, nil
}

// ResumeStore caches a TLS session ticket with the supervisor.
func (c *Client) ResumeStore(sessionID, data []byte) error {
	return ipc.Send(c.fd, ipc.CmdResumeStoreReq, &ipc.ResumeStoreReq{
		SessionID:   sessionID,
		SessionData: data,
	}, -1)
}

// ResumeDelete drops a cached TLS session ticket.
func (c *Client) ResumeDelete(sessionID []byte) error {
	return ipc.Send(c.fd, ipc.CmdResumeDeleteReq, &ipc.ResumeDeleteReq{
		SessionID: sessionID,
	}, -1)
}

// ResumeFetch retrieves a cached TLS session ticket; nil data means a
// cache miss.
func (c *Client) ResumeFetch(sessionID []byte) ([]byte, error) {
	if err := ipc.Send(c.fd, ipc.CmdResumeFetchReq, &ipc.ResumeFetchReq{
		SessionID: sessionID,
	}, -1); err != nil {
		return nil, err
	}

	var rep ipc.ResumeFetchRep
	if err := ipc.Recv(c.fd, ipc.CmdResumeFetchRep, c.timeout, &rep, nil); err != nil {
		return nil, err
	}
	if rep.Status != ipc.StatusOK {
		return nil, nil
	}
	return rep.SessionData, nil
}

// ReportMTU tells the supervisor the negotiated tunnel MTU.
func (c *Client) ReportMTU(mtu uint32) error {
	return ipc.Send(c.fd, ipc.CmdTunMTU, &ipc.TunMTUMsg{MTU: mtu}, -1)
}

// ReportSessionInfo pushes TLS session details for logging/accounting.
func (c *Client) ReportSessionInfo(info *ipc.SessionInfoMsg) error {
	return ipc.Send(c.fd, ipc.CmdSessionInfo, info, -1)
}

// PushStats pushes interim traffic counters. Fire-and-forget.
func (c *Client) PushStats(sid []byte, bytesIn, bytesOut uint64, uptime uint32) error {
	return ipc.Send(c.fd, ipc.CmdSecmStats, &ipc.StatsMsg{
		SID:      sid,
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
		Uptime:   uptime,
	}, -1)
}

// idlePollInterval is how often the idle loop checks for cancellation.
const idlePollInterval = time.Second

// RunIdle waits for supervisor commands while the TLS engine is not
// mid-request: a terminate command or a closed socket ends the worker; a
// passed UDP socket is handed to the onUDPFD callback (which takes
// ownership).
func RunIdle(ctx context.Context, fd int, onUDPFD func(int), logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "worker"))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, _, passed, err := ipc.RecvData(fd, idlePollInterval, true)
		switch {
		case errors.Is(err, ipc.ErrTimedOut):
			continue
		case errors.Is(err, ipc.ErrPeerTerminated):
			logger.Info("supervisor closed the command socket")
			return nil
		case err != nil:
			return fmt.Errorf("worker receive: %w", err)
		}

		switch cmd {
		case ipc.CmdTerminate:
			if passed >= 0 {
				_ = unix.Close(passed)
			}
			logger.Info("terminate received")
			return nil

		case ipc.CmdUDPFD:
			if passed < 0 {
				logger.Error("UDP fd command without descriptor")
				continue
			}
			if onUDPFD != nil {
				onUDPFD(passed)
			} else {
				_ = unix.Close(passed)
			}

		default:
			if passed >= 0 {
				_ = unix.Close(passed)
			}
			logger.Error("unexpected command on idle worker socket",
				slog.String("cmd", cmd.String()),
			)
			return fmt.Errorf("idle worker got %s: %w", cmd, ipc.ErrBadCommand)
		}
	}
}
