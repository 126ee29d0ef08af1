// Package ipc implements the framed command transport spoken between the
// supervisor, the security module and the per-client workers.
//
// Every frame on a transport socket is:
//
//	uint8 command || uint32 little-endian length || length bytes of payload
//
// The payload, when non-empty, is the XDR encoding of the command's message
// struct (see message.go). Some commands additionally pass exactly one file
// descriptor via SCM_RIGHTS ancillary data. The transport is synchronous
// request/reply per peer pair; ordering is preserved per socket.
package ipc

import "fmt"

// Cmd identifies a command on the transport. The numeric values are
// wire-stable: the security module may outlive a supervisor reload, so both
// sides must agree across restarts.
type Cmd uint8

// Worker <-> supervisor commands.
const (
	// CmdAuthCookieReq presents a session identifier for resume.
	CmdAuthCookieReq Cmd = iota + 1

	// CmdAuthCookieRep carries the resolved session, assigned addresses
	// and (via SCM_RIGHTS) the tunnel device descriptor.
	CmdAuthCookieRep

	// CmdResumeStoreReq stores a TLS session ticket in the resume cache.
	CmdResumeStoreReq

	// CmdResumeDeleteReq removes a TLS session ticket from the resume cache.
	CmdResumeDeleteReq

	// CmdResumeFetchReq fetches a TLS session ticket from the resume cache.
	CmdResumeFetchReq

	// CmdResumeFetchRep answers a CmdResumeFetchReq.
	CmdResumeFetchRep

	// CmdTunMTU reports the negotiated tunnel MTU to the supervisor.
	CmdTunMTU

	// CmdSessionInfo reports TLS session details for accounting.
	CmdSessionInfo

	// CmdUDPFD passes a connected UDP socket to the worker.
	CmdUDPFD

	// CmdTerminate asks the receiver to tear down. Fire-and-forget.
	CmdTerminate
)

// Supervisor <-> security module commands.
const (
	// CmdSecAuthInit starts an authentication exchange.
	CmdSecAuthInit Cmd = iota + 32

	// CmdSecAuthCont continues a multi-step authentication exchange.
	CmdSecAuthCont

	// CmdSecAuthReply answers an init or cont step.
	CmdSecAuthReply

	// CmdSecDecrypt proxies a private-key decrypt operation.
	CmdSecDecrypt

	// CmdSecSign proxies a private-key sign operation.
	CmdSecSign

	// CmdSecmSessionOpen asks the security module to bind a session to a
	// connecting worker.
	CmdSecmSessionOpen

	// CmdSecmSessionClose reports a session teardown with final stats.
	CmdSecmSessionClose

	// CmdSecmSessionReply answers a session open or close.
	CmdSecmSessionReply

	// CmdSecmStats pushes interim traffic stats. Fire-and-forget.
	CmdSecmStats

	// CmdSecmBanIP asks the supervisor to score an address.
	CmdSecmBanIP

	// CmdSecmBanIPReply answers a CmdSecmBanIP.
	CmdSecmBanIPReply

	// CmdSecmReload asks the security module to reload configuration.
	CmdSecmReload

	// CmdSecmReloadReply acknowledges a reload.
	CmdSecmReloadReply

	// CmdSecmListCookies asks for a listing of live session entries.
	CmdSecmListCookies

	// CmdSecmListCookiesReply answers a CmdSecmListCookies.
	CmdSecmListCookiesReply

	// CmdSecCliStats pushes per-client stats for accounting backends.
	CmdSecCliStats
)

// cmdNames maps commands to their wire-log names.
var cmdNames = map[Cmd]string{
	CmdAuthCookieReq:        "auth-cookie-req",
	CmdAuthCookieRep:        "auth-cookie-rep",
	CmdResumeStoreReq:       "resume-store-req",
	CmdResumeDeleteReq:      "resume-delete-req",
	CmdResumeFetchReq:       "resume-fetch-req",
	CmdResumeFetchRep:       "resume-fetch-rep",
	CmdTunMTU:               "tun-mtu",
	CmdSessionInfo:          "session-info",
	CmdUDPFD:                "udp-fd",
	CmdTerminate:            "terminate",
	CmdSecAuthInit:          "sec-auth-init",
	CmdSecAuthCont:          "sec-auth-cont",
	CmdSecAuthReply:         "sec-auth-reply",
	CmdSecDecrypt:           "sec-decrypt",
	CmdSecSign:              "sec-sign",
	CmdSecmSessionOpen:      "secm-session-open",
	CmdSecmSessionClose:     "secm-session-close",
	CmdSecmSessionReply:     "secm-session-reply",
	CmdSecmStats:            "secm-stats",
	CmdSecmBanIP:            "secm-ban-ip",
	CmdSecmBanIPReply:       "secm-ban-ip-reply",
	CmdSecmReload:           "secm-reload",
	CmdSecmReloadReply:      "secm-reload-reply",
	CmdSecmListCookies:      "secm-list-cookies",
	CmdSecmListCookiesReply: "secm-list-cookies-reply",
	CmdSecCliStats:          "sec-cli-stats",
}

// String returns the log name of the command.
func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// Status codes carried in reply messages.
const (
	// StatusOK indicates the request succeeded.
	StatusOK uint32 = 0

	// StatusFailed indicates a generic failure.
	StatusFailed uint32 = 1

	// StatusAuthFailed indicates the authentication exchange failed.
	StatusAuthFailed uint32 = 2

	// StatusAuthContinue indicates another authentication step is needed.
	StatusAuthContinue uint32 = 3

	// StatusNotFound indicates the referenced object does not exist.
	StatusNotFound uint32 = 4
)

// Disconnect reasons reported on session close. Wire-stable.
const (
	// ReasonUnknown is the zero value; no reason was recorded.
	ReasonUnknown uint32 = 0

	// ReasonUserDisconnect is a client-requested disconnect. Some clients
	// disconnect with the intention to reconnect seconds later, so the
	// session is kept dormant only briefly.
	ReasonUserDisconnect uint32 = 1

	// ReasonServerDisconnect is a server-initiated disconnect.
	ReasonServerDisconnect uint32 = 2

	// ReasonSessionTimeout indicates the session hit its time limit.
	ReasonSessionTimeout uint32 = 3

	// ReasonError indicates the connection was lost or errored.
	ReasonError uint32 = 4
)
