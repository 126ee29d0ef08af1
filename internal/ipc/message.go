package ipc

// Message structs for the transport payloads. Encoding is XDR
// (rasky/go-xdr); both peers share these schemas, and the encoded form is
// wire-stable across supervisor reloads. Fields stick to XDR-native types:
// uint32/uint64/int64, bool, string, opaque ([]byte) and structs.

// AuthCookieReq presents a session identifier for cookie resume
// (worker -> supervisor).
type AuthCookieReq struct {
	SID []byte
}

// AuthCookieRep is the resolved session handed back to the worker. When
// Status is StatusOK the frame also carries the tunnel device fd via
// SCM_RIGHTS.
type AuthCookieRep struct {
	Status   uint32
	SID      []byte
	SafeID   string
	Username string
	VHost    string
	MOTD     string

	TunName string

	// Assigned addresses, in text form; empty when the family is absent.
	IPv4Local  string
	IPv4Remote string
	IPv6Local  string
	IPv6Remote string
	IPv6Prefix uint32

	DNS []string
}

// ResumeStoreReq stores a TLS session ticket keyed by its session ID.
type ResumeStoreReq struct {
	SessionID   []byte
	SessionData []byte
}

// ResumeDeleteReq removes a stored TLS session ticket.
type ResumeDeleteReq struct {
	SessionID []byte
}

// ResumeFetchReq fetches a stored TLS session ticket.
type ResumeFetchReq struct {
	SessionID []byte
}

// ResumeFetchRep answers a ResumeFetchReq.
type ResumeFetchRep struct {
	Status      uint32
	SessionData []byte
}

// TunMTUMsg reports the negotiated tunnel MTU.
type TunMTUMsg struct {
	MTU uint32
}

// SessionInfoMsg reports TLS details of the established session.
type SessionInfoMsg struct {
	SafeID          string
	TLSCiphersuite  string
	DTLSCiphersuite string
	UserAgent       string
	RemoteIP        string
}

// AuthInitMsg starts an authentication exchange (supervisor -> sec-mod,
// originated by a worker).
type AuthInitMsg struct {
	VHost     string
	Username  string
	RemoteIP  string
	UserAgent string
	PID       uint32
}

// AuthContMsg continues a multi-step authentication exchange.
type AuthContMsg struct {
	SID      []byte
	Password string
}

// AuthReplyMsg answers an init or cont step. On StatusOK it carries the
// freshly minted session identifier.
type AuthReplyMsg struct {
	Status uint32
	SID    []byte
	MOTD   string
}

// SessionOpenMsg binds a live worker to a session entry.
type SessionOpenMsg struct {
	SID      []byte
	RemoteIP string
	PID      uint32

	IPv4 string
	IPv6 string
}

// SessionCloseMsg reports a teardown with final stats.
type SessionCloseMsg struct {
	SID      []byte
	Reason   uint32
	BytesIn  uint64
	BytesOut uint64
	Uptime   uint32
}

// SessionReplyMsg answers a session open or close.
type SessionReplyMsg struct {
	Status   uint32
	Username string
	VHost    string
	SafeID   string
	MOTD     string
}

// StatsMsg pushes interim traffic stats for a bound session.
type StatsMsg struct {
	SID      []byte
	BytesIn  uint64
	BytesOut uint64
	Uptime   uint32
}

// BanIPMsg asks the supervisor to add points against an address.
type BanIPMsg struct {
	IP    string
	Score uint32
}

// BanIPReplyMsg reports whether the address is now banned.
type BanIPReplyMsg struct {
	Status uint32
	Banned bool
}

// ReloadReplyMsg acknowledges a configuration reload.
type ReloadReplyMsg struct {
	Status uint32
}

// CookieEntry is one live session entry in a listing reply.
type CookieEntry struct {
	SafeID    string
	Username  string
	VHost     string
	RemoteIP  string
	State     uint32
	InUse     uint32
	ExpiresAt int64
}

// ListCookiesReplyMsg enumerates live session entries.
type ListCookiesReplyMsg struct {
	Cookies []CookieEntry
}

// SecOpMsg carries the input of a proxied private-key operation
// (decrypt or sign).
type SecOpMsg struct {
	VHost string
	Data  []byte
}

// SecOpReplyMsg carries the result of a proxied private-key operation.
type SecOpReplyMsg struct {
	Status uint32
	Data   []byte
}

// CliStatsMsg pushes per-client stats for accounting backends.
type CliStatsMsg struct {
	SafeID   string
	BytesIn  uint64
	BytesOut uint64
	Uptime   uint32
	Reason   uint32
}
