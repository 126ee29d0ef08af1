// Package secmod implements the privileged security module: it owns the
// session database keyed by opaque session identifiers, drives the
// authentication state machine, and answers the supervisor over the
// command transport. Key material and credentials never leave this
// process.
package secmod

import (
	"crypto/sha1"
	"encoding/base64"
	"time"
)

// SIDSize is the length of a session identifier in bytes.
const SIDSize = 16

// SID is the opaque session identifier minted on successful
// authentication and presented by clients as their cookie. Unique among
// live entries.
type SID [SIDSize]byte

// SafeID derives the non-reversible log label for a session identifier:
// base64(SHA-1(SID)). Log lines carry only the safe form so a leaked log
// cannot be replayed as a cookie.
func SafeID(sid SID) string {
	sum := sha1.Sum(sid[:])
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AuthState tracks the progress of a session's authentication exchange.
type AuthState uint32

const (
	// AuthInactive is the state before any exchange has started.
	AuthInactive AuthState = iota

	// AuthInit means the first authentication step has been received.
	AuthInit

	// AuthCont means a multi-step exchange is in progress.
	AuthCont

	// AuthCompleted means the exchange finished successfully; the entry
	// is usable as a cookie.
	AuthCompleted

	// AuthFailed means the exchange failed terminally.
	AuthFailed
)

// String returns the log name of the state.
func (s AuthState) String() string {
	switch s {
	case AuthInactive:
		return "inactive"
	case AuthInit:
		return "init"
	case AuthCont:
		return "cont"
	case AuthCompleted:
		return "completed"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VHostConfig is the virtual-host profile a session is bound to. Entries
// hold a pointer to their owning profile; the dormancy policy reads the
// cookie lifetime knobs from here so a reload can swap profiles without
// touching live entries.
type VHostConfig struct {
	// Name identifies the profile.
	Name string

	// CookieTimeout is how long a dormant session stays resumable.
	CookieTimeout time.Duration

	// AuthSlack is the short grace applied around disconnects and
	// authentication, absorbing clients that reconnect within seconds.
	AuthSlack time.Duration

	// PersistentCookies keeps sessions resumable across server-initiated
	// disconnects.
	PersistentCookies bool

	// MOTD is an optional message handed to clients of this profile.
	MOTD string

	// MaxAuthAttempts bounds password retries per entry.
	MaxAuthAttempts int
}

// AcctInfo is the accounting view of a session, reported to accounting
// backends and the cookie listing.
type AcctInfo struct {
	Username  string
	RemoteIP  string
	IPv4      string
	IPv6      string
	LocalIP   string
	UserAgent string
	PeerPID   uint32

	BytesIn  uint64
	BytesOut uint64
	Uptime   uint32
}

// ClientEntry is one session record. Entries are owned by the database;
// callers hold non-owning handles and must not retain them past Delete.
type ClientEntry struct {
	SID    SID
	SafeID string

	Acct AcctInfo

	State        AuthState
	AuthAttempts int

	Created      time.Time
	ExpTime      time.Time
	LastModified time.Time

	// InUse counts concurrently bound workers; zero means dormant.
	InUse int

	// DisconReason records the last disconnect (ipc.Reason* values).
	DisconReason uint32

	VHost *VHostConfig

	// MOTD overrides the vhost message for this session when non-empty.
	MOTD string
}

// Motd returns the effective message-of-the-day for the entry.
func (e *ClientEntry) Motd() string {
	if e.MOTD != "" {
		return e.MOTD
	}
	if e.VHost != nil {
		return e.VHost.MOTD
	}
	return ""
}
