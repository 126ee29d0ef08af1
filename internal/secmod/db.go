package secmod

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/govpnc/internal/ipc"
)

// maxSIDAttempts is the number of random generation attempts before
// giving up on a unique session identifier. With a 128-bit random space a
// collision is astronomically unlikely; the bound is a safety net against
// a degenerate random source.
const maxSIDAttempts = 4

// Sentinel errors for database operations.
var (
	// ErrRNG indicates the random source failed.
	ErrRNG = errors.New("session identifier random source failed")

	// ErrSIDCollision indicates no unique identifier was found within
	// the attempt bound.
	ErrSIDCollision = errors.New("could not generate a unique session identifier")

	// ErrEntryNotFound indicates no entry exists for the identifier.
	ErrEntryNotFound = errors.New("session entry not found")
)

// DB is the session database: an O(1) mapping from session identifier to
// client entry. Owned by the security module; the supervisor only ever
// holds opaque identifiers.
type DB struct {
	mu      sync.Mutex
	entries map[SID]*ClientEntry

	random  io.Reader
	logger  *slog.Logger
	nowFunc func() time.Time
}

// DBOption configures optional DB parameters.
type DBOption func(*DB)

// WithRandom overrides the random source used for identifier generation.
// Tests use a deterministic reader to force known identifiers and
// collisions.
func WithRandom(r io.Reader) DBOption {
	return func(db *DB) {
		if r != nil {
			db.random = r
		}
	}
}

// WithDBClock overrides the time source.
func WithDBClock(now func() time.Time) DBOption {
	return func(db *DB) {
		if now != nil {
			db.nowFunc = now
		}
	}
}

// NewDB creates an empty session database.
func NewDB(logger *slog.Logger, opts ...DBOption) *DB {
	db := &DB{
		entries: make(map[SID]*ClientEntry),
		random:  rand.Reader,
		logger:  logger.With(slog.String("component", "secmod.db")),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Create allocates a new entry bound to vhost for a peer at remoteIP
// handled by worker pid. The identifier is generated from the
// cryptographic random source and checked for uniqueness, with at most
// maxSIDAttempts generation attempts in total. The returned handle is
// non-owning; the entry
// belongs to the database.
func (db *DB) Create(vhost *VHostConfig, remoteIP string, pid uint32) (*ClientEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e := &ClientEntry{
		State: AuthInactive,
		VHost: vhost,
	}
	e.Acct.RemoteIP = remoteIP
	e.Acct.PeerPID = pid

	found := false
	for attempt := 0; attempt < maxSIDAttempts; attempt++ {
		if _, err := io.ReadFull(db.random, e.SID[:]); err != nil {
			return nil, fmt.Errorf("generate SID: %w", errors.Join(ErrRNG, err))
		}
		if _, taken := db.entries[e.SID]; !taken {
			found = true
			break
		}
	}
	if !found {
		db.logger.Error("could not generate a unique SID")
		return nil, ErrSIDCollision
	}

	e.SafeID = SafeID(e.SID)

	now := db.nowFunc()
	e.Created = now
	e.LastModified = now
	e.ExpTime = now.Add(vhost.CookieTimeout + vhost.AuthSlack)

	db.entries[e.SID] = e

	db.logger.Debug("session entry created",
		slog.String("session", e.SafeID),
		slog.String("vhost", vhost.Name),
		slog.String("remote_ip", remoteIP),
	)

	return e, nil
}

// Find returns the entry for an identifier, or nil.
func (db *DB) Find(sid SID) *ClientEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.entries[sid]
}

// Delete unlinks an entry and releases it. Pending authentication state is
// torn down first; the entry handle is invalid afterwards.
func (db *DB) Delete(e *ClientEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.deleteLocked(e)
}

func (db *DB) deleteLocked(e *ClientEntry) {
	e.State = AuthInactive
	e.MOTD = ""
	delete(db.entries, e.SID)

	// The identifier doubles as the client cookie; scrub our copy.
	for i := range e.SID {
		e.SID[i] = 0
	}
}

// Bind marks the entry as in use by one more worker and keeps its expiry
// monotone non-decreasing while bound.
func (db *DB) Bind(e *ClientEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e.InUse++

	now := db.nowFunc()
	e.LastModified = now
	if next := now.Add(e.VHost.CookieTimeout + e.VHost.AuthSlack); next.After(e.ExpTime) {
		e.ExpTime = next
	}
}

// Expire releases one worker binding with the given disconnect reason.
// When the last binding goes away the dormancy policy decides the entry's
// fate:
//
//  1. Persistent cookies off and a server-initiated or timeout disconnect:
//     the session is invalidated immediately.
//  2. User-initiated disconnect: the expiry is set to now plus the short
//     grace. Some clients disconnect with the intention to reconnect
//     seconds later, so the session is kept, but only briefly. With
//     persistent cookies on, an expiry already later than that is left
//     unchanged; the expiry is never extended.
//  3. Anything else: the session stays dormant for the full cookie
//     lifetime plus grace.
func (db *DB) Expire(e *ClientEntry, reason uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e.DisconReason = reason

	if e.InUse > 0 {
		e.InUse--
	}
	if e.InUse > 0 {
		return
	}

	cfg := e.VHost
	now := db.nowFunc()
	e.LastModified = now

	if !cfg.PersistentCookies &&
		(reason == ipc.ReasonServerDisconnect || reason == ipc.ReasonSessionTimeout) {
		db.logger.Info("invalidating session",
			slog.String("session", e.SafeID),
			slog.String("user", e.Acct.Username),
		)
		db.deleteLocked(e)
		return
	}

	if reason == ipc.ReasonUserDisconnect {
		if !cfg.PersistentCookies || !now.Add(cfg.AuthSlack).Before(e.ExpTime) {
			e.ExpTime = now.Add(cfg.AuthSlack)
		}
	} else {
		e.ExpTime = now.Add(cfg.CookieTimeout + cfg.AuthSlack)
	}

	db.logger.Info("temporarily closing session",
		slog.String("session", e.SafeID),
		slog.String("user", e.Acct.Username),
	)
}

// Reap deletes dormant entries whose expiry has passed. Returns the number
// removed.
func (db *DB) Reap(now time.Time) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	removed := 0
	for _, e := range db.entries {
		if e.InUse == 0 && !now.Before(e.ExpTime) {
			db.logger.Debug("reaping expired session",
				slog.String("session", e.SafeID),
				slog.String("user", e.Acct.Username),
			)
			db.deleteLocked(e)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return len(db.entries)
}

// List returns a point-in-time listing of live entries for the cookie
// listing reply. No references to mutable state are held.
func (db *DB) List() []ipc.CookieEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]ipc.CookieEntry, 0, len(db.entries))
	for _, e := range db.entries {
		vhost := ""
		if e.VHost != nil {
			vhost = e.VHost.Name
		}
		out = append(out, ipc.CookieEntry{
			SafeID:    e.SafeID,
			Username:  e.Acct.Username,
			VHost:     vhost,
			RemoteIP:  e.Acct.RemoteIP,
			State:     uint32(e.State),
			InUse:     uint32(e.InUse),
			ExpiresAt: e.ExpTime.Unix(),
		})
	}
	return out
}
