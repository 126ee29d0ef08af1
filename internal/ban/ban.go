// Package ban implements the score-based admission throttle applied to
// connecting peers. Abusive behavior (failed authentication, connection
// floods) accumulates points against the peer address; crossing the
// configured threshold refuses the address until the ban expires. IPv6
// peers are collapsed to their /64 so a single subscriber prefix cannot
// dodge the throttle by rotating interface identifiers.
package ban

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/govpnc/internal/geoip"
)

// Config holds the scoring knobs. A MaxScore of zero disables the engine
// entirely: every operation becomes a no-op reporting "not banned".
type Config struct {
	// MaxScore is the threshold at or above which an address is banned.
	MaxScore uint32

	// ResetTime is the sliding window; accumulated points roll over to
	// zero once a window passes with the score untouched by a reset.
	ResetTime time.Duration

	// MinReauthTime is how long a ban lasts once imposed.
	MinReauthTime time.Duration

	// PointsConnect is added for every connection attempt.
	PointsConnect uint32

	// PointsWrongPassword is added for every failed password.
	PointsWrongPassword uint32

	// PointsKKDCP is added for every KKDCP protocol error.
	PointsKKDCP uint32
}

// entry is the per-address scoring state.
type entry struct {
	score     uint32
	lastReset time.Time
	expires   time.Time
}

// Engine is the ban database owned by the supervisor. All scoring updates
// are serialized behind its mutex; there are no cross-process races because
// only the supervisor touches it.
type Engine struct {
	mu      sync.Mutex
	entries map[netip.Addr]*entry

	cfg     Config
	geo     *geoip.Resolver
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures optional Engine parameters.
type Option func(*Engine)

// WithGeoIP attaches a resolver used to enrich ban log lines with the
// peer's country. A nil resolver is ignored.
func WithGeoIP(r *geoip.Resolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.geo = r
		}
	}
}

// WithClock overrides the time source. Used by tests to step through reset
// and expiry windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFunc = now
		}
	}
}

// NewEngine creates a ban engine with the given scoring configuration.
func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		entries: make(map[netip.Addr]*entry),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ban")),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// normalize collapses an address to its ban key: IPv4 stays as-is (mapped
// v4-in-v6 forms are unmapped first), IPv6 has its low 64 bits zeroed.
func normalize(addr netip.Addr) netip.Addr {
	addr = addr.Unmap()
	if addr.Is4() {
		return addr
	}

	b := addr.As16()
	for i := 8; i < 16; i++ {
		b[i] = 0
	}
	return netip.AddrFrom16(b)
}

// Record adds points against an address and reports whether it is banned
// after the addition.
//
// A new address starts a fresh window. An address whose window has lapsed
// has its score zeroed before the addition. The ban expiry is only pushed
// forward while the address is NOT yet banned: once banned, further
// attempts must not extend the ban, or a peer that periodically polls the
// server would never be unbanned.
func (e *Engine) Record(addr netip.Addr, points uint32) bool {
	if e.cfg.MaxScore == 0 {
		return false
	}
	if !addr.IsValid() {
		e.logger.Warn("ignoring ban update for invalid address")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.recordLocked(normalize(addr), points)
}

// RecordText is Record for addresses held in text form. Unparsable input
// is logged and treated as not banned.
func (e *Engine) RecordText(ip string, points uint32) bool {
	if e.cfg.MaxScore == 0 || ip == "" {
		return false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		e.logger.Info("could not parse IP for ban update",
			slog.String("ip", ip),
		)
		return false
	}
	return e.Record(addr, points)
}

func (e *Engine) recordLocked(key netip.Addr, points uint32) bool {
	now := e.nowFunc()

	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{lastReset: now}
		e.entries[key] = ent
	} else if now.After(ent.lastReset.Add(e.cfg.ResetTime)) {
		ent.score = 0
		ent.lastReset = now
	}

	wasBanned := ent.score >= e.cfg.MaxScore
	if !wasBanned {
		ent.expires = now.Add(e.cfg.MinReauthTime)
	}
	ent.score += points

	if ent.score >= e.cfg.MaxScore {
		if !wasBanned {
			e.logBanned(key, ent)
		}
		return true
	}

	e.logger.Debug("ban points added",
		slog.String("ip", key.String()),
		slog.Uint64("points", uint64(points)),
		slog.Uint64("score", uint64(ent.score)),
	)
	return false
}

func (e *Engine) logBanned(key netip.Addr, ent *entry) {
	attrs := []any{
		slog.String("ip", key.String()),
		slog.Uint64("score", uint64(ent.score)),
		slog.Time("expires", ent.expires),
	}
	if e.geo != nil {
		if country, code := e.geo.Lookup(key.String()); country != "" {
			attrs = append(attrs,
				slog.String("country", country),
				slog.String("country_code", code),
			)
		}
	}
	e.logger.Info("added IP to ban list", attrs...)
}

// Unban zeroes the score and expiry for an address, lifting any ban.
// Reports whether an entry existed.
func (e *Engine) Unban(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[normalize(addr)]
	if !ok {
		return false
	}

	e.logger.Info("unbanning IP", slog.String("ip", addr.String()))
	ent.score = 0
	ent.expires = time.Time{}
	return true
}

// Check scores a connection attempt and reports whether the address must
// be refused. The connect points are added first, so a flood of bare
// connections is itself enough to trip the ban.
func (e *Engine) Check(addr netip.Addr) bool {
	if e.cfg.MaxScore == 0 {
		return false
	}
	if !addr.IsValid() {
		e.logger.Error("unknown address type on admission check")
		return false
	}

	key := normalize(addr)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordLocked(key, e.cfg.PointsConnect)

	ent, ok := e.entries[key]
	if !ok {
		return false
	}

	now := e.nowFunc()
	if now.After(ent.expires) {
		return false
	}
	if ent.score >= e.cfg.MaxScore {
		e.logger.Info("rejected connection from banned IP",
			slog.String("ip", addr.String()),
		)
		return true
	}
	return false
}

// Score returns the current score recorded against an address, zero if
// none. Used by stats reporting and tests.
func (e *Engine) Score(addr netip.Addr) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.entries[normalize(addr)]; ok {
		return ent.score
	}
	return 0
}

// Expires returns the ban expiry recorded against an address, the zero
// time if none.
func (e *Engine) Expires(addr netip.Addr) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.entries[normalize(addr)]; ok {
		return ent.expires
	}
	return time.Time{}
}

// Len returns the number of tracked addresses.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.entries)
}

// Reap deletes entries whose ban has lifted and whose scoring window has
// lapsed, bounding the memory held for abusive peers.
func (e *Engine) Reap(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, ent := range e.entries {
		if !now.Before(ent.expires) && now.After(ent.lastReset.Add(e.cfg.ResetTime)) {
			delete(e.entries, key)
			removed++
		}
	}
	return removed
}
