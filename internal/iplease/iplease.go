// Package iplease allocates the point-to-point address pairs handed to
// client tunnels. Each lease reserves a distinct local and remote address
// from the configured per-family pool; the lease lives exactly as long as
// the owning client process record and returns both addresses to the free
// pool on removal.
package iplease

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
)

// Sentinel errors for lease operations.
var (
	// ErrPoolExhausted indicates no free address pair exists in the pool.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrNoPool indicates the requested family has no configured pool.
	ErrNoPool = errors.New("no address pool configured for family")

	// ErrStaticConflict indicates a configured static address is already
	// leased or reserved.
	ErrStaticConflict = errors.New("static address conflicts with an existing lease")

	// ErrNoFamilyAvailable indicates neither family could produce a lease.
	ErrNoFamilyAvailable = errors.New("no address of any family available")
)

// maxPoolScan bounds the linear scan through very large (IPv6) pools.
const maxPoolScan = 1 << 16

// Lease is a (local, remote, prefix) triple reserved to one session.
type Lease struct {
	Local  netip.Addr
	Remote netip.Addr
	Prefix int
}

// Leases holds the per-family allocations of one session. Either family
// may be absent, but not both.
type Leases struct {
	IPv4 *Lease
	IPv6 *Lease
}

// Config describes the assignable ranges and the addresses excluded from
// them.
type Config struct {
	// IPv4Network is the IPv4 pool; invalid means no IPv4 leases.
	IPv4Network netip.Prefix

	// IPv6Network is the IPv6 pool; invalid means no IPv6 leases.
	IPv6Network netip.Prefix

	// IPv6SubnetPrefix is the prefix length advertised with IPv6 leases.
	IPv6SubnetPrefix int

	// DNS lists resolver addresses excluded from allocation when they
	// fall inside a pool.
	DNS []netip.Addr

	// Reserved lists additional excluded addresses (the concentrator's
	// own tunnel endpoints).
	Reserved []netip.Addr
}

// pool tracks the in-use set for one family.
type pool struct {
	network  netip.Prefix
	prefix   int
	reserved map[netip.Addr]struct{}
	inUse    map[netip.Addr]struct{}
}

// Allocator owns the per-family pools. It is used only by the supervisor;
// the mutex serializes allocation against the reap path.
type Allocator struct {
	mu     sync.Mutex
	v4     *pool
	v6     *pool
	logger *slog.Logger
}

// NewAllocator builds the pools from cfg. Network and broadcast addresses,
// DNS servers and explicitly reserved addresses are excluded up front.
func NewAllocator(cfg Config, logger *slog.Logger) *Allocator {
	a := &Allocator{
		logger: logger.With(slog.String("component", "iplease")),
	}

	if cfg.IPv4Network.IsValid() {
		a.v4 = newPool(cfg.IPv4Network, cfg.IPv4Network.Bits(), cfg)
	}
	if cfg.IPv6Network.IsValid() {
		prefix := cfg.IPv6SubnetPrefix
		if prefix == 0 {
			prefix = cfg.IPv6Network.Bits()
		}
		a.v6 = newPool(cfg.IPv6Network, prefix, cfg)
	}

	return a
}

func newPool(network netip.Prefix, prefix int, cfg Config) *pool {
	p := &pool{
		network:  network.Masked(),
		prefix:   prefix,
		reserved: make(map[netip.Addr]struct{}),
		inUse:    make(map[netip.Addr]struct{}),
	}

	// The network address itself is never assignable.
	p.reserved[p.network.Addr()] = struct{}{}

	// For IPv4, neither is the broadcast address.
	if network.Addr().Is4() {
		p.reserved[lastAddr(p.network)] = struct{}{}
	}

	for _, d := range cfg.DNS {
		if p.network.Contains(d) {
			p.reserved[d] = struct{}{}
		}
	}
	for _, r := range cfg.Reserved {
		if p.network.Contains(r) {
			p.reserved[r] = struct{}{}
		}
	}

	return p
}

// lastAddr returns the highest address inside a prefix (the IPv4
// broadcast address).
func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().As4()
	bits := p.Bits()
	for i := bits; i < 32; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	return netip.AddrFrom4(b)
}

// free reports whether an address can be handed out.
func (p *pool) free(addr netip.Addr) bool {
	if !p.network.Contains(addr) {
		return false
	}
	if _, ok := p.reserved[addr]; ok {
		return false
	}
	if _, ok := p.inUse[addr]; ok {
		return false
	}
	return true
}

// alloc reserves a distinct (local, remote) pair. The scan walks the pool
// from its base, bounded for very large pools.
func (p *pool) alloc() (*Lease, error) {
	var local, remote netip.Addr

	addr := p.network.Addr()
	for n := 0; n < maxPoolScan; n++ {
		if !p.network.Contains(addr) {
			break
		}
		if p.free(addr) {
			if !local.IsValid() {
				local = addr
			} else {
				remote = addr
				break
			}
		}
		addr = addr.Next()
	}

	if !local.IsValid() || !remote.IsValid() {
		return nil, ErrPoolExhausted
	}

	p.inUse[local] = struct{}{}
	p.inUse[remote] = struct{}{}

	return &Lease{Local: local, Remote: remote, Prefix: p.prefix}, nil
}

// allocStatic reserves a lease whose remote end is the configured static
// address. Fails with ErrStaticConflict when the address is taken.
func (p *pool) allocStatic(remote netip.Addr) (*Lease, error) {
	if !p.free(remote) {
		return nil, fmt.Errorf("static address %s: %w", remote, ErrStaticConflict)
	}

	// Temporarily hold the static address so the local scan cannot pick it.
	p.inUse[remote] = struct{}{}

	var local netip.Addr
	addr := p.network.Addr()
	for n := 0; n < maxPoolScan; n++ {
		if !p.network.Contains(addr) {
			break
		}
		if p.free(addr) {
			local = addr
			break
		}
		addr = addr.Next()
	}

	if !local.IsValid() {
		delete(p.inUse, remote)
		return nil, ErrPoolExhausted
	}

	p.inUse[local] = struct{}{}

	return &Lease{Local: local, Remote: remote, Prefix: p.prefix}, nil
}

// release returns a lease's addresses to the free pool.
func (p *pool) release(l *Lease) {
	delete(p.inUse, l.Local)
	delete(p.inUse, l.Remote)
}

// Get allocates leases for a session. A valid static address bypasses the
// pool scan for that family but still conflict-checks; on conflict the
// allocator warns and falls back to pool allocation. A family without a
// configured pool is simply absent from the result. When neither family
// yields a lease the session cannot proceed and ErrNoFamilyAvailable is
// returned.
func (a *Allocator) Get(staticIPv4, staticIPv6 netip.Addr) (*Leases, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := &Leases{}

	out.IPv4 = a.allocFamily(a.v4, staticIPv4, "ipv4")
	out.IPv6 = a.allocFamily(a.v6, staticIPv6, "ipv6")

	if out.IPv4 == nil && out.IPv6 == nil {
		return nil, ErrNoFamilyAvailable
	}
	return out, nil
}

func (a *Allocator) allocFamily(p *pool, static netip.Addr, family string) *Lease {
	if p == nil {
		return nil
	}

	if static.IsValid() {
		lease, err := p.allocStatic(static)
		if err == nil {
			return lease
		}
		a.logger.Warn("static address unavailable, falling back to pool",
			slog.String("family", family),
			slog.String("static", static.String()),
			slog.String("error", err.Error()),
		)
	}

	lease, err := p.alloc()
	if err != nil {
		a.logger.Warn("no lease available",
			slog.String("family", family),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return lease
}

// Remove returns a session's leases to the free pools, restoring them to
// their pre-allocation state.
func (a *Allocator) Remove(l *Leases) {
	if l == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if l.IPv4 != nil && a.v4 != nil {
		a.v4.release(l.IPv4)
	}
	if l.IPv6 != nil && a.v6 != nil {
		a.v6.release(l.IPv6)
	}
}

// InUse returns the number of leased addresses per family. Exposed for
// stats reporting.
func (a *Allocator) InUse() (v4, v6 int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.v4 != nil {
		v4 = len(a.v4.inUse)
	}
	if a.v6 != nil {
		v6 = len(a.v6.inUse)
	}
	return v4, v6
}

// IPv4PrefixToMask renders a prefix length as a dotted-quad netmask
// ("24" -> "255.255.255.0").
func IPv4PrefixToMask(prefix int) (string, error) {
	if prefix < 0 || prefix > 32 {
		return "", fmt.Errorf("invalid IPv4 prefix length %d", prefix)
	}

	var octets [4]uint8
	for i := 0; i < prefix; i++ {
		octets[i/8] |= 1 << (7 - i%8)
	}

	var sb strings.Builder
	for i, o := range octets {
		if i > 0 {
			sb.WriteByte('.')
		}
		fmt.Fprintf(&sb, "%d", o)
	}
	return sb.String(), nil
}
