// Package proc tracks the per-client worker processes owned by the
// supervisor: their command sockets, bound session, tunnel device and
// traffic counters.
package proc

import (
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/govpnc/internal/iplease"
	"github.com/dantte-lp/govpnc/internal/tun"
)

// Proc is the supervisor's record of one connected worker. The tunnel
// descriptor recorded here is the supervisor's own copy; once passed to
// the worker it is closed and cleared.
type Proc struct {
	// PID is the worker process id (zero for in-process test workers).
	PID int

	// SocketFD is the supervisor's end of the worker command socket.
	SocketFD int

	// SID is the bound session identifier, empty before cookie auth.
	SID []byte

	// RemoteAddr is the peer's transport address.
	RemoteAddr netip.AddrPort

	// Username and VHost are filled from the session reply.
	Username string
	VHost    string

	// Tun is the session's tunnel device while the supervisor still
	// owns it.
	Tun *tun.Device

	// Leases are the session's address allocations.
	Leases *iplease.Leases

	// TunName survives the device hand-off for logging and teardown.
	TunName string

	// Traffic counters reported by the worker.
	BytesIn  uint64
	BytesOut uint64

	// ConnectedAt is when the worker bound its session.
	ConnectedAt time.Time

	// DisconReason is recorded at teardown (ipc.Reason* values).
	DisconReason uint32
}

// Uptime returns the session age in whole seconds, zero before binding.
func (p *Proc) Uptime(now time.Time) uint32 {
	if p.ConnectedAt.IsZero() {
		return 0
	}
	d := now.Sub(p.ConnectedAt)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// Table is the supervisor's process registry. Keyed by the worker command
// socket descriptor, which is unique per live worker regardless of
// whether the worker runs as a separate process.
type Table struct {
	mu    sync.Mutex
	procs map[int]*Proc
}

// NewTable creates an empty registry.
func NewTable() *Table {
	return &Table{
		procs: make(map[int]*Proc),
	}
}

// Add registers a worker record.
func (t *Table) Add(p *Proc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.procs[p.SocketFD] = p
}

// Remove unregisters a worker record.
func (t *Table) Remove(p *Proc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.procs, p.SocketFD)
}

// Len returns the number of live workers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.procs)
}

// Each calls fn for every live worker record. The table lock is held for
// the duration; fn must not call back into the table.
func (t *Table) Each(fn func(*Proc)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.procs {
		fn(p)
	}
}
