// Package tun provisions the per-session kernel point-to-point interfaces
// that carry client traffic. The lifecycle API is single-shape -- open,
// configure, reset, close -- with the platform ioctl differences behind
// build-tagged implementations.
package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/iplease"
)

// Sentinel errors for device operations.
var (
	// ErrNoName indicates the kernel handed back a device without a name.
	ErrNoName = errors.New("tun device with no name")

	// ErrUnsupportedPlatform indicates no tun implementation exists for
	// this OS.
	ErrUnsupportedPlatform = errors.New("tun devices not supported on this platform")

	// ErrUnknownIPVersion indicates a packet whose first nibble is
	// neither 4 nor 6.
	ErrUnknownIPVersion = errors.New("unknown IP version in tun packet")
)

// Config holds the provisioning knobs for new devices.
type Config struct {
	// NamePrefix is the device name template prefix (e.g. "vpns").
	NamePrefix string

	// Owner and Group restrict the device node; -1 leaves the kernel
	// default in place.
	Owner int
	Group int
}

// Device is one open tun interface bound to a session. The descriptor is
// created by the supervisor and handed to exactly one worker over the
// command transport; after passing, the supervisor closes its copy.
type Device struct {
	// Name is the kernel-assigned interface name.
	Name string

	// FD is the open tun descriptor, close-on-exec.
	FD int

	// Leases are the addresses configured on the interface.
	Leases *iplease.Leases

	// afHeader is set on platforms whose tun framing carries a 4-byte
	// address-family word per datagram.
	afHeader bool

	// complainedOnce gates the unknown-version log to a single line.
	complainedOnce sync.Once

	logger *slog.Logger
}

// NewDevice wraps an externally provisioned descriptor in a Device.
// Used by tests and by integrations that obtain their tunnel descriptors
// elsewhere; Open is the normal path.
func NewDevice(name string, fd int, leases *iplease.Leases, logger *slog.Logger) *Device {
	return &Device{
		Name:     name,
		FD:       fd,
		Leases:   leases,
		afHeader: HasAFHeader(),
		logger:   logger.With(slog.String("component", "tun")),
	}
}

// Open allocates a kernel tun device, configures the leased addresses on
// it and brings it up. On any failure after the device is created, the
// interface is released again before the error returns; the caller keeps
// ownership of the leases and releases them itself.
func Open(cfg Config, leases *iplease.Leases, logger *slog.Logger) (*Device, error) {
	d, err := osOpenTun(cfg, logger.With(slog.String("component", "tun")))
	if err != nil {
		return nil, err
	}
	d.Leases = leases

	unix.CloseOnExec(d.FD)

	if d.Name == "" {
		d.destroy()
		return nil, ErrNoName
	}

	if err := osSetNetworkInfo(d); err != nil {
		d.destroy()
		return nil, fmt.Errorf("configure %s: %w", d.Name, err)
	}

	d.logger.Debug("tun device ready",
		slog.String("name", d.Name),
		slog.Int("fd", d.FD),
	)

	return d, nil
}

// Close releases the descriptor and, on platforms that support it,
// destroys the kernel interface.
func (d *Device) Close() {
	d.destroy()
}

// destroy closes the fd and removes the interface where the platform
// requires explicit destruction.
func (d *Device) destroy() {
	if d.FD >= 0 {
		_ = unix.Close(d.FD)
		d.FD = -1
	}
	osDestroyTun(d)
}

// Reset removes the configured addresses from the interface without
// closing it. Best-effort: errors are logged, not fatal -- the device is
// about to go away anyway.
func (d *Device) Reset() {
	if d.Name == "" {
		return
	}
	osResetAddrs(d)
}
