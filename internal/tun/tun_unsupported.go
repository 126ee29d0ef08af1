//go:build !linux && !freebsd

package tun

import "log/slog"

// The tun lifecycle is implemented for Linux and FreeBSD. Other systems
// get explicit errors instead of silently absent tunnels.

func osOpenTun(_ Config, _ *slog.Logger) (*Device, error) {
	return nil, ErrUnsupportedPlatform
}

func osSetNetworkInfo(_ *Device) error {
	return ErrUnsupportedPlatform
}

func osResetAddrs(_ *Device) {}

func osDestroyTun(_ *Device) {}

// HasAFHeader reports whether this platform's tun framing carries the
// 4-byte address-family word.
func HasAFHeader() bool { return false }
