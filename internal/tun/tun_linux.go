//go:build linux

package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/iplease"
)

// osOpenTun obtains a free tun device from /dev/net/tun. The interface
// name is templated from the configured prefix ("vpns%d"); the kernel
// fills in the number. Persistence is cleared and the owner and group are
// restricted to the configured ids.
func osOpenTun(cfg Config, logger *slog.Logger) (*Device, error) {
	template := cfg.NamePrefix + "%d"

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(template)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name template %q: %w", template, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", template, err)
	}
	name := ifr.Name()

	logger.Debug("assigned tun device", slog.String("name", name))

	// Persistent devices are a leftover hazard; every session gets a
	// fresh interface.
	if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: TUNSETPERSIST: %w", name, err)
	}

	if cfg.Owner != -1 {
		if err := unix.IoctlSetInt(fd, unix.TUNSETOWNER, cfg.Owner); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: TUNSETOWNER: %w", name, err)
		}
	}
	if cfg.Group != -1 {
		if err := unix.IoctlSetInt(fd, unix.TUNSETGROUP, cfg.Group); err != nil {
			// Old kernels do not know TUNSETGROUP and return EINVAL;
			// proceed without the group restriction there.
			if !errors.Is(err, unix.EINVAL) {
				unix.Close(fd)
				return nil, fmt.Errorf("%s: TUNSETGROUP: %w", name, err)
			}
			logger.Info("kernel without TUNSETGROUP support, skipping",
				slog.String("name", name),
			)
		}
	}

	return &Device{
		Name:     name,
		FD:       fd,
		afHeader: false,
		logger:   logger,
	}, nil
}

// osSetNetworkInfo configures the leased addresses on the interface and
// brings it up. A failing IPv6 configuration drops that family but keeps
// the session alive on IPv4; if no family could be configured at all the
// whole setup fails.
func osSetNetworkInfo(d *Device) error {
	v4OK := false
	if l := d.Leases.IPv4; l != nil {
		if err := setIPv4(d.Name, l); err != nil {
			return err
		}
		v4OK = true
	}

	if l := d.Leases.IPv6; l != nil {
		if err := setIPv6(d.Name, l); err != nil {
			d.logger.Error("could not configure IPv6, continuing without",
				slog.String("name", d.Name),
				slog.String("error", err.Error()),
			)
			d.Leases.IPv6 = nil
		}
	}

	if !v4OK && d.Leases.IPv6 == nil {
		return fmt.Errorf("%s: could not set any IP", d.Name)
	}

	return nil
}

// setIPv4 assigns the local and peer addresses and brings the interface
// up with SIOCSIFADDR / SIOCSIFDSTADDR / SIOCSIFFLAGS.
func setIPv4(name string, l *iplease.Lease) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", name, err)
	}

	local := l.Local.As4()
	if err := ifr.SetInet4Addr(local[:]); err != nil {
		return fmt.Errorf("%s: local address: %w", name, err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("%s: SIOCSIFADDR: %w", name, err)
	}

	remote := l.Remote.As4()
	if err := ifr.SetInet4Addr(remote[:]); err != nil {
		return fmt.Errorf("%s: peer address: %w", name, err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFDSTADDR, ifr); err != nil {
		return fmt.Errorf("%s: SIOCSIFDSTADDR: %w", name, err)
	}

	ifr.SetUint16(unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("%s: SIOCSIFFLAGS: %w", name, err)
	}

	return nil
}

// in6Ifreq mirrors struct in6_ifreq from linux/ipv6.h.
type in6Ifreq struct {
	Addr      [16]byte
	Prefixlen uint32
	Ifindex   uint32
}

// in6Rtmsg mirrors struct in6_rtmsg from linux/ipv6_route.h.
type in6Rtmsg struct {
	Dst     [16]byte
	Src     [16]byte
	Gateway [16]byte
	Type    uint32
	DstLen  uint16
	SrcLen  uint16
	Metric  uint32
	Info    uint64
	Flags   uint32
	Ifindex int32
}

// ioctlPtr issues an ioctl whose argument is a pointer to an arbitrary
// request struct the x/sys wrappers do not cover (the IPv6 ifreq and
// rtmsg shapes).
func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ifIndex resolves the interface index for name.
func ifIndex(sock int, name string) (int32, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("ifreq %q: %w", name, err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, fmt.Errorf("%s: SIOCGIFINDEX: %w", name, err)
	}
	return int32(ifr.Uint32()), nil
}

// setIPv6 assigns the local address, installs a host route to the remote
// end, and brings the interface up. The route ioctl parameters for IPv6
// are the in6_rtmsg shape passed to SIOCADDRT.
func setIPv6(name string, l *iplease.Lease) error {
	sock, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET6): %w", err)
	}
	defer unix.Close(sock)

	idx, err := ifIndex(sock, name)
	if err != nil {
		return err
	}

	ifr6 := in6Ifreq{
		Addr:      l.Local.As16(),
		Prefixlen: 128,
		Ifindex:   uint32(idx),
	}
	if err := ioctlPtr(sock, unix.SIOCSIFADDR, unsafe.Pointer(&ifr6)); err != nil {
		return fmt.Errorf("%s: SIOCSIFADDR (v6): %w", name, err)
	}

	rt := in6Rtmsg{
		Dst:     l.Remote.As16(),
		DstLen:  128,
		Metric:  1,
		Ifindex: idx,
	}
	if err := ioctlPtr(sock, unix.SIOCADDRT, unsafe.Pointer(&rt)); err != nil {
		return fmt.Errorf("%s: SIOCADDRT (v6): %w", name, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("%s: SIOCSIFFLAGS (v6): %w", name, err)
	}

	return nil
}

// osResetAddrs removes the configured addresses from the interface.
// Best-effort; the caller is tearing the session down regardless.
func osResetAddrs(d *Device) {
	if l := d.Leases.IPv4; l != nil {
		resetIPv4(d, l)
	}
	if l := d.Leases.IPv6; l != nil {
		resetIPv6(d, l)
	}
}

func resetIPv4(d *Device, l *iplease.Lease) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(d.Name)
	if err != nil {
		return
	}
	local := l.Local.As4()
	if err := ifr.SetInet4Addr(local[:]); err != nil {
		return
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCDIFADDR, ifr); err != nil {
		d.logger.Debug("SIOCDIFADDR failed",
			slog.String("name", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

func resetIPv6(d *Device, l *iplease.Lease) {
	sock, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return
	}
	defer unix.Close(sock)

	idx, err := ifIndex(sock, d.Name)
	if err != nil {
		return
	}

	ifr6 := in6Ifreq{
		Addr:      l.Local.As16(),
		Prefixlen: 128,
		Ifindex:   uint32(idx),
	}
	if err := ioctlPtr(sock, unix.SIOCDIFADDR, unsafe.Pointer(&ifr6)); err != nil {
		d.logger.Debug("SIOCDIFADDR (v6) failed",
			slog.String("name", d.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	rt := in6Rtmsg{
		Dst:     l.Remote.As16(),
		DstLen:  128,
		Metric:  1,
		Ifindex: idx,
	}
	if err := ioctlPtr(sock, unix.SIOCDELRT, unsafe.Pointer(&rt)); err != nil {
		d.logger.Debug("SIOCDELRT (v6) failed",
			slog.String("name", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

// osDestroyTun is a no-op on Linux: closing the descriptor of a
// non-persistent device removes the interface.
func osDestroyTun(_ *Device) {}

// HasAFHeader reports whether this platform's tun framing carries the
// 4-byte address-family word. Exposed for the framing tests.
func HasAFHeader() bool { return false }
