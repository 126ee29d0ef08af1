//go:build freebsd

package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/iplease"
)

// ifNameSize matches IFNAMSIZ.
const ifNameSize = 16

// maxTunUnits bounds the /dev/tunN probe.
const maxTunUnits = 255

// maxRenameTries bounds the stable-name collision scan.
const maxRenameTries = 1024

// IPv6 alias ioctls from netinet6/in6_var.h; not wrapped by x/sys.
const (
	siocAIFADDRIN6 = 0x8080691b
	siocDIFADDRIN6 = 0x80806919
)

// nd6InfiniteLifetime marks an address lifetime that never expires.
const nd6InfiniteLifetime = 0xffffffff

// ifreq mirrors struct ifreq: the interface name plus the 16-byte
// request union.
type ifreq struct {
	Name [ifNameSize]byte
	Ifru [16]byte
}

// ifreqData mirrors struct ifreq with the ifru_data pointer arm, used by
// SIOCSIFNAME. Padded to the full union size.
type ifreqData struct {
	Name [ifNameSize]byte
	Data uintptr
	_    [8]byte
}

// ioctl issues a raw ioctl with a pointer argument.
func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlSetIntPtr issues an ioctl whose argument is a pointer to int
// (the TUNSIF* request family).
func ioctlSetIntPtr(fd int, req uint, value int) error {
	v := int32(value)
	return ioctl(fd, req, unsafe.Pointer(&v))
}

// provisioner holds the device rename counter. A field of the owning
// component rather than a bare global, so tests can reset it.
type provisioner struct {
	mu        sync.Mutex
	nextTunNr uint32
}

var tunProvisioner provisioner

// osOpenTun obtains a tun device by probing /dev/tunN, creating the
// interface with SIOCIFCREATE when the node does not yet exist, then
// configures point-to-point mode and the address-family framing header
// and renames the device to a stable per-prefix name.
func osOpenTun(cfg Config, logger *slog.Logger) (*Device, error) {
	fd, name, err := openTunUnit(logger)
	if err != nil {
		return nil, err
	}

	// Point-to-point with multicast, link-layer mode off.
	mode := unix.IFF_POINTOPOINT | unix.IFF_MULTICAST
	if err := ioctlSetIntPtr(fd, unix.TUNSIFMODE, mode); err != nil {
		logger.Error("TUNSIFMODE failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
	if err := ioctlSetIntPtr(fd, unix.TUNSLMODE, 0); err != nil {
		logger.Error("TUNSLMODE failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}

	// Enable the 4-byte address-family word per datagram; the framing
	// layer strips and prepends it.
	if err := ioctlSetIntPtr(fd, unix.TUNSIFHEAD, 1); err != nil {
		logger.Error("TUNSIFHEAD failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}

	renamed, err := ifRename(name, cfg.NamePrefix)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Device{
		Name:     renamed,
		FD:       fd,
		afHeader: true,
		logger:   logger,
	}, nil
}

// openTunUnit probes /dev/tunN until a unit opens, creating missing
// interfaces through the clone ioctl.
func openTunUnit(logger *slog.Logger) (int, string, error) {
	for unit := 0; unit < maxTunUnits; unit++ {
		name := fmt.Sprintf("tun%d", unit)
		path := "/dev/" + name

		fd, err := unix.Open(path, unix.O_RDWR, 0)
		if err == nil {
			return fd, name, nil
		}

		if errors.Is(err, unix.ENOENT) {
			if cErr := ifCreate(name); cErr != nil {
				logger.Debug("SIOCIFCREATE failed",
					slog.String("name", name),
					slog.String("error", cErr.Error()),
				)
				continue
			}
			fd, err = unix.Open(path, unix.O_RDWR, 0)
			if err == nil {
				return fd, name, nil
			}
		}
	}

	return -1, "", fmt.Errorf("no free tun unit under /dev: %w", unix.ENOENT)
}

// ifCreate clones a new interface with SIOCIFCREATE.
func ifCreate(name string) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(sock)

	var req ifreq
	copy(req.Name[:ifNameSize-1], name)
	if err := ioctl(sock, unix.SIOCIFCREATE, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("SIOCIFCREATE %q: %w", name, err)
	}
	return nil
}

// ifRename renames the kernel-assigned tunN to a stable per-prefix name,
// scanning past name collisions. Failure to find a free name within the
// bound fails the device -- sessions never run on the raw clone name.
func ifRename(oldName, prefix string) (string, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(sock)

	tunProvisioner.mu.Lock()
	start := tunProvisioner.nextTunNr
	tunProvisioner.mu.Unlock()

	var req ifreqData
	copy(req.Name[:ifNameSize-1], oldName)

	for i := start; i < start+maxRenameTries; i++ {
		newName := fmt.Sprintf("%s%d", prefix, i)
		if len(newName) >= ifNameSize {
			return "", fmt.Errorf("tun name %q overflows IFNAMSIZ; adjust the device prefix", newName)
		}

		nameBuf := make([]byte, len(newName)+1)
		copy(nameBuf, newName)
		req.Data = uintptr(unsafe.Pointer(&nameBuf[0]))

		err := ioctl(sock, unix.SIOCSIFNAME, unsafe.Pointer(&req))
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("SIOCSIFNAME %q -> %q: %w", oldName, newName, err)
		}

		tunProvisioner.mu.Lock()
		tunProvisioner.nextTunNr = i + 1
		tunProvisioner.mu.Unlock()

		return newName, nil
	}

	return "", fmt.Errorf("no free name with prefix %q after %d tries: %w",
		prefix, maxRenameTries, unix.EEXIST)
}

// inAliasreq mirrors struct in_aliasreq from netinet/in_var.h.
type inAliasreq struct {
	Name      [ifNameSize]byte
	Addr      unix.RawSockaddrInet4
	Broadaddr unix.RawSockaddrInet4
	Mask      unix.RawSockaddrInet4
	Vhid      int32
}

// in6Addrlifetime mirrors struct in6_addrlifetime.
type in6Addrlifetime struct {
	Expire    int64
	Preferred int64
	Vltime    uint32
	Pltime    uint32
}

// in6Aliasreq mirrors struct in6_aliasreq from netinet6/in6_var.h.
type in6Aliasreq struct {
	Name       [ifNameSize]byte
	Addr       unix.RawSockaddrInet6
	Dstaddr    unix.RawSockaddrInet6
	Prefixmask unix.RawSockaddrInet6
	Flags      int32
	Lifetime   in6Addrlifetime
	Vhid       int32
}

func sockaddrInet4(addr [4]byte) unix.RawSockaddrInet4 {
	return unix.RawSockaddrInet4{
		Len:    unix.SizeofSockaddrInet4,
		Family: unix.AF_INET,
		Addr:   addr,
	}
}

func sockaddrInet6(addr [16]byte) unix.RawSockaddrInet6 {
	return unix.RawSockaddrInet6{
		Len:    unix.SizeofSockaddrInet6,
		Family: unix.AF_INET6,
		Addr:   addr,
	}
}

// osSetNetworkInfo configures the leased addresses with the alias ioctls
// and brings the interface up. IPv6 failure drops that family; losing
// both fails the setup.
func osSetNetworkInfo(d *Device) error {
	v4OK := false
	if l := d.Leases.IPv4; l != nil {
		if err := setIPv4Alias(d.Name, l); err != nil {
			return err
		}
		v4OK = true
	}

	if l := d.Leases.IPv6; l != nil {
		if err := setIPv6Alias(d.Name, l); err != nil {
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

	return bringUp(d.Name)
}

func setIPv4Alias(name string, l *iplease.Lease) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(sock)

	var req inAliasreq
	copy(req.Name[:ifNameSize-1], name)
	req.Addr = sockaddrInet4(l.Local.As4())
	req.Broadaddr = sockaddrInet4(l.Remote.As4())
	req.Mask = sockaddrInet4([4]byte{0xff, 0xff, 0xff, 0xff})

	if err := ioctl(sock, unix.SIOCAIFADDR, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: SIOCAIFADDR: %w", name, err)
	}
	return nil
}

func setIPv6Alias(name string, l *iplease.Lease) error {
	sock, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET6): %w", err)
	}
	defer unix.Close(sock)

	var req in6Aliasreq
	copy(req.Name[:ifNameSize-1], name)
	req.Addr = sockaddrInet6(l.Local.As16())
	req.Dstaddr = sockaddrInet6(l.Remote.As16())

	var mask [16]byte
	for i := 0; i < l.Prefix/8; i++ {
		mask[i] = 0xff
	}
	if rem := l.Prefix % 8; rem != 0 {
		mask[l.Prefix/8] = byte(0xff << (8 - rem))
	}
	req.Prefixmask = sockaddrInet6(mask)
	req.Lifetime.Vltime = nd6InfiniteLifetime
	req.Lifetime.Pltime = nd6InfiniteLifetime

	if err := ioctl(sock, siocAIFADDRIN6, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: SIOCAIFADDR_IN6: %w", name, err)
	}
	return nil
}

func bringUp(name string) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(sock)

	var req ifreq
	copy(req.Name[:ifNameSize-1], name)

	if err := ioctl(sock, unix.SIOCGIFFLAGS, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: SIOCGIFFLAGS: %w", name, err)
	}

	flags := *(*uint16)(unsafe.Pointer(&req.Ifru[0]))
	flags |= unix.IFF_UP | unix.IFF_RUNNING
	*(*uint16)(unsafe.Pointer(&req.Ifru[0])) = flags

	if err := ioctl(sock, unix.SIOCSIFFLAGS, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: SIOCSIFFLAGS: %w", name, err)
	}
	return nil
}

// osResetAddrs removes the configured addresses. Best-effort.
func osResetAddrs(d *Device) {
	if l := d.Leases.IPv4; l != nil {
		sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err == nil {
			var req ifreq
			copy(req.Name[:ifNameSize-1], d.Name)
			sa := sockaddrInet4(l.Local.As4())
			copy(req.Ifru[:], (*(*[unix.SizeofSockaddrInet4]byte)(unsafe.Pointer(&sa)))[:])
			_ = ioctl(sock, unix.SIOCDIFADDR, unsafe.Pointer(&req))
			unix.Close(sock)
		}
	}

	if l := d.Leases.IPv6; l != nil {
		sock, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err == nil {
			var req in6Aliasreq
			copy(req.Name[:ifNameSize-1], d.Name)
			req.Addr = sockaddrInet6(l.Local.As16())
			_ = ioctl(sock, siocDIFADDRIN6, unsafe.Pointer(&req))
			unix.Close(sock)
		}
	}
}

// osDestroyTun explicitly destroys the cloned interface.
func osDestroyTun(d *Device) {
	if d.Name == "" {
		return
	}

	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return
	}
	defer unix.Close(sock)

	var req ifreq
	copy(req.Name[:ifNameSize-1], d.Name)
	if err := ioctl(sock, unix.SIOCIFDESTROY, unsafe.Pointer(&req)); err != nil {
		d.logger.Error("error destroying interface",
			slog.String("name", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

// HasAFHeader reports whether this platform's tun framing carries the
// 4-byte address-family word. Exposed for the framing tests.
func HasAFHeader() bool { return true }
