package tun

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// afHeaderSize is the per-datagram address-family word some platforms
// prepend to tun traffic.
const afHeaderSize = 4

// afWordFor picks the address-family header for a raw IP packet from the
// version nibble of its first byte. Returns false for anything that is
// not IPv4 or IPv6.
func afWordFor(pkt []byte) (uint32, bool) {
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return unix.AF_INET, true
	case 6:
		return unix.AF_INET6, true
	default:
		return 0, false
	}
}

// encapAF prepends the network-order address-family word to a packet.
func encapAF(pkt []byte, af uint32) []byte {
	out := make([]byte, afHeaderSize+len(pkt))
	binary.BigEndian.PutUint32(out[:afHeaderSize], af)
	copy(out[afHeaderSize:], pkt)
	return out
}

// WritePacket writes one IP datagram to the device, prepending the
// address-family word on platforms that require it. Unknown IP versions
// are dropped, with a single log line for the lifetime of the device.
func (d *Device) WritePacket(pkt []byte) (int, error) {
	if !d.afHeader {
		n, err := unix.Write(d.FD, pkt)
		if err != nil {
			return 0, fmt.Errorf("tun write: %w", err)
		}
		return n, nil
	}

	af, ok := afWordFor(pkt)
	if !ok {
		d.complainedOnce.Do(func() {
			d.logger.Error("dropping tun packet of unknown IP version",
				slog.String("device", d.Name),
				slog.Int("len", len(pkt)),
			)
		})
		return 0, ErrUnknownIPVersion
	}

	n, err := unix.Write(d.FD, encapAF(pkt, af))
	if err != nil {
		return 0, fmt.Errorf("tun write: %w", err)
	}
	if n >= afHeaderSize {
		n -= afHeaderSize
	}
	return n, nil
}

// ReadPacket reads one IP datagram from the device, stripping the
// address-family word on platforms that carry it.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	if !d.afHeader {
		n, err := unix.Read(d.FD, buf)
		if err != nil {
			return 0, fmt.Errorf("tun read: %w", err)
		}
		return n, nil
	}

	framed := make([]byte, afHeaderSize+len(buf))
	n, err := unix.Read(d.FD, framed)
	if err != nil {
		return 0, fmt.Errorf("tun read: %w", err)
	}
	if n <= afHeaderSize {
		return 0, nil
	}
	n -= afHeaderSize
	copy(buf, framed[afHeaderSize:afHeaderSize+n])
	return n, nil
}
