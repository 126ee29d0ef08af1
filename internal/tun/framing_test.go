package tun

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

// TestAFWordSelection verifies that the address-family word is chosen
// from the IP version nibble of the first payload byte.
func TestAFWordSelection(t *testing.T) {
	t.Parallel()

	v4 := []byte{0x45, 0x00, 0x00, 0x14}
	af, ok := afWordFor(v4)
	if !ok || af != unix.AF_INET {
		t.Errorf("IPv4 packet: got (%d,%v), want (%d,true)", af, ok, unix.AF_INET)
	}

	v6 := []byte{0x60, 0x00, 0x00, 0x00}
	af, ok = afWordFor(v6)
	if !ok || af != unix.AF_INET6 {
		t.Errorf("IPv6 packet: got (%d,%v), want (%d,true)", af, ok, unix.AF_INET6)
	}
}

// TestAFWordRejectsUnknownVersions verifies that packets with any other
// version nibble are rejected for dropping.
func TestAFWordRejectsUnknownVersions(t *testing.T) {
	t.Parallel()

	for _, first := range []byte{0x00, 0x15, 0x35, 0x75, 0xF0} {
		if _, ok := afWordFor([]byte{first, 0xAA}); ok {
			t.Errorf("first byte %#02x accepted, want rejected", first)
		}
	}

	if _, ok := afWordFor(nil); ok {
		t.Error("empty packet accepted, want rejected")
	}
}

// TestEncapAFPrependsNetworkOrderWord verifies the 4-byte network-order
// header layout ahead of the untouched payload.
func TestEncapAFPrependsNetworkOrderWord(t *testing.T) {
	t.Parallel()

	payload := []byte{0x45, 0x01, 0x02, 0x03}
	framed := encapAF(payload, unix.AF_INET)

	if len(framed) != afHeaderSize+len(payload) {
		t.Fatalf("framed length: got %d, want %d", len(framed), afHeaderSize+len(payload))
	}
	if got := binary.BigEndian.Uint32(framed[:afHeaderSize]); got != unix.AF_INET {
		t.Errorf("header word: got %d, want %d", got, unix.AF_INET)
	}
	for i, b := range payload {
		if framed[afHeaderSize+i] != b {
			t.Fatalf("payload byte %d altered: got %#02x, want %#02x", i, framed[afHeaderSize+i], b)
		}
	}
}
