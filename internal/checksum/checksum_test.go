package checksum

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

// RFC 1071 worked example: the sum of 0001 f203 f4f5 f6f7.
func TestChecksumRFC1071Example(t *testing.T) {
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := Checksum(data); got != ^uint16(0xddf2) {
		t.Errorf("Checksum = %#04x, want %#04x", got, ^uint16(0xddf2))
	}
}

func TestChecksumOddLength(t *testing.T) {
	// Odd trailing byte is padded with a zero on the right.
	odd := Checksum([]byte{0x12, 0x34, 0x56})
	even := Checksum([]byte{0x12, 0x34, 0x56, 0x00})
	if odd != even {
		t.Errorf("odd = %#04x, even = %#04x", odd, even)
	}
}

// A datagram with its checksum field in place sums to zero.
func TestChecksumVerifies(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x13, 0x37}
	binary.BigEndian.PutUint16(data[4:6], Checksum(data))

	if folded := foldRaw(Sum(data)); folded != 0xffff {
		t.Errorf("verification sum = %#04x, want 0xffff", folded)
	}
}

func TestUpdate16(t *testing.T) {
	// Simulate a TTL decrement in an IPv4 header: byte pair
	// (TTL, protocol) changes from 0x4011 to 0x3f11.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x54, 0x12, 0x34, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0x00, 0x02, 0x01,
		0xc6, 0x33, 0x64, 0x07,
	}
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))
	old := binary.BigEndian.Uint16(hdr[8:10])

	hdr[8]--
	incremental := Update16(binary.BigEndian.Uint16(hdr[10:12]), old, binary.BigEndian.Uint16(hdr[8:10]))

	binary.BigEndian.PutUint16(hdr[10:12], 0)
	full := Checksum(hdr)

	if incremental != full {
		t.Errorf("incremental = %#04x, full recompute = %#04x", incremental, full)
	}
}

func TestUpdateSumPseudoHeaderSwap(t *testing.T) {
	src4 := netip.MustParseAddr("192.0.2.10")
	dst4 := netip.MustParseAddr("192.0.2.1")
	src6 := netip.MustParseAddr("2001:db8::1")
	dst6 := netip.MustParseAddr("64:ff9b::c000:201")

	payload := []byte{
		0x13, 0x88, 0x00, 0x35, 0x00, 0x0c, 0x00, 0x00,
		0xab, 0xcd, 0xef, 0x01,
	}
	length := uint32(len(payload))

	// Checksum over the v6 pseudo-header.
	sum6 := PseudoHeaderV6(src6, dst6, 17, length) + Sum(payload)
	binary.BigEndian.PutUint16(payload[6:8], Fold(sum6))

	// Move it to the v4 pseudo-header incrementally...
	moved := UpdateSum(
		binary.BigEndian.Uint16(payload[6:8]),
		PseudoHeaderV6(src6, dst6, 17, length),
		PseudoHeaderV4(src4, dst4, 17, length),
	)

	// ...and compare with the full recompute.
	binary.BigEndian.PutUint16(payload[6:8], 0)
	full := Fold(PseudoHeaderV4(src4, dst4, 17, length) + Sum(payload))

	if moved != full {
		t.Errorf("incremental pseudo-header move = %#04x, full = %#04x", moved, full)
	}
}

func TestPseudoHeaderV6Verifies(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")

	payload := []byte{0x80, 0x00, 0x00, 0x00, 0x00, 0x2a, 0x00, 0x01}
	cksum := Fold(PseudoHeaderV6(src, dst, 58, uint32(len(payload))) + Sum(payload))
	binary.BigEndian.PutUint16(payload[2:4], cksum)

	total := PseudoHeaderV6(src, dst, 58, uint32(len(payload))) + Sum(payload)
	if folded := foldRaw(total); folded != 0xffff {
		t.Errorf("verification sum = %#04x, want 0xffff", folded)
	}
}
