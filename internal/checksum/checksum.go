// Package checksum implements the RFC 1071 one's-complement internet
// checksum, the v4/v6 pseudo-header sums used by TCP, UDP, and
// ICMPv6, and the RFC 1624 incremental update rule.
package checksum

import (
	"encoding/binary"
	"net/netip"
)

// Sum accumulates the 16-bit one's-complement sum of b. A trailing
// odd byte is padded with zero. The result is unfolded; combine
// partial sums by addition and finish with Fold.
func Sum(b []byte) uint32 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

// foldRaw folds the carries of an accumulated sum into 16 bits.
func foldRaw(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// Fold folds the carries of an accumulated sum into 16 bits and
// returns its one's complement, i.e. the finished checksum value.
func Fold(sum uint32) uint16 {
	return ^foldRaw(sum)
}

// Checksum returns the finished internet checksum of b.
func Checksum(b []byte) uint16 {
	return Fold(Sum(b))
}

// PseudoHeaderV4 returns the unfolded sum of an IPv4 pseudo-header:
// source, destination, zero+protocol, and the upper-layer length.
func PseudoHeaderV4(src, dst netip.Addr, proto uint8, length uint32) uint32 {
	s, d := src.As4(), dst.As4()
	sum := Sum(s[:]) + Sum(d[:])
	sum += uint32(proto)
	sum += length>>16 + length&0xffff
	return sum
}

// PseudoHeaderV6 returns the unfolded sum of an IPv6 pseudo-header:
// source, destination, the upper-layer length, and zero+next-header.
func PseudoHeaderV6(src, dst netip.Addr, proto uint8, length uint32) uint32 {
	s, d := src.As16(), dst.As16()
	sum := Sum(s[:]) + Sum(d[:])
	sum += uint32(proto)
	sum += length>>16 + length&0xffff
	return sum
}

// Update16 applies the RFC 1624 incremental update rule for a single
// 16-bit field changing from old to new: C' = ~(~C + ~m + m').
func Update16(cksum, old, new uint16) uint16 {
	return Fold(uint32(^cksum) + uint32(^old) + uint32(new))
}

// UpdateSum corrects a checksum for a change in covered data whose
// old and new contributions are given as unfolded sums. Used to move
// an L4 checksum between v4 and v6 pseudo-headers without touching
// the payload bytes.
func UpdateSum(cksum uint16, oldSum, newSum uint32) uint16 {
	return Fold(uint32(^cksum) + uint32(^foldRaw(oldSum)) + uint32(foldRaw(newSum)))
}
