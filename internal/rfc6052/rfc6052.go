// Package rfc6052 implements IPv4-embedded IPv6 addressing as defined
// in RFC 6052 Section 2.2.
//
// The 32 bits of an IPv4 address are placed immediately after the
// NAT64 prefix, skipping bits 64..71 (the reserved "u" byte) whenever
// the embedding would cross them. For a /96 prefix the address
// occupies the low 32 bits and the u byte is part of the prefix.
package rfc6052

import (
	"net/netip"

	"github.com/ewpratten/protomask/internal/core"
)

// AllowedPrefixLens lists the prefix lengths permitted by RFC 6052.
var AllowedPrefixLens = [...]int{32, 40, 48, 56, 64, 96}

// ValidPrefixLen reports whether l is a prefix length permitted by
// RFC 6052.
func ValidPrefixLen(l int) bool {
	for _, allowed := range AllowedPrefixLens {
		if l == allowed {
			return true
		}
	}
	return false
}

// Embed places an IPv4 address inside an IPv6 prefix. It fails with
// core.ErrBadPrefixLength if the prefix length is not one of
// AllowedPrefixLens.
func Embed(v4 netip.Addr, prefix netip.Prefix) (netip.Addr, error) {
	if !ValidPrefixLen(prefix.Bits()) {
		return netip.Addr{}, core.ErrBadPrefixLength
	}
	return EmbedUnchecked(v4, prefix), nil
}

// EmbedUnchecked is Embed without the prefix length check. It accepts
// any byte-aligned prefix length up to 96. Callers are expected to
// have validated the prefix once at startup.
func EmbedUnchecked(v4 netip.Addr, prefix netip.Prefix) netip.Addr {
	out := prefix.Masked().Addr().As16()
	b := v4.As4()

	start := prefix.Bits() / 8
	for i := 0; i < 4; i++ {
		dst := start + i
		// Skip the reserved u byte when the embedding crosses it.
		if prefix.Bits() <= 64 && dst >= 8 {
			dst++
		}
		out[dst] = b[i]
	}
	return netip.AddrFrom16(out)
}

// Extract recovers the IPv4 address embedded in an IPv6 address. It
// fails with core.ErrBadPrefixLength for a prefix length outside
// AllowedPrefixLens, and with core.ErrNonZeroReservedByte if the
// reserved u byte is set (callers may downgrade the latter to a
// drop-and-log).
func Extract(v6 netip.Addr, prefixLen int) (netip.Addr, error) {
	if !ValidPrefixLen(prefixLen) {
		return netip.Addr{}, core.ErrBadPrefixLength
	}
	if prefixLen < 96 && v6.As16()[8] != 0 {
		return netip.Addr{}, core.ErrNonZeroReservedByte
	}
	return ExtractUnchecked(v6, prefixLen), nil
}

// ExtractUnchecked is Extract without the prefix length and reserved
// byte checks. It accepts any byte-aligned prefix length up to 96.
func ExtractUnchecked(v6 netip.Addr, prefixLen int) netip.Addr {
	in := v6.As16()
	var b [4]byte

	start := prefixLen / 8
	for i := 0; i < 4; i++ {
		src := start + i
		if prefixLen <= 64 && src >= 8 {
			src++
		}
		b[i] = in[src]
	}
	return netip.AddrFrom4(b)
}
