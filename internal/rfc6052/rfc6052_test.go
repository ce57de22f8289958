package rfc6052

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/ewpratten/protomask/internal/core"
)

// RFC 6052 Section 2.4 example placements for 192.0.2.1.
var embedVectors = []struct {
	prefix string
	want   string
}{
	{"64:ff9b::/32", "64:ff9b:c000:201::"},
	{"64:ff9b::/40", "64:ff9b:c0:2:1::"},
	{"64:ff9b::/48", "64:ff9b:0:c000:2:100::"},
	{"64:ff9b::/56", "64:ff9b:0:c0:0:201::"},
	{"64:ff9b::/64", "64:ff9b::c0:2:100:0"},
	{"64:ff9b::/96", "64:ff9b::c000:201"},
}

func TestEmbed(t *testing.T) {
	v4 := netip.MustParseAddr("192.0.2.1")
	for _, tc := range embedVectors {
		prefix := netip.MustParsePrefix(tc.prefix)

		got, err := Embed(v4, prefix)
		if err != nil {
			t.Fatalf("Embed(%s, %s) failed: %v", v4, prefix, err)
		}
		if want := netip.MustParseAddr(tc.want); got != want {
			t.Errorf("Embed(%s, %s) = %s, want %s", v4, prefix, got, want)
		}
	}
}

func TestExtract(t *testing.T) {
	want := netip.MustParseAddr("192.0.2.1")
	for _, tc := range embedVectors {
		prefix := netip.MustParsePrefix(tc.prefix)

		got, err := Extract(netip.MustParseAddr(tc.want), prefix.Bits())
		if err != nil {
			t.Fatalf("Extract(%s, %d) failed: %v", tc.want, prefix.Bits(), err)
		}
		if got != want {
			t.Errorf("Extract(%s, %d) = %s, want %s", tc.want, prefix.Bits(), got, want)
		}
	}
}

// A /32 prefix holds all 32 IPv4 bits contiguously in bits 32..63.
func TestEmbedLen32Contiguous(t *testing.T) {
	got, err := Embed(
		netip.MustParseAddr("198.51.100.7"),
		netip.MustParsePrefix("2001:db8::/32"),
	)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if want := netip.MustParseAddr("2001:db8:c633:6407::"); got != want {
		t.Errorf("Embed = %s, want %s", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	addrs := []string{"0.0.0.0", "1.2.3.4", "192.0.2.1", "203.0.113.200", "255.255.255.255"}
	for _, l := range AllowedPrefixLens {
		prefix, err := netip.MustParsePrefix("2001:db8::/126").Addr().Prefix(l)
		if err != nil {
			t.Fatalf("building /%d prefix: %v", l, err)
		}
		for _, a := range addrs {
			v4 := netip.MustParseAddr(a)

			v6, err := Embed(v4, prefix)
			if err != nil {
				t.Fatalf("Embed(%s, /%d) failed: %v", v4, l, err)
			}
			got, err := Extract(v6, l)
			if err != nil {
				t.Fatalf("Extract(%s, /%d) failed: %v", v6, l, err)
			}
			if got != v4 {
				t.Errorf("round trip /%d: %s -> %s -> %s", l, v4, v6, got)
			}
		}
	}
}

// The reserved u byte is zero in every embedded address.
func TestReservedByteZero(t *testing.T) {
	for _, l := range AllowedPrefixLens {
		prefix, err := netip.MustParseAddr("64:ff9b::").Prefix(l)
		if err != nil {
			t.Fatalf("building /%d prefix: %v", l, err)
		}
		v6, err := Embed(netip.MustParseAddr("255.255.255.255"), prefix)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if v6.As16()[8] != 0 {
			t.Errorf("/%d: byte 8 of %s is %#x, want 0", l, v6, v6.As16()[8])
		}
	}
}

func TestBadPrefixLength(t *testing.T) {
	for _, l := range []int{0, 8, 24, 33, 72, 104, 128} {
		if ValidPrefixLen(l) {
			t.Errorf("ValidPrefixLen(%d) = true", l)
		}
		_, err := Extract(netip.MustParseAddr("64:ff9b::c000:201"), l)
		if !errors.Is(err, core.ErrBadPrefixLength) {
			t.Errorf("Extract with /%d: err = %v, want ErrBadPrefixLength", l, err)
		}
	}

	_, err := Embed(netip.MustParseAddr("192.0.2.1"), netip.MustParsePrefix("64:ff9b::/80"))
	if !errors.Is(err, core.ErrBadPrefixLength) {
		t.Errorf("Embed with /80: err = %v, want ErrBadPrefixLength", err)
	}
}

func TestNonZeroReservedByte(t *testing.T) {
	// 64:ff9b:00c0:0002:ff01:: has u = 0xff, invalid under a /40.
	bad := netip.MustParseAddr("64:ff9b:c0:2:ff01::")
	_, err := Extract(bad, 40)
	if !errors.Is(err, core.ErrNonZeroReservedByte) {
		t.Errorf("Extract = %v, want ErrNonZeroReservedByte", err)
	}

	// The unchecked variant ignores the reserved byte.
	if got := ExtractUnchecked(bad, 40); got != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("ExtractUnchecked = %s, want 192.0.2.1", got)
	}
}

func TestUncheckedOddLengths(t *testing.T) {
	// Byte-aligned lengths outside the RFC set are accepted unchecked.
	prefix := netip.MustParsePrefix("2001:db8:1:2:3::/80")
	v4 := netip.MustParseAddr("10.20.30.40")

	v6 := EmbedUnchecked(v4, prefix)
	if got := ExtractUnchecked(v6, 80); got != v4 {
		t.Errorf("unchecked /80 round trip: got %s, want %s", got, v4)
	}
}
