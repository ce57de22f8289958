// Package nat implements the bidirectional address mapping table and
// the IPv4 pool allocator used by the NAT64 translation path.
package nat

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
)

// Pool is a deterministic enumeration of the IPv4 addresses covered
// by a set of operator prefixes, ascending by numeric address. The
// network and broadcast boundaries are excluded for prefixes of
// length 30 or shorter.
type Pool struct {
	prefixes []netip.Prefix
	size     int
}

// NewPool validates and orders the given IPv4 prefixes.
func NewPool(prefixes []netip.Prefix) (*Pool, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("pool requires at least one prefix")
	}

	ordered := make([]netip.Prefix, 0, len(prefixes))
	size := 0
	for _, prefix := range prefixes {
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("pool prefix %s is not IPv4", prefix)
		}
		if prefix.Bits() < 8 {
			return nil, fmt.Errorf("pool prefix %s is too large", prefix)
		}
		ordered = append(ordered, prefix.Masked())
		size += hostCount(prefix)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Addr().Compare(ordered[j].Addr()) < 0
	})

	return &Pool{prefixes: ordered, size: size}, nil
}

// Size returns the number of usable addresses in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Contains reports whether addr is a usable pool address.
func (p *Pool) Contains(addr netip.Addr) bool {
	contains := false
	p.ForEach(func(a netip.Addr) bool {
		if a == addr {
			contains = true
			return false
		}
		return true
	})
	return contains
}

// Prefixes returns the ordered pool prefixes.
func (p *Pool) Prefixes() []netip.Prefix {
	return p.prefixes
}

// ForEach visits every usable pool address in ascending order until
// fn returns false.
func (p *Pool) ForEach(fn func(netip.Addr) bool) {
	for _, prefix := range p.prefixes {
		base := addrToUint32(prefix.Addr())
		total := uint32(1) << (32 - prefix.Bits())

		first, last := uint32(0), total-1
		if prefix.Bits() <= 30 {
			// Skip the network and broadcast addresses.
			first, last = 1, total-2
		}
		for i := first; i <= last; i++ {
			if !fn(uint32ToAddr(base + i)) {
				return
			}
		}
	}
}

func hostCount(prefix netip.Prefix) int {
	total := 1 << (32 - prefix.Bits())
	if prefix.Bits() <= 30 {
		total -= 2
	}
	return total
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
