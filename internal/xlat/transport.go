package xlat

import (
	"encoding/binary"
	"net/netip"

	"github.com/ewpratten/protomask/internal/checksum"
	"github.com/ewpratten/protomask/internal/core"
)

// tcpChecksumOffset and udpChecksumOffset locate the checksum field
// within the transport header.
const (
	tcpChecksumOffset = 16
	udpChecksumOffset = 6
)

// fixTCPv4 rewrites the checksum of a TCP segment that moved from a
// v6 to a v4 pseudo-header. seg is the segment inside the output
// buffer. For an unfragmented datagram the checksum is recomputed in
// full; for a first fragment only the pseudo-header delta is applied,
// since the remaining payload bytes travel in later fragments.
func fixTCPv4(seg []byte, oldSrc, oldDst, newSrc, newDst netip.Addr, fragmented bool) error {
	if len(seg) < core.TCPHeaderMinLen {
		return core.ErrTruncatedPacket
	}
	if fragmented {
		old := binary.BigEndian.Uint16(seg[tcpChecksumOffset:])
		// The upper-layer length term is identical on both sides and
		// cancels out of the delta.
		updated := checksum.UpdateSum(old,
			checksum.PseudoHeaderV6(oldSrc, oldDst, core.ProtoTCP, 0),
			checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoTCP, 0))
		binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], updated)
		return nil
	}

	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], 0)
	sum := checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoTCP, uint32(len(seg)))
	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], checksum.Fold(sum+checksum.Sum(seg)))
	return nil
}

// fixTCPv6 is the v4-to-v6 counterpart of fixTCPv4.
func fixTCPv6(seg []byte, oldSrc, oldDst, newSrc, newDst netip.Addr, fragmented bool) error {
	if len(seg) < core.TCPHeaderMinLen {
		return core.ErrTruncatedPacket
	}
	if fragmented {
		old := binary.BigEndian.Uint16(seg[tcpChecksumOffset:])
		updated := checksum.UpdateSum(old,
			checksum.PseudoHeaderV4(oldSrc, oldDst, core.ProtoTCP, 0),
			checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoTCP, 0))
		binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], updated)
		return nil
	}

	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], 0)
	sum := checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoTCP, uint32(len(seg)))
	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], checksum.Fold(sum+checksum.Sum(seg)))
	return nil
}

// fixUDPv4 rewrites the checksum of a UDP datagram that moved to a v4
// pseudo-header. A computed value of zero is transmitted as 0xffff,
// since zero marks "no checksum" on the v4 wire.
func fixUDPv4(seg []byte, oldSrc, oldDst, newSrc, newDst netip.Addr, fragmented bool) error {
	if len(seg) < core.UDPHeaderLen {
		return core.ErrTruncatedPacket
	}
	old := binary.BigEndian.Uint16(seg[udpChecksumOffset:])
	if fragmented {
		if old == 0 {
			// Nothing to adjust; v4 permits checksum-less UDP.
			return nil
		}
		updated := checksum.UpdateSum(old,
			checksum.PseudoHeaderV6(oldSrc, oldDst, core.ProtoUDP, 0),
			checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoUDP, 0))
		binary.BigEndian.PutUint16(seg[udpChecksumOffset:], updated)
		return nil
	}

	binary.BigEndian.PutUint16(seg[udpChecksumOffset:], 0)
	sum := checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoUDP, uint32(len(seg)))
	cksum := checksum.Fold(sum + checksum.Sum(seg))
	if cksum == 0 {
		cksum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[udpChecksumOffset:], cksum)
	return nil
}

// fixUDPv6 rewrites the checksum of a UDP datagram that moved to a v6
// pseudo-header, where a checksum is mandatory. A zero incoming
// checksum on an unfragmented datagram is replaced by a freshly
// computed one; on a fragment it cannot be computed and the packet is
// dropped.
func fixUDPv6(seg []byte, oldSrc, oldDst, newSrc, newDst netip.Addr, fragmented bool) error {
	if len(seg) < core.UDPHeaderLen {
		return core.ErrTruncatedPacket
	}
	old := binary.BigEndian.Uint16(seg[udpChecksumOffset:])
	if fragmented {
		if old == 0 {
			return core.ErrUntranslatable
		}
		updated := checksum.UpdateSum(old,
			checksum.PseudoHeaderV4(oldSrc, oldDst, core.ProtoUDP, 0),
			checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoUDP, 0))
		binary.BigEndian.PutUint16(seg[udpChecksumOffset:], updated)
		return nil
	}

	binary.BigEndian.PutUint16(seg[udpChecksumOffset:], 0)
	sum := checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoUDP, uint32(len(seg)))
	cksum := checksum.Fold(sum + checksum.Sum(seg))
	if cksum == 0 {
		cksum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[udpChecksumOffset:], cksum)
	return nil
}
