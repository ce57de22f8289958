// Package xlat implements stateless IP/ICMP translation between IPv4
// and IPv6 following RFC 7915. Address selection is the caller's
// concern; the translator rewrites one datagram at a time into a
// caller-provided buffer and never allocates on the hot path.
package xlat

import (
	"encoding/binary"
	"net/netip"

	"github.com/ewpratten/protomask/internal/checksum"
	"github.com/ewpratten/protomask/internal/core"
)

// Translator rewrites datagrams between IPv4 and IPv6. It is safe for
// concurrent use; the only shared state is the first-fragment cache.
type Translator struct {
	frags *fragCache
}

// NewTranslator creates a translator with an empty fragment cache.
func NewTranslator() *Translator {
	return &Translator{frags: newFragCache()}
}

// v6Info is the parsed view of an IPv6 datagram.
type v6Info struct {
	src, dst   netip.Addr
	hopLimit   uint8
	proto      uint8 // final upper-layer protocol
	l4off      int   // offset of the upper-layer header
	frag       bool
	fragOffset uint16 // in 8-byte units
	fragMore   bool
	fragIdent  uint32
}

// v4Info is the parsed view of an IPv4 datagram.
type v4Info struct {
	src, dst   netip.Addr
	ttl        uint8
	proto      uint8
	hdrLen     int
	totalLen   int
	ident      uint16
	frag       bool
	fragOffset uint16 // in 8-byte units
	fragMore   bool
}

// parseIPv6 validates pkt and walks its extension header chain.
// Hop-by-hop, routing, fragment, and destination-options headers are
// traversed; IP-in-IP encapsulation, ESP, AH, and "no next header"
// fail with core.ErrUnsupportedNextHeader. Any other value is taken
// as the upper-layer protocol.
func parseIPv6(pkt []byte) (v6Info, error) {
	var info v6Info
	if len(pkt) < core.IPv6HeaderLen {
		return info, core.ErrTruncatedPacket
	}
	if pkt[0]>>4 != 6 {
		return info, core.ErrTruncatedPacket
	}

	info.src = addr16(pkt[8:24])
	info.dst = addr16(pkt[24:40])
	info.hopLimit = pkt[7]

	proto := pkt[6]
	off := core.IPv6HeaderLen
	for hops := 0; ; hops++ {
		if hops > 8 {
			return info, core.ErrUnsupportedNextHeader
		}
		switch proto {
		case core.ProtoHopByHop, core.ProtoRouting, core.ProtoDestOpts:
			if len(pkt) < off+2 {
				return info, core.ErrTruncatedPacket
			}
			ext := (int(pkt[off+1]) + 1) * 8
			if len(pkt) < off+ext {
				return info, core.ErrTruncatedPacket
			}
			proto = pkt[off]
			off += ext
		case core.ProtoFragment:
			if len(pkt) < off+core.IPv6FragHeaderLen {
				return info, core.ErrTruncatedPacket
			}
			fo := binary.BigEndian.Uint16(pkt[off+2 : off+4])
			info.frag = true
			info.fragOffset = fo >> 3
			info.fragMore = fo&0x1 != 0
			info.fragIdent = binary.BigEndian.Uint32(pkt[off+4 : off+8])
			proto = pkt[off]
			off += core.IPv6FragHeaderLen
		case 4, 41, core.ProtoNoNext, 50, 51:
			// IP-in-IP encapsulation, ESP, AH, and "no next header"
			// have no v4 rendering here.
			return info, core.ErrUnsupportedNextHeader
		default:
			info.proto = proto
			info.l4off = off
			return info, nil
		}
	}
}

// parseIPv4 validates pkt. Options are accepted but not carried into
// the translation.
func parseIPv4(pkt []byte) (v4Info, error) {
	var info v4Info
	if len(pkt) < core.IPv4HeaderLen {
		return info, core.ErrTruncatedPacket
	}
	if pkt[0]>>4 != 4 {
		return info, core.ErrTruncatedPacket
	}

	info.hdrLen = int(pkt[0]&0x0f) * 4
	info.totalLen = int(binary.BigEndian.Uint16(pkt[2:4]))
	if info.hdrLen < core.IPv4HeaderLen || info.totalLen < info.hdrLen || len(pkt) < info.totalLen {
		return info, core.ErrTruncatedPacket
	}

	info.ident = binary.BigEndian.Uint16(pkt[4:6])
	flags := binary.BigEndian.Uint16(pkt[6:8])
	info.fragOffset = flags & 0x1fff
	info.fragMore = flags&0x2000 != 0
	info.frag = info.fragOffset > 0 || info.fragMore
	info.ttl = pkt[8]
	info.proto = pkt[9]
	info.src = addr4(pkt[12:16])
	info.dst = addr4(pkt[16:20])
	return info, nil
}

// IPv6ToIPv4 translates an IPv6 datagram into an IPv4 datagram with
// the given source and destination, writing the result to out and
// returning its length.
func (t *Translator) IPv6ToIPv4(pkt, out []byte, newSrc, newDst netip.Addr) (int, error) {
	info, err := parseIPv6(pkt)
	if err != nil {
		return 0, err
	}
	if info.hopLimit <= 1 {
		return 0, core.ErrTTLExceeded
	}

	payload := pkt[info.l4off:]
	if len(out) < core.IPv4HeaderLen+len(payload) {
		return 0, core.ErrShortBuffer
	}

	length := core.IPv4HeaderLen + len(payload)
	if info.frag && info.fragOffset > 0 {
		// Trailing fragment: translate the outer header only, and
		// only if the first fragment passed through recently.
		key := fragKey{src: info.src, dst: info.dst, ident: info.fragIdent}
		if _, ok := t.frags.lookup(key); !ok {
			return 0, core.ErrUnknownFragment
		}
		copy(out[core.IPv4HeaderLen:], payload)
	} else {
		switch info.proto {
		case core.ProtoTCP:
			copy(out[core.IPv4HeaderLen:], payload)
			err = fixTCPv4(out[core.IPv4HeaderLen:length], info.src, info.dst, newSrc, newDst, info.frag)
		case core.ProtoUDP:
			copy(out[core.IPv4HeaderLen:], payload)
			err = fixUDPv4(out[core.IPv4HeaderLen:length], info.src, info.dst, newSrc, newDst, info.frag)
		case core.ProtoICMPv6:
			if info.frag {
				// A fragmented ICMP message cannot be checksummed
				// statelessly.
				return 0, core.ErrUntranslatable
			}
			var n int
			n, err = t.icmpV6ToV4(payload, out[core.IPv4HeaderLen:], newSrc, newDst)
			length = core.IPv4HeaderLen + n
		default:
			// Unknown upper-layer protocols pass through untouched.
			copy(out[core.IPv4HeaderLen:], payload)
		}
		if err != nil {
			return 0, err
		}
		if info.frag {
			t.frags.remember(fragKey{src: info.src, dst: info.dst, ident: info.fragIdent}, info.proto)
		}
	}

	hdr := out[:core.IPv4HeaderLen]
	hdr[0] = 0x45
	hdr[1] = 0 // traffic class is not copied
	binary.BigEndian.PutUint16(hdr[2:4], uint16(length))
	if info.frag {
		binary.BigEndian.PutUint16(hdr[4:6], uint16(info.fragIdent))
		flags := info.fragOffset
		if info.fragMore {
			flags |= 0x2000
		}
		binary.BigEndian.PutUint16(hdr[6:8], flags)
	} else {
		binary.BigEndian.PutUint16(hdr[4:6], 0)
		binary.BigEndian.PutUint16(hdr[6:8], 0x4000) // DF
	}
	hdr[8] = info.hopLimit - 1
	hdr[9] = translateProtoTo4(info.proto)
	src, dst := newSrc.As4(), newDst.As4()
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])

	binary.BigEndian.PutUint16(hdr[10:12], 0)
	binary.BigEndian.PutUint16(hdr[10:12], checksum.Checksum(hdr))
	return length, nil
}

// IPv4ToIPv6 translates an IPv4 datagram into an IPv6 datagram with
// the given source and destination, writing the result to out and
// returning its length. Fragmented input grows a fragment header, so
// out must hold up to 28 bytes more than the input; an ICMP error,
// whose embedded packet is translated too, needs up to 48 more.
func (t *Translator) IPv4ToIPv6(pkt, out []byte, newSrc, newDst netip.Addr) (int, error) {
	info, err := parseIPv4(pkt)
	if err != nil {
		return 0, err
	}
	if info.ttl <= 1 {
		return 0, core.ErrTTLExceeded
	}

	payload := pkt[info.hdrLen:info.totalLen]
	hdrLen := core.IPv6HeaderLen
	if info.frag {
		hdrLen += core.IPv6FragHeaderLen
	}
	if len(out) < hdrLen+len(payload) {
		return 0, core.ErrShortBuffer
	}

	length := hdrLen + len(payload)
	if info.frag && info.fragOffset > 0 {
		key := fragKey{src: info.src, dst: info.dst, ident: uint32(info.ident)}
		if _, ok := t.frags.lookup(key); !ok {
			return 0, core.ErrUnknownFragment
		}
		copy(out[hdrLen:], payload)
	} else {
		switch info.proto {
		case core.ProtoTCP:
			copy(out[hdrLen:], payload)
			err = fixTCPv6(out[hdrLen:length], info.src, info.dst, newSrc, newDst, info.frag)
		case core.ProtoUDP:
			copy(out[hdrLen:], payload)
			err = fixUDPv6(out[hdrLen:length], info.src, info.dst, newSrc, newDst, info.frag)
		case core.ProtoICMP:
			if info.frag {
				return 0, core.ErrUntranslatable
			}
			var n int
			n, err = t.icmpV4ToV6(payload, out[hdrLen:], newSrc, newDst)
			length = hdrLen + n
		default:
			copy(out[hdrLen:], payload)
		}
		if err != nil {
			return 0, err
		}
		if info.frag {
			t.frags.remember(fragKey{src: info.src, dst: info.dst, ident: uint32(info.ident)}, info.proto)
		}
	}

	proto := translateProtoTo6(info.proto)
	hdr := out[:core.IPv6HeaderLen]
	hdr[0] = 0x60 // version 6, traffic class and flow label zero
	hdr[1], hdr[2], hdr[3] = 0, 0, 0
	binary.BigEndian.PutUint16(hdr[4:6], uint16(length-core.IPv6HeaderLen))
	if info.frag {
		hdr[6] = core.ProtoFragment
	} else {
		hdr[6] = proto
	}
	hdr[7] = info.ttl - 1
	src, dst := newSrc.As16(), newDst.As16()
	copy(hdr[8:24], src[:])
	copy(hdr[24:40], dst[:])

	if info.frag {
		frag := out[core.IPv6HeaderLen : core.IPv6HeaderLen+core.IPv6FragHeaderLen]
		frag[0] = proto
		frag[1] = 0
		fo := info.fragOffset << 3
		if info.fragMore {
			fo |= 0x1
		}
		binary.BigEndian.PutUint16(frag[2:4], fo)
		binary.BigEndian.PutUint32(frag[4:8], uint32(info.ident))
	}
	return length, nil
}

// embeddedV6ToV4 translates the IPv6 packet carried inside an ICMPv6
// error message. The packet is usually truncated, so lengths come
// from its header fields, the hop limit is preserved, and transport
// checksums are adjusted by the pseudo-header delta alone.
func (t *Translator) embeddedV6ToV4(pkt, out []byte, newSrc, newDst netip.Addr) (int, error) {
	info, err := parseIPv6(pkt)
	if err != nil {
		return 0, err
	}

	payload := pkt[info.l4off:]
	claimed := int(binary.BigEndian.Uint16(pkt[4:6])) - (info.l4off - core.IPv6HeaderLen)
	if claimed < 0 {
		return 0, core.ErrTruncatedPacket
	}
	if len(out) < core.IPv4HeaderLen+len(payload) {
		return 0, core.ErrShortBuffer
	}
	copy(out[core.IPv4HeaderLen:], payload)
	body := out[core.IPv4HeaderLen : core.IPv4HeaderLen+len(payload)]

	switch info.proto {
	case core.ProtoTCP:
		if len(body) >= tcpChecksumOffset+2 {
			old := binary.BigEndian.Uint16(body[tcpChecksumOffset:])
			updated := checksum.UpdateSum(old,
				checksum.PseudoHeaderV6(info.src, info.dst, core.ProtoTCP, 0),
				checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoTCP, 0))
			binary.BigEndian.PutUint16(body[tcpChecksumOffset:], updated)
		}
	case core.ProtoUDP:
		if len(body) >= udpChecksumOffset+2 {
			if old := binary.BigEndian.Uint16(body[udpChecksumOffset:]); old != 0 {
				updated := checksum.UpdateSum(old,
					checksum.PseudoHeaderV6(info.src, info.dst, core.ProtoUDP, 0),
					checksum.PseudoHeaderV4(newSrc, newDst, core.ProtoUDP, 0))
				binary.BigEndian.PutUint16(body[udpChecksumOffset:], updated)
			}
		}
	case core.ProtoICMPv6:
		if len(body) < 4 {
			return 0, core.ErrTruncatedPacket
		}
		newType, ok := echoTypeTo4(body[0])
		if !ok {
			// A nested ICMP error inside an error drops silently.
			return 0, core.ErrUntranslatable
		}
		oldWord := uint32(body[0])<<8 | uint32(body[1])
		body[0] = newType
		newWord := uint32(body[0])<<8 | uint32(body[1])
		old := binary.BigEndian.Uint16(body[2:4])
		updated := checksum.UpdateSum(old,
			checksum.PseudoHeaderV6(info.src, info.dst, core.ProtoICMPv6, uint32(claimed))+oldWord,
			newWord)
		binary.BigEndian.PutUint16(body[2:4], updated)
	}

	hdr := out[:core.IPv4HeaderLen]
	hdr[0] = 0x45
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(core.IPv4HeaderLen+claimed))
	if info.frag {
		binary.BigEndian.PutUint16(hdr[4:6], uint16(info.fragIdent))
		flags := info.fragOffset
		if info.fragMore {
			flags |= 0x2000
		}
		binary.BigEndian.PutUint16(hdr[6:8], flags)
	} else {
		binary.BigEndian.PutUint16(hdr[4:6], 0)
		binary.BigEndian.PutUint16(hdr[6:8], 0x4000)
	}
	hdr[8] = info.hopLimit // preserved inside error payloads
	hdr[9] = translateProtoTo4(info.proto)
	src, dst := newSrc.As4(), newDst.As4()
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	binary.BigEndian.PutUint16(hdr[10:12], checksum.Checksum(hdr))

	return core.IPv4HeaderLen + len(payload), nil
}

// embeddedV4ToV6 is the v4-to-v6 counterpart of embeddedV6ToV4.
func (t *Translator) embeddedV4ToV6(pkt, out []byte, newSrc, newDst netip.Addr) (int, error) {
	if len(pkt) < core.IPv4HeaderLen {
		return 0, core.ErrTruncatedPacket
	}
	if pkt[0]>>4 != 4 {
		return 0, core.ErrTruncatedPacket
	}
	hdrLen := int(pkt[0]&0x0f) * 4
	if hdrLen < core.IPv4HeaderLen || len(pkt) < hdrLen {
		return 0, core.ErrTruncatedPacket
	}

	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	claimed := totalLen - hdrLen
	if claimed < 0 {
		return 0, core.ErrTruncatedPacket
	}
	src := addr4(pkt[12:16])
	dst := addr4(pkt[16:20])
	proto := pkt[9]
	flags := binary.BigEndian.Uint16(pkt[6:8])
	fragOffset := flags & 0x1fff
	fragMore := flags&0x2000 != 0
	frag := fragOffset > 0 || fragMore

	payload := pkt[hdrLen:]
	outHdrLen := core.IPv6HeaderLen
	if frag {
		outHdrLen += core.IPv6FragHeaderLen
	}
	if len(out) < outHdrLen+len(payload) {
		return 0, core.ErrShortBuffer
	}
	copy(out[outHdrLen:], payload)
	body := out[outHdrLen : outHdrLen+len(payload)]

	switch proto {
	case core.ProtoTCP:
		if len(body) >= tcpChecksumOffset+2 {
			old := binary.BigEndian.Uint16(body[tcpChecksumOffset:])
			updated := checksum.UpdateSum(old,
				checksum.PseudoHeaderV4(src, dst, core.ProtoTCP, 0),
				checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoTCP, 0))
			binary.BigEndian.PutUint16(body[tcpChecksumOffset:], updated)
		}
	case core.ProtoUDP:
		if len(body) >= udpChecksumOffset+2 {
			if old := binary.BigEndian.Uint16(body[udpChecksumOffset:]); old != 0 {
				updated := checksum.UpdateSum(old,
					checksum.PseudoHeaderV4(src, dst, core.ProtoUDP, 0),
					checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoUDP, 0))
				binary.BigEndian.PutUint16(body[udpChecksumOffset:], updated)
			}
		}
	case core.ProtoICMP:
		if len(body) < 4 {
			return 0, core.ErrTruncatedPacket
		}
		newType, ok := echoTypeTo6(body[0])
		if !ok {
			return 0, core.ErrUntranslatable
		}
		oldWord := uint32(body[0])<<8 | uint32(body[1])
		body[0] = newType
		newWord := uint32(body[0])<<8 | uint32(body[1])
		old := binary.BigEndian.Uint16(body[2:4])
		updated := checksum.UpdateSum(old,
			oldWord,
			checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoICMPv6, uint32(claimed))+newWord)
		binary.BigEndian.PutUint16(body[2:4], updated)
	}

	hdr := out[:core.IPv6HeaderLen]
	hdr[0] = 0x60
	hdr[1], hdr[2], hdr[3] = 0, 0, 0
	payloadLen := claimed
	if frag {
		payloadLen += core.IPv6FragHeaderLen
	}
	binary.BigEndian.PutUint16(hdr[4:6], uint16(payloadLen))
	newProto := translateProtoTo6(proto)
	if frag {
		hdr[6] = core.ProtoFragment
	} else {
		hdr[6] = newProto
	}
	hdr[7] = pkt[8] // hop limit preserved inside error payloads
	s, d := newSrc.As16(), newDst.As16()
	copy(hdr[8:24], s[:])
	copy(hdr[24:40], d[:])

	if frag {
		fragHdr := out[core.IPv6HeaderLen : core.IPv6HeaderLen+core.IPv6FragHeaderLen]
		fragHdr[0] = newProto
		fragHdr[1] = 0
		fo := fragOffset << 3
		if fragMore {
			fo |= 0x1
		}
		binary.BigEndian.PutUint16(fragHdr[2:4], fo)
		binary.BigEndian.PutUint32(fragHdr[4:8], uint32(binary.BigEndian.Uint16(pkt[4:6])))
	}
	return outHdrLen + len(payload), nil
}

func translateProtoTo4(proto uint8) uint8 {
	if proto == core.ProtoICMPv6 {
		return core.ProtoICMP
	}
	return proto
}

func translateProtoTo6(proto uint8) uint8 {
	if proto == core.ProtoICMP {
		return core.ProtoICMPv6
	}
	return proto
}

func addr16(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}

func addr4(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}
