package xlat

import (
	"encoding/binary"
	"net/netip"
	"strconv"

	"github.com/ewpratten/protomask/internal/checksum"
	"github.com/ewpratten/protomask/internal/core"
	"github.com/ewpratten/protomask/internal/metrics"
)

// ICMPv6 message types handled by the translator.
const (
	icmpv6DestUnreachable = 1
	icmpv6PacketTooBig    = 2
	icmpv6TimeExceeded    = 3
	icmpv6ParamProblem    = 4
	icmpv6EchoRequest     = 128
	icmpv6EchoReply       = 129
)

// ICMPv4 message types handled by the translator.
const (
	icmpEchoReply       = 0
	icmpDestUnreachable = 3
	icmpEchoRequest     = 8
	icmpTimeExceeded    = 11
	icmpParamProblem    = 12
)

// icmpV6ToV4 translates an ICMPv6 message into an ICMPv4 message.
// Error messages have their embedded erred packet translated one
// level deep; a nested error drops silently.
func (t *Translator) icmpV6ToV4(msg, out []byte, newSrc, newDst netip.Addr) (int, error) {
	if len(msg) < core.ICMPHeaderLen {
		return 0, core.ErrTruncatedPacket
	}
	typ, code := msg[0], msg[1]
	observeICMP("icmpv6", typ, code)

	var newType, newCode uint8
	var rest [4]byte
	copy(rest[:], msg[4:8])
	isError := false

	switch typ {
	case icmpv6EchoRequest:
		newType, newCode = icmpEchoRequest, 0
	case icmpv6EchoReply:
		newType, newCode = icmpEchoReply, 0
	case icmpv6DestUnreachable:
		isError = true
		newType, newCode = icmpDestUnreachable, destUnreachCodeTo4(code)
		rest = [4]byte{}
	case icmpv6PacketTooBig:
		isError = true
		newType, newCode = icmpDestUnreachable, 4
		mtu := binary.BigEndian.Uint32(msg[4:8])
		if mtu > 20 {
			mtu -= 20
		} else {
			mtu = 0
		}
		if mtu > 0xffff {
			mtu = 0xffff
		}
		rest = [4]byte{}
		binary.BigEndian.PutUint16(rest[2:4], uint16(mtu))
	case icmpv6TimeExceeded:
		isError = true
		newType, newCode = icmpTimeExceeded, code
		rest = [4]byte{}
	case icmpv6ParamProblem:
		switch code {
		case 0:
			ptr, ok := pointerTo4(binary.BigEndian.Uint32(msg[4:8]))
			if !ok {
				return 0, core.ErrUntranslatable
			}
			isError = true
			newType, newCode = icmpParamProblem, 0
			rest = [4]byte{ptr, 0, 0, 0}
		case 1:
			// Unrecognized next header maps to protocol unreachable.
			isError = true
			newType, newCode = icmpDestUnreachable, 2
			rest = [4]byte{}
		default:
			return 0, core.ErrUntranslatable
		}
	default:
		return 0, core.ErrUntranslatable
	}

	if len(out) < core.ICMPHeaderLen {
		return 0, core.ErrShortBuffer
	}
	out[0], out[1] = newType, newCode
	out[2], out[3] = 0, 0
	copy(out[4:8], rest[:])

	length := core.ICMPHeaderLen
	if isError {
		// The erred packet travelled v4->v6 originally, so its
		// addresses translate with the roles swapped.
		n, err := t.embeddedV6ToV4(msg[core.ICMPHeaderLen:], out[core.ICMPHeaderLen:], newDst, newSrc)
		if err != nil {
			return 0, err
		}
		length += n
	} else {
		if len(out) < len(msg) {
			return 0, core.ErrShortBuffer
		}
		copy(out[core.ICMPHeaderLen:], msg[core.ICMPHeaderLen:])
		length = len(msg)
	}

	binary.BigEndian.PutUint16(out[2:4], checksum.Checksum(out[:length]))
	return length, nil
}

// icmpV4ToV6 translates an ICMPv4 message into an ICMPv6 message.
func (t *Translator) icmpV4ToV6(msg, out []byte, newSrc, newDst netip.Addr) (int, error) {
	if len(msg) < core.ICMPHeaderLen {
		return 0, core.ErrTruncatedPacket
	}
	typ, code := msg[0], msg[1]
	observeICMP("icmp", typ, code)

	var newType, newCode uint8
	var rest [4]byte
	copy(rest[:], msg[4:8])
	isError := false

	switch typ {
	case icmpEchoRequest:
		newType, newCode = icmpv6EchoRequest, 0
	case icmpEchoReply:
		newType, newCode = icmpv6EchoReply, 0
	case icmpDestUnreachable:
		isError = true
		if code == 4 {
			// Fragmentation needed becomes packet too big; the v6
			// path is 20 bytes roomier.
			newType, newCode = icmpv6PacketTooBig, 0
			mtu := uint32(binary.BigEndian.Uint16(msg[6:8])) + 20
			if mtu < 1280 {
				mtu = 1280
			}
			binary.BigEndian.PutUint32(rest[:], mtu)
		} else {
			newType, newCode = icmpv6DestUnreachable, destUnreachCodeTo6(code)
			rest = [4]byte{}
		}
	case icmpTimeExceeded:
		isError = true
		newType, newCode = icmpv6TimeExceeded, code
		rest = [4]byte{}
	case icmpParamProblem:
		if code != 0 && code != 2 {
			return 0, core.ErrUntranslatable
		}
		ptr, ok := pointerTo6(msg[4])
		if !ok {
			return 0, core.ErrUntranslatable
		}
		isError = true
		newType, newCode = icmpv6ParamProblem, 0
		binary.BigEndian.PutUint32(rest[:], uint32(ptr))
	default:
		return 0, core.ErrUntranslatable
	}

	if len(out) < core.ICMPHeaderLen {
		return 0, core.ErrShortBuffer
	}
	out[0], out[1] = newType, newCode
	out[2], out[3] = 0, 0
	copy(out[4:8], rest[:])

	length := core.ICMPHeaderLen
	if isError {
		n, err := t.embeddedV4ToV6(msg[core.ICMPHeaderLen:], out[core.ICMPHeaderLen:], newDst, newSrc)
		if err != nil {
			return 0, err
		}
		length += n
	} else {
		if len(out) < len(msg) {
			return 0, core.ErrShortBuffer
		}
		copy(out[core.ICMPHeaderLen:], msg[core.ICMPHeaderLen:])
		length = len(msg)
	}

	sum := checksum.PseudoHeaderV6(newSrc, newDst, core.ProtoICMPv6, uint32(length))
	binary.BigEndian.PutUint16(out[2:4], checksum.Fold(sum+checksum.Sum(out[:length])))
	return length, nil
}

// destUnreachCodeTo4 maps ICMPv6 destination-unreachable codes to
// their ICMPv4 equivalents.
func destUnreachCodeTo4(code uint8) uint8 {
	switch code {
	case 1: // administratively prohibited
		return 13
	case 2: // beyond scope of source
		return 8
	case 3: // address unreachable
		return 1
	case 4: // port unreachable
		return 3
	case 5: // source address failed policy
		return 5
	default: // no route to destination
		return 0
	}
}

// destUnreachCodeTo6 maps ICMPv4 destination-unreachable codes to
// their ICMPv6 equivalents. Code 4 (fragmentation needed) is handled
// separately as packet too big.
func destUnreachCodeTo6(code uint8) uint8 {
	switch code {
	case 1, 7, 12: // host unreachable variants
		return 3
	case 3: // port unreachable
		return 4
	case 5: // source route failed
		return 5
	case 9, 10, 13, 14, 15: // administratively prohibited variants
		return 1
	default: // network unreachable variants
		return 0
	}
}

// pointerTo4 maps an ICMPv6 parameter-problem pointer to the
// corresponding IPv4 header offset.
func pointerTo4(ptr uint32) (uint8, bool) {
	switch {
	case ptr == 0:
		return 0, true // version
	case ptr == 1:
		return 1, true // traffic class -> TOS
	case ptr == 4 || ptr == 5:
		return 2, true // payload length -> total length
	case ptr == 6:
		return 9, true // next header -> protocol
	case ptr == 7:
		return 8, true // hop limit -> TTL
	case ptr >= 8 && ptr < 24:
		return 12, true // source address
	case ptr >= 24 && ptr < 40:
		return 16, true // destination address
	default:
		return 0, false
	}
}

// pointerTo6 maps an ICMPv4 parameter-problem pointer to the
// corresponding IPv6 header offset.
func pointerTo6(ptr uint8) (uint8, bool) {
	switch {
	case ptr == 0:
		return 0, true
	case ptr == 1:
		return 1, true
	case ptr == 2 || ptr == 3:
		return 4, true
	case ptr == 8:
		return 7, true
	case ptr == 9:
		return 6, true
	case ptr >= 12 && ptr < 16:
		return 8, true
	case ptr >= 16 && ptr < 20:
		return 24, true
	default:
		return 0, false
	}
}

// observeICMP records an incoming ICMP message's type and code.
func observeICMP(proto string, typ, code uint8) {
	metrics.ICMPMessagesTotal.WithLabelValues(proto,
		strconv.Itoa(int(typ)), strconv.Itoa(int(code))).Inc()
}

// echoTypeTo4 remaps an embedded ICMPv6 echo type; any other type is
// a nested error and untranslatable.
func echoTypeTo4(typ uint8) (uint8, bool) {
	switch typ {
	case icmpv6EchoRequest:
		return icmpEchoRequest, true
	case icmpv6EchoReply:
		return icmpEchoReply, true
	default:
		return 0, false
	}
}

// echoTypeTo6 remaps an embedded ICMPv4 echo type.
func echoTypeTo6(typ uint8) (uint8, bool) {
	switch typ {
	case icmpEchoRequest:
		return icmpv6EchoRequest, true
	case icmpEchoReply:
		return icmpv6EchoReply, true
	default:
		return 0, false
	}
}
