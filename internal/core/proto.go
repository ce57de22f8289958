package core

// IP protocol numbers used by the translator.
const (
	ProtoHopByHop uint8 = 0
	ProtoICMP     uint8 = 1
	ProtoTCP      uint8 = 6
	ProtoUDP      uint8 = 17
	ProtoRouting  uint8 = 43
	ProtoFragment uint8 = 44
	ProtoICMPv6   uint8 = 58
	ProtoNoNext   uint8 = 59
	ProtoDestOpts uint8 = 60
)

// Header sizes in bytes.
const (
	IPv4HeaderLen     = 20
	IPv6HeaderLen     = 40
	IPv6FragHeaderLen = 8
	ICMPHeaderLen     = 8
	UDPHeaderLen      = 8
	TCPHeaderMinLen   = 20
)
