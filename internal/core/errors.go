// Package core defines sentinel errors and protocol constants shared
// by the translation engine.
package core

import "errors"

// Sentinel errors. Construction-time errors (ErrBadPrefixLength,
// ErrConflict, ErrUnsupportedMode) are fatal; everything else is
// per-packet and results in the packet being dropped.
var (
	// Configuration errors
	ErrBadPrefixLength = errors.New("protomask: prefix length not one of 32/40/48/56/64/96")
	ErrConflict        = errors.New("protomask: static mapping conflicts with existing entry")
	ErrUnsupportedMode = errors.New("protomask: unsupported translation mode")

	// Per-packet errors
	ErrTruncatedPacket       = errors.New("protomask: packet too short")
	ErrNonZeroReservedByte   = errors.New("protomask: non-zero reserved byte in embedded address")
	ErrUnsupportedNextHeader = errors.New("protomask: unsupported next header")
	ErrTTLExceeded           = errors.New("protomask: hop limit exceeded")
	ErrUntranslatable        = errors.New("protomask: no ICMP type/code counterpart")
	ErrNoMapping             = errors.New("protomask: no address mapping")
	ErrPoolExhausted         = errors.New("protomask: address pool exhausted")
	ErrUnknownFragment       = errors.New("protomask: trailing fragment without cached first fragment")
	ErrShortBuffer           = errors.New("protomask: output buffer too small")
)
