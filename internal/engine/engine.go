// Package engine wires the address codec, NAT table, and translator
// into a packet-level translation engine. The engine is a plain value
// owned by its I/O loop; multiple engines (e.g. NAT64 and CLAT side
// by side) may coexist in one process.
package engine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/ewpratten/protomask/internal/core"
	"github.com/ewpratten/protomask/internal/metrics"
	"github.com/ewpratten/protomask/internal/nat"
	"github.com/ewpratten/protomask/internal/rfc6052"
	"github.com/ewpratten/protomask/internal/xlat"
)

// Mode selects the translation behavior.
type Mode string

const (
	ModeNAT64 Mode = "nat64"
	ModeCLAT  Mode = "clat"
	// Mode6over4 is recognized in configuration but ships as a
	// separate eBPF program; this engine rejects it.
	Mode6over4 Mode = "6over4"
)

// StaticMapping is an operator-configured (v4, v6) pair.
type StaticMapping struct {
	V4 netip.Addr
	V6 netip.Addr
}

// Options carries the engine configuration. All fields are immutable
// after construction.
type Options struct {
	Mode   Mode
	Prefix netip.Prefix // RFC 6052 translation prefix

	// NAT64 only
	Pool           []netip.Prefix
	StaticMappings []StaticMapping
	MaxIdle        time.Duration

	// CLAT only
	CustomerPrefix netip.Prefix
}

// Engine translates packets between IPv4 and IPv6.
type Engine struct {
	mode     Mode
	prefix   netip.Prefix
	customer netip.Prefix
	table    *nat.Table
	pool     *nat.Pool
	xl       *xlat.Translator
}

// New validates the configuration and builds an engine. Configuration
// errors here are fatal; nothing after construction can fail the
// process.
func New(opts Options) (*Engine, error) {
	if !opts.Prefix.Addr().Is6() || !rfc6052.ValidPrefixLen(opts.Prefix.Bits()) {
		return nil, core.ErrBadPrefixLength
	}

	e := &Engine{
		mode:   opts.Mode,
		prefix: opts.Prefix.Masked(),
		xl:     xlat.NewTranslator(),
	}

	switch opts.Mode {
	case ModeNAT64:
		pool, err := nat.NewPool(opts.Pool)
		if err != nil {
			return nil, err
		}
		e.pool = pool
		e.table = nat.NewTable(pool, opts.MaxIdle)
		for _, m := range opts.StaticMappings {
			if err := e.table.InsertStatic(m.V4, m.V6); err != nil {
				return nil, fmt.Errorf("static mapping %s <--> %s: %w", m.V6, m.V4, err)
			}
		}
		metrics.PoolSize.Set(float64(pool.Size()))
		e.updatePoolGauges()
	case ModeCLAT:
		if !opts.CustomerPrefix.IsValid() || !opts.CustomerPrefix.Addr().Is4() {
			return nil, fmt.Errorf("clat mode requires an IPv4 customer prefix")
		}
		e.customer = opts.CustomerPrefix.Masked()
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedMode, opts.Mode)
	}
	return e, nil
}

// Table exposes the NAT table for state persistence and pruning. Nil
// in CLAT mode.
func (e *Engine) Table() *nat.Table {
	return e.table
}

// Translate dispatches one datagram by its IP version nibble and
// writes the translated packet to out. out must hold at least
// len(pkt)+28 bytes (48 to also cover ICMP errors, whose embedded
// packet grows alongside the outer header).
func (e *Engine) Translate(pkt, out []byte) (int, error) {
	if len(pkt) == 0 {
		return 0, core.ErrTruncatedPacket
	}
	switch pkt[0] >> 4 {
	case 4:
		return e.TranslateV4ToV6(pkt, out)
	case 6:
		return e.TranslateV6ToV4(pkt, out)
	default:
		return 0, core.ErrUnsupportedNextHeader
	}
}

// TranslateV6ToV4 handles the v6 -> v4 direction: the destination
// address carries an embedded IPv4 address under the translation
// prefix, and the source resolves through the NAT table (NAT64) or
// the codec (CLAT).
func (e *Engine) TranslateV6ToV4(pkt, out []byte) (int, error) {
	if len(pkt) < core.IPv6HeaderLen {
		return 0, core.ErrTruncatedPacket
	}
	src6 := addrFrom16(pkt[8:24])
	dst6 := addrFrom16(pkt[24:40])

	if !e.prefix.Contains(dst6) {
		return 0, core.ErrNoMapping
	}
	dst4, err := rfc6052.Extract(dst6, e.prefix.Bits())
	if err != nil {
		return 0, err
	}

	var src4 netip.Addr
	switch e.mode {
	case ModeNAT64:
		src4, err = e.table.GetOrAllocateV4(src6)
		if err != nil {
			return 0, err
		}
	case ModeCLAT:
		if !e.customer.Contains(dst4) {
			return 0, core.ErrNoMapping
		}
		if !e.prefix.Contains(src6) {
			return 0, core.ErrNoMapping
		}
		src4, err = rfc6052.Extract(src6, e.prefix.Bits())
		if err != nil {
			return 0, err
		}
	}

	return e.xl.IPv6ToIPv4(pkt, out, src4, dst4)
}

// TranslateV4ToV6 handles the v4 -> v6 direction: the destination
// resolves through the NAT table (NAT64) or the codec (CLAT), and the
// source is embedded under the translation prefix.
func (e *Engine) TranslateV4ToV6(pkt, out []byte) (int, error) {
	if len(pkt) < core.IPv4HeaderLen {
		return 0, core.ErrTruncatedPacket
	}
	src4 := addrFrom4(pkt[12:16])
	dst4 := addrFrom4(pkt[16:20])

	var src6, dst6 netip.Addr
	switch e.mode {
	case ModeNAT64:
		var err error
		dst6, err = e.table.LookupV6(dst4)
		if err != nil {
			return 0, err
		}
		src6 = rfc6052.EmbedUnchecked(src4, e.prefix)
	case ModeCLAT:
		if !e.customer.Contains(src4) {
			return 0, core.ErrNoMapping
		}
		src6 = rfc6052.EmbedUnchecked(src4, e.prefix)
		dst6 = rfc6052.EmbedUnchecked(dst4, e.prefix)
	}

	return e.xl.IPv4ToIPv6(pkt, out, src6, dst6)
}

// updatePoolGauges refreshes the reserved-address gauges.
func (e *Engine) updatePoolGauges() {
	if e.table == nil {
		return
	}
	static, dynamic := e.table.Counts()
	metrics.PoolReserved.WithLabelValues("static").Set(float64(static))
	metrics.PoolReserved.WithLabelValues("dynamic").Set(float64(dynamic))
}

func addrFrom16(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}

func addrFrom4(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}
