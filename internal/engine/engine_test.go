package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewpratten/protomask/internal/core"
)

func nat64Options() Options {
	return Options{
		Mode:    ModeNAT64,
		Prefix:  netip.MustParsePrefix("64:ff9b::/96"),
		Pool:    []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
		MaxIdle: 2 * time.Hour,
	}
}

func buildUDPv6Packet(t *testing.T, src, dst netip.Addr, body []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP(src.String()),
		DstIP:      net.ParseIP(dst.String()),
	}
	udp := &layers.UDP{SrcPort: 32000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(body)))
	return buf.Bytes()
}

func buildUDPv4Packet(t *testing.T, src, dst netip.Addr, body []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src.String()),
		DstIP:    net.ParseIP(dst.String()),
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 32000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(body)))
	return buf.Bytes()
}

// NAT64 forward path: the first v6 source gets the lowest usable pool
// address and the embedded destination is recovered.
func TestNAT64ForwardPath(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	pkt := buildUDPv6Packet(t,
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("64:ff9b::c000:2c8"), // embeds 192.0.2.200
		[]byte("payload"))
	out := make([]byte, len(pkt)+28)

	n, err := e.Translate(pkt, out)
	require.NoError(t, err)
	got := out[:n]

	decoded := gopacket.NewPacket(got, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, _ := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.NotNil(t, ipLayer)
	assert.Equal(t, "192.0.2.1", ipLayer.SrcIP.String(), "first allocation takes the lowest usable pool address")
	assert.Equal(t, "192.0.2.200", ipLayer.DstIP.String())
}

// NAT64 reverse path: the reply comes back to the original v6 host
// with the source embedded under the prefix.
func TestNAT64ReverseRoundTrip(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	v6Host := netip.MustParseAddr("2001:db8::1")
	forward := buildUDPv6Packet(t, v6Host, netip.MustParseAddr("64:ff9b::c000:2c8"), []byte("ping"))
	out := make([]byte, len(forward)+28)
	_, err = e.Translate(forward, out)
	require.NoError(t, err)

	reply := buildUDPv4Packet(t,
		netip.MustParseAddr("192.0.2.200"),
		netip.MustParseAddr("192.0.2.1"), // the allocated source
		[]byte("pong"))
	out2 := make([]byte, len(reply)+28)
	n, err := e.Translate(reply, out2)
	require.NoError(t, err)
	got := out2[:n]

	src := netip.AddrFrom16([16]byte(got[8:24]))
	dst := netip.AddrFrom16([16]byte(got[24:40]))
	assert.Equal(t, netip.MustParseAddr("64:ff9b::c000:2c8"), src)
	assert.Equal(t, v6Host, dst)
}

// A v4 packet for an address nobody leased drops with NoMapping.
func TestNAT64ReverseNoMapping(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	pkt := buildUDPv4Packet(t,
		netip.MustParseAddr("192.0.2.200"),
		netip.MustParseAddr("192.0.2.77"),
		nil)
	out := make([]byte, len(pkt)+28)
	_, err = e.Translate(pkt, out)
	assert.ErrorIs(t, err, core.ErrNoMapping)
}

// A static mapping answers on the reverse path without any prior
// traffic, and its address is never handed to another host (S4).
func TestStaticMapping(t *testing.T) {
	opts := nat64Options()
	opts.Pool = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/29")}
	opts.StaticMappings = []StaticMapping{{
		V4: netip.MustParseAddr("192.0.2.2"),
		V6: netip.MustParseAddr("2001:db8:1::2"),
	}}
	e, err := New(opts)
	require.NoError(t, err)

	pkt := buildUDPv4Packet(t,
		netip.MustParseAddr("192.0.2.200"),
		netip.MustParseAddr("192.0.2.2"),
		nil)
	out := make([]byte, len(pkt)+28)
	n, err := e.Translate(pkt, out)
	require.NoError(t, err)
	dst := netip.AddrFrom16([16]byte(out[24:40]))
	assert.Equal(t, netip.MustParseAddr("2001:db8:1::2"), dst)
	_ = n

	// Exhaust the rest of the pool; nobody gets .2.
	for i := 0; i < 16; i++ {
		fwd := buildUDPv6Packet(t,
			netip.MustParseAddr(fmt.Sprintf("2001:db8::%d", i+1)),
			netip.MustParseAddr("64:ff9b::c000:2c8"), nil)
		o := make([]byte, len(fwd)+28)
		if _, err := e.Translate(fwd, o); err == nil {
			src := netip.AddrFrom4([4]byte(o[12:16]))
			assert.NotEqual(t, netip.MustParseAddr("192.0.2.2"), src)
		}
	}
}

func TestStaticConflictFatal(t *testing.T) {
	opts := nat64Options()
	opts.StaticMappings = []StaticMapping{
		{V4: netip.MustParseAddr("192.0.2.2"), V6: netip.MustParseAddr("2001:db8:1::2")},
		{V4: netip.MustParseAddr("192.0.2.2"), V6: netip.MustParseAddr("2001:db8:1::3")},
	}
	_, err := New(opts)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestBadPrefixLength(t *testing.T) {
	opts := nat64Options()
	opts.Prefix = netip.MustParsePrefix("64:ff9b::/80")
	_, err := New(opts)
	assert.ErrorIs(t, err, core.ErrBadPrefixLength)
}

func TestMode6over4Rejected(t *testing.T) {
	opts := nat64Options()
	opts.Mode = Mode6over4
	_, err := New(opts)
	assert.ErrorIs(t, err, core.ErrUnsupportedMode)
}

// A v6 destination outside the translation prefix is not ours.
func TestDestinationOutsidePrefix(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	pkt := buildUDPv6Packet(t,
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("2001:db8::2"),
		nil)
	out := make([]byte, len(pkt)+28)
	_, err = e.Translate(pkt, out)
	assert.ErrorIs(t, err, core.ErrNoMapping)
}

func TestCLATRoundTrip(t *testing.T) {
	e, err := New(Options{
		Mode:           ModeCLAT,
		Prefix:         netip.MustParsePrefix("64:ff9b::/96"),
		CustomerPrefix: netip.MustParsePrefix("192.0.0.0/29"),
	})
	require.NoError(t, err)

	// Outbound: customer v4 traffic rides the translation prefix.
	pkt := buildUDPv4Packet(t,
		netip.MustParseAddr("192.0.0.1"),
		netip.MustParseAddr("198.51.100.9"),
		[]byte("clat out"))
	out := make([]byte, len(pkt)+28)
	n, err := e.Translate(pkt, out)
	require.NoError(t, err)

	src := netip.AddrFrom16([16]byte(out[8:24]))
	dst := netip.AddrFrom16([16]byte(out[24:40]))
	assert.Equal(t, netip.MustParseAddr("64:ff9b::c000:1"), src)
	assert.Equal(t, netip.MustParseAddr("64:ff9b::c633:6409"), dst)

	// Inbound: the reply extracts straight back, no table involved.
	reply := buildUDPv6Packet(t, dst, src, []byte("clat in"))
	out2 := make([]byte, len(reply)+28)
	n, err = e.Translate(reply, out2)
	require.NoError(t, err)
	got := out2[:n]

	assert.Equal(t, netip.MustParseAddr("198.51.100.9"), netip.AddrFrom4([4]byte(got[12:16])))
	assert.Equal(t, netip.MustParseAddr("192.0.0.1"), netip.AddrFrom4([4]byte(got[16:20])))
}

// CLAT only serves its own customer prefix.
func TestCLATRejectsForeignSource(t *testing.T) {
	e, err := New(Options{
		Mode:           ModeCLAT,
		Prefix:         netip.MustParsePrefix("64:ff9b::/96"),
		CustomerPrefix: netip.MustParsePrefix("192.0.0.0/29"),
	})
	require.NoError(t, err)

	pkt := buildUDPv4Packet(t,
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("198.51.100.9"),
		nil)
	out := make([]byte, len(pkt)+28)
	_, err = e.Translate(pkt, out)
	assert.ErrorIs(t, err, core.ErrNoMapping)
}

func TestDispatchBadVersion(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	out := make([]byte, 64)
	_, err = e.Translate([]byte{0x00, 0x01}, out)
	assert.Error(t, err)
	_, err = e.Translate(nil, out)
	assert.ErrorIs(t, err, core.ErrTruncatedPacket)
}

// pipeDevice is an in-memory Device for exercising the run loop.
type pipeDevice struct {
	in   chan []byte
	outc chan []byte
}

func (d *pipeDevice) Read(p []byte) (int, error) {
	pkt, ok := <-d.in
	if !ok {
		return 0, io.EOF
	}
	return copy(p, pkt), nil
}

func (d *pipeDevice) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	d.outc <- cp
	return len(p), nil
}

func (d *pipeDevice) Name() string { return "tun-test" }

func TestRunTranslatesAndWritesBack(t *testing.T) {
	e, err := New(nat64Options())
	require.NoError(t, err)

	dev := &pipeDevice{in: make(chan []byte, 4), outc: make(chan []byte, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, dev, 1500, 2) }()

	pkt := buildUDPv6Packet(t,
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("64:ff9b::c000:2c8"),
		[]byte("via run loop"))
	dev.in <- pkt

	select {
	case got := <-dev.outc:
		require.NotEmpty(t, got)
		assert.Equal(t, uint8(4), got[0]>>4, "output should be IPv4")
		assert.Equal(t, uint16(len(pkt)-20), binary.BigEndian.Uint16(got[2:4]))
	case <-time.After(2 * time.Second):
		t.Fatal("run loop produced no output")
	}

	// A packet the engine cannot translate is dropped, not written.
	dev.in <- []byte{0x10, 0x00, 0x00}

	cancel()
	close(dev.in)
	require.NoError(t, <-done)
}
