// Package tun wraps the TUN device the engine reads and writes raw
// IP datagrams on.
package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// Device is an open TUN interface carrying raw IP datagrams with no
// link-layer framing.
type Device struct {
	iface *water.Interface
	mtu   int
}

// New creates a TUN device. name may contain a %d pattern for kernel
// numbering (e.g. "protomask%d").
func New(name string, mtu int) (*Device, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN interface: %w", err)
	}
	return &Device{iface: iface, mtu: mtu}, nil
}

// Name returns the interface name assigned by the kernel.
func (d *Device) Name() string {
	return d.iface.Name()
}

// MTU returns the configured MTU.
func (d *Device) MTU() int {
	return d.mtu
}

// Read reads one datagram into p.
func (d *Device) Read(p []byte) (int, error) {
	return d.iface.Read(p)
}

// Write writes one datagram.
func (d *Device) Write(p []byte) (int, error) {
	return d.iface.Write(p)
}

// Close tears the interface down; blocked readers return an error.
func (d *Device) Close() error {
	return d.iface.Close()
}
