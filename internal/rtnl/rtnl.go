// Package rtnl contains the netlink plumbing that attaches the
// translation engine to the host routing table.
package rtnl

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/ewpratten/protomask/internal/log"
)

// Available reports whether netlink is usable on this system.
func Available() bool {
	_, err := netlink.LinkList()
	return err == nil
}

// LinkUp sets the interface MTU and brings it up.
func LinkUp(name string, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("failed to set MTU on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	log.Infof("brought up interface %s (mtu %d)", name, mtu)
	return nil
}

// RouteAdd routes prefix through the interface.
func RouteAdd(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route %s via %s: %w", prefix, name, err)
	}
	log.Debugf("added route %s via %s", prefix, name)
	return nil
}

// RouteDel removes a route added by RouteAdd.
func RouteDel(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
	}
	if err := netlink.RouteDel(route); err != nil {
		return fmt.Errorf("failed to remove route %s via %s: %w", prefix, name, err)
	}
	return nil
}

// AddrAdd assigns an address to the interface.
func AddrAdd(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	addr := &netlink.Addr{IPNet: prefixToIPNet(prefix)}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add address %s to %s: %w", prefix, name, err)
	}
	log.Debugf("added address %s to %s", prefix, name)
	return nil
}

func prefixToIPNet(prefix netip.Prefix) *net.IPNet {
	addr := prefix.Addr()
	bits := 128
	if addr.Is4() {
		bits = 32
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), bits),
	}
}
