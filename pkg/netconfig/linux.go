//go:build linux

package netconfig

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

// Linux configures interface addresses and routes via rtnetlink, and
// firewall rules via iptables.
type Linux struct {
	routesInstalled map[string][]netip.Addr
}

// NewLinux creates a Linux configurator.
func NewLinux() *Linux {
	return &Linux{routesInstalled: make(map[string][]netip.Addr)}
}

func (l *Linux) AssignAddress(ifaceName string, selfVIP netip.Addr, prefixLen int) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netconfig: lookup interface %s: %w", ifaceName, err)
	}

	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", selfVIP, prefixLen))
	if err != nil {
		return fmt.Errorf("netconfig: parse address: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netconfig: assign address: %w", err)
	}
	return netlink.LinkSetUp(link)
}

func (l *Linux) AddPeerRoute(ifaceName string, peerVIP netip.Addr) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netconfig: lookup interface %s: %w", ifaceName, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       hostPrefix(peerVIP),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("netconfig: add route to %s: %w", peerVIP, err)
	}
	l.routesInstalled[ifaceName] = append(l.routesInstalled[ifaceName], peerVIP)
	return nil
}

func (l *Linux) RemovePeerRoute(ifaceName string, peerVIP netip.Addr) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netconfig: lookup interface %s: %w", ifaceName, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       hostPrefix(peerVIP),
	}
	return netlink.RouteDel(route)
}

func (l *Linux) AllowOverlayRange(ifaceName string, base netip.Prefix) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("netconfig: init iptables: %w", err)
	}
	return ipt.AppendUnique("filter", "INPUT", "-i", ifaceName, "-s", base.String(), "-j", "ACCEPT")
}

func (l *Linux) Teardown(ifaceName string, base netip.Prefix) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("netconfig: init iptables: %w", err)
	}
	var firstErr error
	if err := ipt.DeleteIfExists("filter", "INPUT", "-i", ifaceName, "-s", base.String(), "-j", "ACCEPT"); err != nil {
		firstErr = err
	}
	for _, vip := range l.routesInstalled[ifaceName] {
		if err := l.RemovePeerRoute(ifaceName, vip); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(l.routesInstalled, ifaceName)
	if link, err := netlink.LinkByName(ifaceName); err == nil {
		addrs, _ := netlink.AddrList(link, netlink.FAMILY_V4)
		for i := range addrs {
			ip, ok := netip.AddrFromSlice(addrs[i].IP)
			if ok && base.Contains(ip.Unmap()) {
				if err := netlink.AddrDel(link, &addrs[i]); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// hostPrefix builds a /32 destination for a single-host route.
func hostPrefix(addr netip.Addr) *net.IPNet {
	a4 := addr.As4()
	return &net.IPNet{IP: net.IP(a4[:]), Mask: net.CIDRMask(32, 32)}
}
