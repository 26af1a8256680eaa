// Package netconfig configures the OS network stack around the virtual
// interface: address assignment, per-peer host routes, and a firewall rule
// admitting the overlay range. It is treated as an external collaborator:
// the core only ever calls through the Configurator interface.
package netconfig

import "net/netip"

// Configurator is the capability the supervisor invokes once a peer
// connection comes up, and again to tear it down. Production code is
// backed by the Linux implementation in this package; tests substitute a
// fake.
type Configurator interface {
	// AssignAddress gives the named interface selfVIP with the given
	// prefix length (24 for the overlay's /24 convention).
	AssignAddress(ifaceName string, selfVIP netip.Addr, prefixLen int) error
	// AddPeerRoute installs a host route to peerVIP via the named
	// interface.
	AddPeerRoute(ifaceName string, peerVIP netip.Addr) error
	// RemovePeerRoute undoes AddPeerRoute.
	RemovePeerRoute(ifaceName string, peerVIP netip.Addr) error
	// AllowOverlayRange installs a firewall rule admitting traffic within
	// base (the overlay's configured /24).
	AllowOverlayRange(ifaceName string, base netip.Prefix) error
	// Teardown removes whatever AllowOverlayRange and AssignAddress
	// installed, reporting only the first error encountered.
	Teardown(ifaceName string, base netip.Prefix) error
}
