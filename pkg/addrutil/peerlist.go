package addrutil

import (
	"errors"
	"net/netip"
)

// ErrSelfIndexMismatch is returned when the "self" marker does not appear at
// the expected index.
var ErrSelfIndexMismatch = errors.New("addrutil: self marker at unexpected index")

// PeerEntry is one slot of a control-plane peer list, as received over the
// RPC surface.
type PeerEntry struct {
	// Text is "self", "unavailable", or "host:port".
	Text string
	// PublicKey is ignored for "self" and "unavailable" entries.
	PublicKey [32]byte
}

// PeerDescriptor is a parsed, reachable peer slot.
type PeerDescriptor struct {
	PublicIP  netip.Addr
	Port      int
	PublicKey [32]byte
}

const (
	markerSelf        = "self"
	markerUnavailable = "unavailable"
)

// ParsePeerList assigns virtual IPs within base (a /24) to each reachable
// entry in order, starting at octet 1. "unavailable" entries are skipped
// without advancing the virtual-IP counter; "self" consumes a slot but is
// never present in the returned map. Any malformed host:port, or a "self"
// marker not found at selfIndex, fails closed with an empty map.
//
// The returned selfVirtualIP is the overlay address assigned to the local
// node (the octet consumed when "self" is reached).
func ParsePeerList(entries []PeerEntry, base netip.Prefix, selfIndex int) (peers map[uint32]PeerDescriptor, selfVirtualIP uint32, err error) {
	peers = make(map[uint32]PeerDescriptor)

	baseU32 := IPv4ToUint32(base.Addr()) &^ 0xFF
	octet := 1
	sawSelf := false

	for i, e := range entries {
		switch e.Text {
		case markerUnavailable:
			continue
		case markerSelf:
			if i != selfIndex {
				return map[uint32]PeerDescriptor{}, 0, ErrSelfIndexMismatch
			}
			sawSelf = true
			selfVirtualIP = baseU32 | uint32(octet)
			octet++
		default:
			host, port, perr := SplitHostPort(e.Text)
			if perr != nil {
				return map[uint32]PeerDescriptor{}, 0, perr
			}
			addr, perr := netip.ParseAddr(host)
			if perr != nil || !addr.Is4() {
				return map[uint32]PeerDescriptor{}, 0, ErrMalformedHostPort
			}
			vip := baseU32 | uint32(octet)
			peers[vip] = PeerDescriptor{PublicIP: addr, Port: port, PublicKey: e.PublicKey}
			octet++
		}
	}

	if !sawSelf {
		return map[uint32]PeerDescriptor{}, 0, ErrSelfIndexMismatch
	}
	return peers, selfVirtualIP, nil
}
