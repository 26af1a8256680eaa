// Package addrutil implements IPv4 address conversions, the control-plane
// peer-list parser, and broadcast/multicast classification used throughout
// the overlay.
package addrutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrMalformedHostPort is returned by SplitHostPort for input missing a host
// or a port.
var ErrMalformedHostPort = errors.New("addrutil: malformed host:port")

// IPv4ToUint32 converts an IPv4 address to its big-endian integer form.
func IPv4ToUint32(ip netip.Addr) uint32 {
	a := ip.As4()
	return binary.BigEndian.Uint32(a[:])
}

// Uint32ToIPv4 converts a big-endian integer back to an IPv4 address.
func Uint32ToIPv4(v uint32) netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}

// SplitHostPort splits "host:port" on the rightmost colon. Empty halves are
// treated as malformed input (fail-closed).
func SplitHostPort(s string) (host string, port int, err error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, ErrMalformedHostPort
	}
	host, portStr := s[:i], s[i+1:]
	if host == "" || portStr == "" {
		return "", 0, ErrMalformedHostPort
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedHostPort, err)
	}
	return host, int(p), nil
}

// IsBroadcastOrMulticast reports whether dst is the overlay's broadcast
// address, the global broadcast address, or within 224.0.0.0/4.
func IsBroadcastOrMulticast(dst uint32, base netip.Prefix) bool {
	if dst == 0xFFFFFFFF {
		return true
	}
	if dst>>28 == 14 { // 224.0.0.0/4, first octet 224-239
		return true
	}
	baseAddr := IPv4ToUint32(base.Addr())
	broadcast := (baseAddr &^ 0xFF) | 0xFF
	return dst == broadcast
}
