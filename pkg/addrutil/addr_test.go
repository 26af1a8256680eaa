package addrutil

import (
	"net/netip"
	"testing"
)

func TestIPv4Uint32RoundTrip(t *testing.T) {
	cases := []string{"0.0.0.0", "10.0.0.1", "255.255.255.255", "192.168.1.42"}
	for _, s := range cases {
		addr := netip.MustParseAddr(s)
		got := Uint32ToIPv4(IPv4ToUint32(addr))
		if got != addr {
			t.Errorf("round trip %s: got %s", s, got)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"1.2.3.4:5000", "1.2.3.4", 5000, false},
		{"host:0", "host", 0, false},
		{"noport", "", 0, true},
		{":5000", "", 0, true},
		{"host:", "", 0, true},
		{"host:notanumber", "", 0, true},
	}
	for _, tc := range tests {
		host, port, err := SplitHostPort(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if host != tc.wantHost || port != tc.wantPort {
			t.Errorf("%q: got (%s, %d), want (%s, %d)", tc.in, host, port, tc.wantHost, tc.wantPort)
		}
	}
}

func TestIsBroadcastOrMulticast(t *testing.T) {
	base := netip.MustParsePrefix("10.0.0.0/24")
	tests := []struct {
		dst  uint32
		want bool
	}{
		{0xFFFFFFFF, true},
		{IPv4ToUint32(netip.MustParseAddr("10.0.0.255")), true},
		{IPv4ToUint32(netip.MustParseAddr("224.0.0.1")), true},
		{IPv4ToUint32(netip.MustParseAddr("239.255.255.255")), true},
		{IPv4ToUint32(netip.MustParseAddr("10.0.0.5")), false},
		{IPv4ToUint32(netip.MustParseAddr("240.0.0.1")), false},
	}
	for _, tc := range tests {
		if got := IsBroadcastOrMulticast(tc.dst, base); got != tc.want {
			t.Errorf("dst=%08x: got %v, want %v", tc.dst, got, tc.want)
		}
	}
}
