package datapath

import (
	"net"
	"testing"
)

// newLoopbackConn opens a UDP socket on loopback with an OS-chosen port, for
// tests that need a real *net.UDPConn but never exchange traffic on it.
func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}
