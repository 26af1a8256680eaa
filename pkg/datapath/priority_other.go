//go:build !linux

package datapath

import "net"

// raiseSocketPriority is a no-op outside Linux: SO_PRIORITY is a
// Linux-specific socket option.
func raiseSocketPriority(conn *net.UDPConn) error { return nil }
