//go:build linux

package datapath

import (
	"net"

	"golang.org/x/sys/unix"
)

// socketPriority is the SO_PRIORITY value applied to the datapath socket.
// Go gives no portable way to raise an arbitrary goroutine's OS scheduling
// priority, so the "raise thread priority where the OS supports it" note
// from the spec is realized on the socket instead, on Linux only.
const socketPriority = 6

func raiseSocketPriority(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority)
	}); err != nil {
		return err
	}
	return sockErr
}
