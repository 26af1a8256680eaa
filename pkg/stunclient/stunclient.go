// Package stunclient discovers the caller's public address by performing a
// single STUN binding exchange over a caller-owned UDP socket.
package stunclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

// ErrNoResponse is returned when the STUN server does not answer within the
// context deadline.
var ErrNoResponse = errors.New("stunclient: no response from server")

// ErrMalformedResponse is returned when the server's reply cannot be parsed
// as a successful binding response with an XOR-MAPPED-ADDRESS attribute.
var ErrMalformedResponse = errors.New("stunclient: malformed binding response")

// DefaultTimeout bounds a single Discover call when ctx carries no deadline.
const DefaultTimeout = 5 * time.Second

// Discover sends one STUN binding request to server over conn and returns
// the public address and port the server observed. conn is not closed by
// Discover; the caller retains ownership so the same socket can continue
// serving the overlay after discovery completes.
func Discover(ctx context.Context, conn *net.UDPConn, server netip.AddrPort) (netip.AddrPort, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: build request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return netip.AddrPort{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.WriteToUDPAddrPort(msg.Raw, server); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: send request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return netip.AddrPort{}, ErrNoResponse
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return netip.AddrPort{}, ErrNoResponse
			}
			return netip.AddrPort{}, fmt.Errorf("stunclient: read response: %w", err)
		}
		if from != server {
			// Stray datagram from somewhere else on the socket; keep waiting
			// for the server we actually queried.
			continue
		}

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if resp.Type != stun.BindingSuccess {
			return netip.AddrPort{}, ErrMalformedResponse
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(resp); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		addr, ok := netip.AddrFromSlice(xorAddr.IP)
		if !ok {
			return netip.AddrPort{}, ErrMalformedResponse
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port)), nil
	}
}
