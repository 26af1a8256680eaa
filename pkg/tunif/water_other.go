//go:build !linux

package tunif

import "fmt"

// OpenTUN is unavailable outside Linux in this build: songgao/water's
// Windows backend (TAP, not WINTUN) is a different device model than the
// Linux kernel TUN this package otherwise targets, and wiring it is out of
// scope for this pass — see DESIGN.md.
func OpenTUN(name string) (Device, error) {
	return nil, fmt.Errorf("tunif: no virtual interface backend for this platform")
}
