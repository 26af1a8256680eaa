package netconfig

import (
	"net/netip"
	"sync"
)

// Mock records every call made to it, for assertions in tests that exercise
// the supervisor without touching the real network stack.
type Mock struct {
	mu sync.Mutex

	Assigned  []netip.Addr
	Routes    []netip.Addr
	Allowed   []netip.Prefix
	TornDown  int
}

// NewMock creates an empty recording configurator.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) AssignAddress(ifaceName string, selfVIP netip.Addr, prefixLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Assigned = append(m.Assigned, selfVIP)
	return nil
}

func (m *Mock) AddPeerRoute(ifaceName string, peerVIP netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Routes = append(m.Routes, peerVIP)
	return nil
}

func (m *Mock) RemovePeerRoute(ifaceName string, peerVIP netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.Routes {
		if r == peerVIP {
			m.Routes = append(m.Routes[:i], m.Routes[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Mock) AllowOverlayRange(ifaceName string, base netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Allowed = append(m.Allowed, base)
	return nil
}

func (m *Mock) Teardown(ifaceName string, base netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TornDown++
	m.Assigned = nil
	m.Routes = nil
	m.Allowed = nil
	return nil
}
