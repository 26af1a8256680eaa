//go:build !linux

package netconfig

// New returns a recording no-op Configurator: this module has no real
// network-stack backend for this platform yet (see DESIGN.md).
func New() Configurator { return NewMock() }
