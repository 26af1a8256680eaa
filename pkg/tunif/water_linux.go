//go:build linux

package tunif

import (
	"github.com/songgao/water"
)

// WaterDevice wraps a kernel TUN interface opened via songgao/water.
type WaterDevice struct {
	iface *water.Interface
}

// OpenTUN creates a Layer-3 TUN interface. If name is empty, the kernel
// assigns one.
func OpenTUN(name string) (*WaterDevice, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return &WaterDevice{iface: iface}, nil
}

func (d *WaterDevice) Read(p []byte) (int, error)  { return d.iface.Read(p) }
func (d *WaterDevice) Write(p []byte) (int, error) { return d.iface.Write(p) }
func (d *WaterDevice) Close() error                { return d.iface.Close() }
func (d *WaterDevice) Name() string                { return d.iface.Name() }
