// Package tunmock provides an in-memory substitute for a kernel TUN
// interface, for use in tests that exercise [tunif.Adapter] without
// OS privileges.
package tunmock

import (
	"io"
	"sync"
)

// Device is an in-process loopback-style virtual interface. Writes made by
// the adapter under test are captured in Written; packets queued with Feed
// are delivered to the adapter's next Read.
type Device struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	written [][]byte
	closed  bool
}

// New creates a mock device presenting the given interface name.
func New(name string) *Device {
	d := &Device{name: name}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Feed enqueues pkt to be returned by a future Read, as if the kernel had
// routed it onto the interface.
func (d *Device) Feed(pkt []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	d.queue = append(d.queue, cp)
	d.cond.Signal()
}

// Read blocks until a packet is fed or the device is closed.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return 0, io.EOF
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]
	return copy(p, pkt), nil
}

// Write records pkt as emitted toward the kernel.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	d.written = append(d.written, cp)
	return len(p), nil
}

// Written returns a copy of every packet handed to Write so far.
func (d *Device) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

// Close unblocks any pending Read with io.EOF.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// Name reports the configured interface name.
func (d *Device) Name() string { return d.name }
