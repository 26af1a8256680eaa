// Package tunif drives the virtual network interface that carries IP
// packets between the local kernel and the overlay's datapath.
package tunif

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Adapter operations once the adapter has been
// closed.
var ErrClosed = errors.New("tunif: adapter closed")

// MaxPacketSize bounds a single read/write on the virtual interface. IPv4
// packets never exceed 65535 bytes; the overlay additionally caps payloads
// to fit inside one UDP datagram, so this is a generous upper bound.
const MaxPacketSize = 65536

// Device is the capability a virtual network interface must provide. The
// production backend wraps a TUN file descriptor; tests substitute
// [tunif/tunmock.Device].
type Device interface {
	io.ReadWriteCloser
	// Name reports the OS-assigned interface name (e.g. "peerbridge0").
	Name() string
}

// Adapter drives a Device with a background reader and a bounded writer
// queue, so callers never block the executor goroutine on interface I/O.
type Adapter struct {
	dev Device

	outbound  chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeMu   sync.Mutex
	closed    bool

	onPacket func(pkt []byte)
	onError  func(err error)

	droppedFull  atomic.Uint64
	readErrors   atomic.Uint64
	writeErrors  atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Config controls adapter construction.
type Config struct {
	// OnPacket is invoked from the reader goroutine for every packet read
	// from the interface. The slice is only valid for the duration of the
	// call; implementations that retain it must copy.
	OnPacket func(pkt []byte)
	// OnError is invoked from the reader or writer goroutine when it
	// observes a fatal interface error. Each goroutine reports at most one
	// error before exiting, so it can be called up to twice.
	OnError func(err error)
	// QueueDepth bounds the outbound write queue. Writes beyond this depth
	// are dropped rather than blocking the caller.
	QueueDepth int
}

// NewAdapter wraps dev without starting any goroutines. Start must be called
// to begin processing.
func NewAdapter(dev Device, cfg Config) *Adapter {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &Adapter{
		dev:      dev,
		outbound: make(chan []byte, depth),
		done:     make(chan struct{}),
		onPacket: cfg.OnPacket,
		onError:  cfg.OnError,
	}
}

// Start launches the reader and writer goroutines. It returns immediately;
// interface errors surface through the configured OnError callback. Start is
// idempotent: a reconnect cycle that calls it again never launches a second
// reader/writer pair against the same device. The goroutines run until Close
// (or a device error) ends them; there is no separate stop-and-join step.
func (a *Adapter) Start() {
	a.startOnce.Do(func() {
		go a.readLoop()
		go a.writeLoop()
	})
}

func (a *Adapter) readLoop() {
	buf := make([]byte, MaxPacketSize)
	for {
		n, err := a.dev.Read(buf)
		if err != nil {
			a.readErrors.Add(1)
			a.fail(fmt.Errorf("tunif: read: %w", err))
			return
		}
		a.bytesRead.Add(uint64(n))
		if a.onPacket != nil {
			a.onPacket(buf[:n])
		}
	}
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case pkt, ok := <-a.outbound:
			if !ok {
				return
			}
			n, err := a.dev.Write(pkt)
			if err != nil {
				a.writeErrors.Add(1)
				a.fail(fmt.Errorf("tunif: write: %w", err))
				return
			}
			a.bytesWritten.Add(uint64(n))
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) fail(err error) {
	if a.onError != nil {
		a.onError(err)
	}
}

// Inject queues pkt for delivery to the kernel via the interface. It never
// blocks: if the outbound queue is full, the packet is dropped and counted.
func (a *Adapter) Inject(pkt []byte) error {
	a.closeMu.Lock()
	closed := a.closed
	a.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case a.outbound <- cp:
		return nil
	default:
		a.droppedFull.Add(1)
		return nil
	}
}

// Name reports the underlying device's OS-assigned name.
func (a *Adapter) Name() string { return a.dev.Name() }

// Close stops the writer goroutine and closes the underlying device,
// which in turn unblocks the reader goroutine's pending Read.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	close(a.done)
	return a.dev.Close()
}

// WritePrometheus writes adapter counters in Prometheus text format.
func (a *Adapter) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `peerbridge_tunif_bytes{direction="read"}`, a.bytesRead.Load())
	fmt.Fprintln(w, `peerbridge_tunif_bytes{direction="written"}`, a.bytesWritten.Load())
	fmt.Fprintln(w, `peerbridge_tunif_errors{direction="read"}`, a.readErrors.Load())
	fmt.Fprintln(w, `peerbridge_tunif_errors{direction="write"}`, a.writeErrors.Load())
	fmt.Fprintln(w, `peerbridge_tunif_dropped_full`, a.droppedFull.Load())
}
