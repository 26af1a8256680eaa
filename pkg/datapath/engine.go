package datapath

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/StefanGC1/peerbridge/pkg/addrutil"
	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
	"github.com/StefanGC1/peerbridge/pkg/statemgr"
)

// ErrAlreadyConnected is returned by StartConnection when any peer record is
// already connected.
var ErrAlreadyConnected = errors.New("datapath: already connected")

const (
	peerTimeout     = 20 * time.Second
	evictionGrace   = 2 * time.Second
	keepAlivePeriod = 4 * time.Second
	holePunchRounds = 5
	holePunchSpacing = 20 * time.Millisecond
	disconnectBursts = 3
	disconnectSpacing = 50 * time.Millisecond
	socketBufferSize = 4 << 20
)

// Config wires the engine to its collaborators.
type Config struct {
	Base netip.Prefix
	// Egress is invoked with the raw inner IP packet, once decrypted and
	// authenticated, for delivery to the virtual interface. Called from
	// the executor goroutine: it must not block or re-enter the engine.
	Egress func(pkt []byte)
}

// Engine is the UDP datapath: socket I/O, peer table, hole punching,
// keep-alive, and eviction, all serialised through a single executor
// goroutine.
type Engine struct {
	conn   *net.UDPConn
	events *statemgr.Manager
	cfg    Config

	commands chan func()
	done     chan struct{}
	closeOnce sync.Once
	wg       sync.WaitGroup

	listening atomic.Bool
	connActive atomic.Bool

	nextSeq atomic.Uint32

	table         *peerTable
	selfVirtualIP uint32
	identity      pbcrypto.Identity

	keepAliveStop chan struct{}

	pendingMu sync.Mutex
	pendingAcks map[uint32]time.Time

	metrics engineMetrics
}

type engineMetrics struct {
	rxPackets, rxBytes, rxDropped                          atomic.Uint64
	txPackets, txBytes, txErrors                            atomic.Uint64
	holePunchSent, heartbeatSent, ackSent, disconnectSent   atomic.Uint64
	authFailures, unknownPeer, messageTooLarge              atomic.Uint64
	peersEvicted                                            atomic.Uint64
}

// NewEngine constructs an engine bound to conn, which must already be the
// socket returned by STUN discovery. The engine takes ownership of conn.
func NewEngine(conn *net.UDPConn, events *statemgr.Manager, cfg Config) *Engine {
	return &Engine{
		conn:        conn,
		events:      events,
		cfg:         cfg,
		commands:    make(chan func(), 256),
		done:        make(chan struct{}),
		table:       newPeerTable(),
		pendingAcks: make(map[uint32]time.Time),
	}
}

// Serve configures the socket buffers and starts the executor and receive
// goroutines. It returns once both are running.
func (e *Engine) Serve() error {
	if err := e.conn.SetReadBuffer(socketBufferSize); err != nil {
		log.Warn().Err(err).Msg("datapath: failed to set read buffer size")
	}
	if err := e.conn.SetWriteBuffer(socketBufferSize); err != nil {
		log.Warn().Err(err).Msg("datapath: failed to set write buffer size")
	}
	if err := raiseSocketPriority(e.conn); err != nil {
		log.Debug().Err(err).Msg("datapath: failed to raise socket priority")
	}

	e.listening.Store(true)

	e.wg.Add(2)
	go e.runExecutor()
	go e.receiveLoop()

	log.Info().Str("local_addr", e.conn.LocalAddr().String()).Msg("datapath: listening")
	return nil
}

func (e *Engine) runExecutor() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.commands:
			fn()
		case <-e.done:
			// Drain remaining queued commands so pending request/response
			// channels are never left blocked.
			for {
				select {
				case fn := <-e.commands:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post enqueues fn to run on the executor goroutine, returning false if the
// engine has already been shut down.
func (e *Engine) post(fn func()) bool {
	select {
	case e.commands <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			log.Error().Err(err).Msg("datapath: receive error")
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		sender := from
		e.post(func() { e.handleInbound(sender, pkt) })
	}
}

// StartConnection begins a connection attempt with the given peer map,
// running the hole-punch burst and arming the keep-alive timer.
func (e *Engine) StartConnection(selfVirtualIP uint32, identity pbcrypto.Identity, peers map[uint32]addrutil.PeerDescriptor) error {
	errCh := make(chan error, 1)
	if !e.post(func() { errCh <- e.startConnectionLocked(selfVirtualIP, identity, peers) }) {
		return errors.New("datapath: engine shut down")
	}
	return <-errCh
}

func (e *Engine) startConnectionLocked(selfVirtualIP uint32, identity pbcrypto.Identity, peers map[uint32]addrutil.PeerDescriptor) error {
	for _, rec := range e.table.publicToRecord {
		if rec.connected {
			return ErrAlreadyConnected
		}
	}

	e.selfVirtualIP = selfVirtualIP
	e.identity = identity
	e.table.clear()

	for vip, desc := range peers {
		secret, err := identity.DeriveShared(desc.PublicKey)
		if err != nil {
			log.Warn().Str("peer", desc.PublicIP.String()).Err(err).Msg("datapath: key derivation failed, excluding peer")
			continue
		}
		publicIP := addrutil.IPv4ToUint32(desc.PublicIP)
		e.table.insert(vip, publicIP, desc.Port, secret)
	}

	e.connActive.Store(true)
	e.keepAliveStop = make(chan struct{})

	e.sendHolePunchBurst()
	e.startKeepAlive()

	return nil
}

func (e *Engine) sendHolePunchBurst() {
	go func() {
		for i := 0; i < holePunchRounds; i++ {
			e.post(func() {
				for _, rec := range e.table.publicToRecord {
					e.sendBareLocked(rec, HolePunch)
				}
			})
			time.Sleep(holePunchSpacing)
		}
	}()
}

func (e *Engine) startKeepAlive() {
	stop := e.keepAliveStop
	go func() {
		ticker := time.NewTicker(keepAlivePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.post(func() { e.keepAliveTickLocked() })
			case <-stop:
				return
			case <-e.done:
				return
			}
		}
	}()
}

func (e *Engine) keepAliveTickLocked() {
	for _, rec := range e.table.publicToRecord {
		e.sendBareLocked(rec, HolePunch)
	}
	e.checkAllConnectionsLocked()
}

func (e *Engine) checkAllConnectionsLocked() {
	if e.table.empty() {
		e.events.QueueEvent(statemgr.NetworkEvent{Kind: statemgr.AllPeersDisconnected})
		return
	}

	now := time.Now()
	for publicIP, rec := range e.table.publicToRecord {
		if !rec.connected || rec.evictionArmed {
			continue
		}
		if now.Sub(rec.lastActivity) > peerTimeout {
			rec.connected = false
			rec.evictionArmed = true
			log.Error().Str("peer", addrutil.Uint32ToIPv4(publicIP).String()).Msg("datapath: connection timeout")
			pub := publicIP
			time.AfterFunc(evictionGrace, func() {
				e.post(func() { e.evictIfStillDisconnectedLocked(pub) })
			})
		}
	}
}

func (e *Engine) evictIfStillDisconnectedLocked(publicIP uint32) {
	rec, ok := e.table.publicToRecord[publicIP]
	if !ok || rec.connected {
		return
	}
	if vip, ok := e.table.virtualIPFor(publicIP); ok && vip == e.selfVirtualIP {
		return
	}
	e.table.removeByPublicIP(publicIP)
	e.metrics.peersEvicted.Add(1)
	if e.table.empty() {
		e.events.QueueEvent(statemgr.NetworkEvent{Kind: statemgr.AllPeersDisconnected})
	}
}

// HandleOutbound classifies and sends an IP packet captured from the
// virtual interface. pkt is copied before it is queued, so the caller may
// reuse its buffer once HandleOutbound returns.
func (e *Engine) HandleOutbound(pkt []byte) {
	cp := append([]byte(nil), pkt...)
	e.post(func() { e.handleOutboundLocked(cp) })
}

func (e *Engine) handleOutboundLocked(pkt []byte) {
	if !e.connActive.Load() {
		return
	}
	if len(pkt) < 20 {
		return
	}
	dst := ipv4DestinationOf(pkt)

	if publicIP, ok := e.table.virtualToPublic[dst]; ok {
		rec := e.table.publicToRecord[publicIP]
		e.sendMessageLocked(rec, pkt)
		return
	}

	if addrutil.IsBroadcastOrMulticast(dst, e.cfg.Base) {
		for _, rec := range e.table.publicToRecord {
			e.sendMessageLocked(rec, pkt)
		}
		return
	}
	// Destination is neither a known peer nor broadcast/multicast: drop.
}

// ipv4DestinationOf extracts the destination address field (offset 16) of
// an IPv4 header.
func ipv4DestinationOf(pkt []byte) uint32 {
	return uint32(pkt[16])<<24 | uint32(pkt[17])<<16 | uint32(pkt[18])<<8 | uint32(pkt[19])
}

func (e *Engine) sendMessageLocked(rec *peerRecord, innerIP []byte) {
	seq := e.nextSeq.Add(1)
	datagram, err := frameMessage(rec.secret, seq, innerIP)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			e.metrics.messageTooLarge.Add(1)
			log.Warn().Msg("datapath: outbound message too large, dropping")
			return
		}
		log.Error().Err(err).Msg("datapath: failed to frame message")
		return
	}

	e.pendingMu.Lock()
	e.pendingAcks[seq] = time.Now()
	e.pendingMu.Unlock()

	if e.sendDatagram(rec, datagram) {
		e.pendingMu.Lock()
		delete(e.pendingAcks, seq)
		e.pendingMu.Unlock()
	}
}

func (e *Engine) sendBareLocked(rec *peerRecord, t PacketType) {
	seq := e.nextSeq.Add(1)
	datagram := bareHeaderPacket(t, seq)
	switch t {
	case HolePunch:
		e.metrics.holePunchSent.Add(1)
	case Heartbeat:
		e.metrics.heartbeatSent.Add(1)
	case Disconnect:
		e.metrics.disconnectSent.Add(1)
	}
	e.sendDatagram(rec, datagram)
}

// sendAckLocked echoes seq (the sequence of the MESSAGE being acknowledged)
// back to rec, per the wire format's ACK-echo contract.
func (e *Engine) sendAckLocked(rec *peerRecord, seq uint32) {
	e.metrics.ackSent.Add(1)
	e.sendDatagram(rec, bareHeaderPacket(Ack, seq))
}

// sendDatagram writes datagram to rec's public address. It returns true if
// the send completed (successfully or with a transient, retry-worthy
// error) and false if a hard error tore the peer down.
func (e *Engine) sendDatagram(rec *peerRecord, datagram []byte) bool {
	addr := netip.AddrPortFrom(addrutil.Uint32ToIPv4(rec.publicIP), uint16(rec.publicPort))
	n, err := e.conn.WriteToUDPAddrPort(datagram, addr)
	if err != nil {
		e.metrics.txErrors.Add(1)
		if isTransientSendError(err) {
			return true
		}
		log.Error().Err(err).Str("peer", addr.String()).Msg("datapath: send failed, disconnecting peer")
		e.handleDisconnectLocked(rec.publicIP, true)
		return false
	}
	e.metrics.txPackets.Add(1)
	e.metrics.txBytes.Add(uint64(n))
	return true
}

func isTransientSendError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (e *Engine) handleInbound(sender netip.AddrPort, pkt []byte) {
	e.metrics.rxPackets.Add(1)
	e.metrics.rxBytes.Add(uint64(len(pkt)))

	h, err := parseHeader(pkt)
	if err != nil {
		e.metrics.rxDropped.Add(1)
		log.Warn().Err(err).Str("from", sender.String()).Msg("datapath: dropping malformed packet")
		return
	}

	publicIP := addrutil.IPv4ToUint32(sender.Addr())
	rec, ok := e.table.publicToRecord[publicIP]
	if !ok {
		e.metrics.unknownPeer.Add(1)
		return
	}
	rec.lastActivity = time.Now()
	rec.evictionArmed = false

	if h.packetType == Disconnect {
		e.handleDisconnectLocked(publicIP, false)
		return
	}

	if !e.connActive.Load() {
		return
	}

	if !rec.connected {
		rec.connected = true
		e.events.QueueEvent(statemgr.NetworkEvent{Kind: statemgr.PeerConnected, Endpoint: sender.String()})
	}

	switch h.packetType {
	case HolePunch, Heartbeat:
		// Activity timestamp already refreshed above; nothing else to do.
	case Message:
		body := pkt[headerSize:]
		e.sendAckLocked(rec, h.seq)
		plaintext, err := openMessage(rec.secret, h, body)
		if err != nil {
			e.metrics.authFailures.Add(1)
			log.Warn().Str("from", sender.String()).Msg("datapath: message authentication failed")
			return
		}
		if len(plaintext) < 20 {
			return
		}
		dst := ipv4DestinationOf(plaintext)
		if dst == e.selfVirtualIP || addrutil.IsBroadcastOrMulticast(dst, e.cfg.Base) {
			if e.cfg.Egress != nil {
				e.cfg.Egress(plaintext)
			}
		}
	case Ack:
		e.pendingMu.Lock()
		delete(e.pendingAcks, h.seq)
		e.pendingMu.Unlock()
	default:
		e.metrics.rxDropped.Add(1)
	}
}

func (e *Engine) handleDisconnectLocked(publicIP uint32, causedByError bool) {
	if vip, ok := e.table.virtualIPFor(publicIP); ok && vip == e.selfVirtualIP {
		return
	}
	rec, ok := e.table.publicToRecord[publicIP]
	if !ok {
		return
	}

	if causedByError {
		go e.sendDisconnectBurst(rec.publicIP, rec.publicPort)
	}

	endpoint := fmt.Sprintf("%s:%d", addrutil.Uint32ToIPv4(publicIP), rec.publicPort)
	e.table.removeByPublicIP(publicIP)
	e.events.QueueEvent(statemgr.NetworkEvent{Kind: statemgr.PeerDisconnected, Endpoint: endpoint})

	if e.table.empty() {
		e.events.QueueEvent(statemgr.NetworkEvent{Kind: statemgr.AllPeersDisconnected})
	}
}

func (e *Engine) sendDisconnectBurst(publicIP uint32, port int) {
	addr := netip.AddrPortFrom(addrutil.Uint32ToIPv4(publicIP), uint16(port))
	for i := 0; i < disconnectBursts; i++ {
		seq := e.nextSeq.Add(1)
		datagram := bareHeaderPacket(Disconnect, seq)
		if _, err := e.conn.WriteToUDPAddrPort(datagram, addr); err != nil {
			return
		}
		e.metrics.disconnectSent.Add(1)
		time.Sleep(disconnectSpacing)
	}
}

// StopConnection sends DISCONNECT to every still-connected peer, clears the
// table, cancels the keep-alive timer, and sets state IDLE.
func (e *Engine) StopConnection() {
	done := make(chan struct{})
	if !e.post(func() { e.stopConnectionLocked(); close(done) }) {
		return
	}
	<-done
}

func (e *Engine) stopConnectionLocked() {
	for publicIP, rec := range e.table.publicToRecord {
		if rec.connected {
			go e.sendDisconnectBurst(publicIP, rec.publicPort)
		}
	}
	e.table.clear()
	if e.keepAliveStop != nil {
		close(e.keepAliveStop)
		e.keepAliveStop = nil
	}
	e.connActive.Store(false)
	e.events.SetState(statemgr.IDLE)
}

// Shutdown stops the keep-alive timer and receive loop, and closes the
// socket. Idempotent.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		done := make(chan struct{})
		e.post(func() {
			if e.connActive.Load() {
				e.stopConnectionLocked()
			}
			close(done)
		})
		select {
		case <-done:
		case <-time.After(time.Second):
		}

		close(e.done)
		e.conn.Close()
		e.wg.Wait()
	})
}

// WritePrometheus writes engine counters in Prometheus text format.
func (e *Engine) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `peerbridge_datapath_rx_packets`, e.metrics.rxPackets.Load())
	fmt.Fprintln(w, `peerbridge_datapath_rx_bytes`, e.metrics.rxBytes.Load())
	fmt.Fprintln(w, `peerbridge_datapath_rx_dropped`, e.metrics.rxDropped.Load())
	fmt.Fprintln(w, `peerbridge_datapath_tx_packets`, e.metrics.txPackets.Load())
	fmt.Fprintln(w, `peerbridge_datapath_tx_bytes`, e.metrics.txBytes.Load())
	fmt.Fprintln(w, `peerbridge_datapath_tx_errors`, e.metrics.txErrors.Load())
	fmt.Fprintln(w, `peerbridge_datapath_sent{type="hole_punch"}`, e.metrics.holePunchSent.Load())
	fmt.Fprintln(w, `peerbridge_datapath_sent{type="heartbeat"}`, e.metrics.heartbeatSent.Load())
	fmt.Fprintln(w, `peerbridge_datapath_sent{type="ack"}`, e.metrics.ackSent.Load())
	fmt.Fprintln(w, `peerbridge_datapath_sent{type="disconnect"}`, e.metrics.disconnectSent.Load())
	fmt.Fprintln(w, `peerbridge_datapath_auth_failures`, e.metrics.authFailures.Load())
	fmt.Fprintln(w, `peerbridge_datapath_unknown_peer`, e.metrics.unknownPeer.Load())
	fmt.Fprintln(w, `peerbridge_datapath_message_too_large`, e.metrics.messageTooLarge.Load())
	fmt.Fprintln(w, `peerbridge_datapath_peers_evicted`, e.metrics.peersEvicted.Load())
}
