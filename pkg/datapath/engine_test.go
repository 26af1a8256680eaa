package datapath

import (
	"net/netip"
	"testing"
	"time"

	"github.com/StefanGC1/peerbridge/pkg/addrutil"
	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
	"github.com/StefanGC1/peerbridge/pkg/statemgr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	events := statemgr.New()
	// The engine never actually needs to send on this socket in the tests
	// below; it only needs a valid *net.UDPConn to construct.
	conn := newLoopbackConn(t)
	return NewEngine(conn, events, Config{Base: netip.MustParsePrefix("10.0.0.0/24")})
}

func TestCheckAllConnectionsEvictsTimedOutPeer(t *testing.T) {
	e := newTestEngine(t)
	defer e.conn.Close()

	pub := addrutil.IPv4ToUint32(netip.MustParseAddr("1.2.3.4"))
	e.table.insert(0x0A000001, pub, 5000, pbcrypto.SharedSecret{})
	rec := e.table.publicToRecord[pub]
	rec.connected = true
	rec.lastActivity = time.Now().Add(-21 * time.Second)

	e.checkAllConnectionsLocked()

	if rec.connected {
		t.Fatal("expected peer to be marked disconnected after timeout")
	}
	if !rec.evictionArmed {
		t.Fatal("expected eviction to be armed")
	}

	// Simulate the 2s grace elapsing without recovery.
	e.evictIfStillDisconnectedLocked(pub)

	if _, ok := e.table.publicToRecord[pub]; ok {
		t.Fatal("expected peer record to be removed")
	}
	if _, ok := e.table.virtualToPublic[0x0A000001]; ok {
		t.Fatal("expected virtual IP mapping to be removed")
	}

	ev, ok := e.events.NextEvent()
	if !ok || ev.Kind != statemgr.AllPeersDisconnected {
		t.Fatalf("expected ALL_PEERS_DISCONNECTED event, got %+v ok=%v", ev, ok)
	}
	if _, ok := e.events.NextEvent(); ok {
		t.Fatal("expected ALL_PEERS_DISCONNECTED to be enqueued exactly once")
	}
}

func TestEvictionDoesNotRemoveReconnectedPeer(t *testing.T) {
	e := newTestEngine(t)
	defer e.conn.Close()

	pub := addrutil.IPv4ToUint32(netip.MustParseAddr("1.2.3.4"))
	e.table.insert(0x0A000001, pub, 5000, pbcrypto.SharedSecret{})
	rec := e.table.publicToRecord[pub]
	rec.connected = false // already reconnected? no: simulate recovery before grace fires
	rec.connected = true

	e.evictIfStillDisconnectedLocked(pub)

	if _, ok := e.table.publicToRecord[pub]; !ok {
		t.Fatal("expected reconnected peer to survive eviction check")
	}
}

func TestStartConnectionRejectsWhenAlreadyConnected(t *testing.T) {
	e := newTestEngine(t)
	defer e.conn.Close()

	pub := addrutil.IPv4ToUint32(netip.MustParseAddr("1.2.3.4"))
	e.table.insert(0x0A000001, pub, 5000, pbcrypto.SharedSecret{})
	e.table.publicToRecord[pub].connected = true

	id, _ := pbcrypto.GenerateIdentity()
	if err := e.startConnectionLocked(0x0A000002, id, nil); err != ErrAlreadyConnected {
		t.Fatalf("got %v, want ErrAlreadyConnected", err)
	}
}

func TestHandleOutboundUnicastSendFailureDisconnectsPeer(t *testing.T) {
	e := newTestEngine(t)
	defer e.conn.Close()

	id, _ := pbcrypto.GenerateIdentity()
	peerID, _ := pbcrypto.GenerateIdentity()
	secret, _ := id.DeriveShared(peerID.PublicKey)

	pub := addrutil.IPv4ToUint32(netip.MustParseAddr("1.2.3.4"))
	e.table.insert(0x0A000002, pub, 5000, secret)
	e.connActive.Store(true)
	e.selfVirtualIP = 0x0A000001

	var sent int
	e.conn.Close() // force sendDatagram to error so we don't need a live peer
	// After closing the socket, sendMessageLocked's WriteToUDPAddrPort will
	// fail; handleDisconnectLocked will fire. We only assert classification
	// reached sendMessageLocked at all by checking the table was touched.
	_ = sent

	pkt := make([]byte, 24)
	pkt[16], pkt[17], pkt[18], pkt[19] = 10, 0, 0, 2 // unicast to the known peer
	e.handleOutboundLocked(pkt)

	// The peer should have been dropped as part of the failed-send
	// disconnect path, proving the unicast branch was taken.
	if _, ok := e.table.publicToRecord[pub]; ok {
		t.Fatal("expected unicast send failure to trigger peer disconnect")
	}
}
