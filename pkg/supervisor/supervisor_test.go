package supervisor

import (
	"net"
	"net/netip"
	"testing"

	"github.com/StefanGC1/peerbridge/pkg/datapath"
	"github.com/StefanGC1/peerbridge/pkg/netconfig"
	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
	"github.com/StefanGC1/peerbridge/pkg/statemgr"
	"github.com/StefanGC1/peerbridge/pkg/tunif"
	"github.com/StefanGC1/peerbridge/pkg/tunif/tunmock"
)

// newTestSupervisor wires a Supervisor directly, bypassing Initialize's STUN
// round trip, so the monitor's dispatch logic can be exercised against a
// real (loopback) datapath engine and a mock interface/netconfig pair.
func newTestSupervisor(t *testing.T) (*Supervisor, *netconfig.Mock) {
	t.Helper()

	base := netip.MustParsePrefix("10.0.0.0/24")
	mockCfg := netconfig.NewMock()

	s := &Supervisor{
		cfg:         Config{Base: base, IfaceAlias: "pbtest0"},
		events:      statemgr.New(),
		netcfg:      mockCfg,
		monitorDone: make(chan struct{}),
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	dev := tunmock.New("pbtest0")
	s.engine = datapath.NewEngine(conn, s.events, datapath.Config{
		Base:   base,
		Egress: func(pkt []byte) { s.tunnel.Inject(pkt) },
	})
	s.tunnel = tunif.NewAdapter(dev, tunif.Config{
		OnPacket: func(pkt []byte) { s.engine.HandleOutbound(pkt) },
	})
	if err := s.engine.Serve(); err != nil {
		t.Fatalf("engine.Serve: %v", err)
	}

	id, err := pbcrypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	s.identity = id

	t.Cleanup(func() {
		s.engine.Shutdown()
		s.tunnel.Close()
	})

	return s, mockCfg
}

func TestMonitorInitializeConnectionInIdle(t *testing.T) {
	s, mockCfg := newTestSupervisor(t)

	peerMap := map[uint32]statemgr.PeerDescriptor{
		0x0A000002: {PublicIP: "127.0.0.1", Port: 19999},
	}
	s.dispatch(statemgr.NetworkEvent{Kind: statemgr.InitializeConnection, PeerMap: peerMap})

	if got := s.events.State(); got != statemgr.CONNECTING {
		t.Fatalf("state = %v, want CONNECTING", got)
	}
	if s.lastSelfVIP != netipU32(t, "10.0.0.1") {
		t.Fatalf("lastSelfVIP = %s, want 10.0.0.1", fmtU32(s.lastSelfVIP))
	}

	s.dispatch(statemgr.NetworkEvent{Kind: statemgr.PeerConnected, Endpoint: "127.0.0.1:19999"})

	if got := s.events.State(); got != statemgr.CONNECTED {
		t.Fatalf("state = %v, want CONNECTED", got)
	}
	if len(mockCfg.Assigned) != 1 {
		t.Fatalf("expected AssignAddress to be called once, got %d", len(mockCfg.Assigned))
	}
	if len(mockCfg.Allowed) != 1 {
		t.Fatalf("expected AllowOverlayRange to be called once, got %d", len(mockCfg.Allowed))
	}
}

func TestPeerConnectedIgnoredOutsideConnecting(t *testing.T) {
	s, mockCfg := newTestSupervisor(t)

	// State starts at IDLE; PEER_CONNECTED should be a no-op besides
	// logging, since the transition table has no IDLE+PEER_CONNECTED edge.
	s.dispatch(statemgr.NetworkEvent{Kind: statemgr.PeerConnected, Endpoint: "x"})

	if got := s.events.State(); got != statemgr.IDLE {
		t.Fatalf("state = %v, want IDLE", got)
	}
	if len(mockCfg.Assigned) != 0 {
		t.Fatal("expected no interface configuration outside CONNECTING")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Shutdown()
	s.Shutdown()
	if got := s.events.State(); got != statemgr.SHUTTING_DOWN {
		t.Fatalf("state = %v, want SHUTTING_DOWN", got)
	}
}

func netipU32(t *testing.T, s string) uint32 {
	t.Helper()
	addr := netip.MustParseAddr(s)
	a4 := addr.As4()
	return uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
}

func fmtU32(v uint32) string {
	addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	return addr.String()
}
