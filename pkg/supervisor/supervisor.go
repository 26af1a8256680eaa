// Package supervisor drives the process lifecycle: STUN discovery,
// interface and datapath bring-up, and the monitor loop that dispatches
// state-manager events into the datapath and virtual interface.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/StefanGC1/peerbridge/pkg/addrutil"
	"github.com/StefanGC1/peerbridge/pkg/datapath"
	"github.com/StefanGC1/peerbridge/pkg/netconfig"
	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
	"github.com/StefanGC1/peerbridge/pkg/statemgr"
	"github.com/StefanGC1/peerbridge/pkg/stunclient"
	"github.com/StefanGC1/peerbridge/pkg/tunif"
)

// ErrDiscoveryFailed is returned by Initialize when STUN discovery fails.
var ErrDiscoveryFailed = errors.New("supervisor: STUN discovery failed")

// monitorPeriod is the dispatch loop's tick interval.
const monitorPeriod = 250 * time.Millisecond

// overlayPrefixLen is the fixed prefix length of the configured base /24.
const overlayPrefixLen = 24

// Config controls how Initialize brings the process up.
type Config struct {
	StunServer netip.AddrPort
	Base       netip.Prefix
	IfaceAlias string
}

// Supervisor owns the components constructed during bring-up and the
// monitor goroutine that sequences state transitions.
type Supervisor struct {
	cfg Config

	events *statemgr.Manager
	engine *datapath.Engine
	tunnel *tunif.Adapter
	netcfg netconfig.Configurator

	identity      pbcrypto.Identity
	reflexiveAddr netip.AddrPort

	lastSelfVIP  uint32
	lastPeerVIPs map[uint32]struct{}

	monitorDone chan struct{}
}

// New creates a supervisor. OpenTUN and the netconfig implementation are
// injected so tests can substitute mocks.
func New(cfg Config, netcfg netconfig.Configurator) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		events:      statemgr.New(),
		netcfg:      netcfg,
		monitorDone: make(chan struct{}),
	}
}

// Events exposes the state manager so the RPC surface can post control-plane
// events into it.
func (s *Supervisor) Events() *statemgr.Manager { return s.events }

// ReflexiveAddr reports the address discovered during Initialize.
func (s *Supervisor) ReflexiveAddr() netip.AddrPort { return s.reflexiveAddr }

// Identity reports the process's ephemeral keypair.
func (s *Supervisor) Identity() pbcrypto.Identity { return s.identity }

// WritePrometheus writes the datapath's and virtual interface's counters in
// Prometheus text format, for the RPC surface's /metrics endpoint.
func (s *Supervisor) WritePrometheus(w io.Writer) {
	if s.engine != nil {
		s.engine.WritePrometheus(w)
	}
	if s.tunnel != nil {
		s.tunnel.WritePrometheus(w)
	}
}

// openTUN abstracts interface creation so platforms without a real TUN
// backend (or tests) can substitute their own.
type openTUNFunc func(alias string) (tunif.Device, error)

// Initialize runs the bring-up sequence exactly once: STUN discovery,
// virtual interface creation, datapath construction and listening, identity
// generation, and monitor startup.
func (s *Supervisor) Initialize(ctx context.Context, localPort int, open openTUNFunc) error {
	s.events.SetState(statemgr.IDLE)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	addr, err := stunclient.Discover(ctx, conn, s.cfg.StunServer)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	s.reflexiveAddr = addr
	log.Info().Str("reflexive_addr", addr.String()).Msg("supervisor: STUN discovery complete")

	dev, err := open(s.cfg.IfaceAlias)
	if err != nil {
		conn.Close()
		return fmt.Errorf("supervisor: interface init failed: %w", err)
	}
	s.tunnel = tunif.NewAdapter(dev, tunif.Config{
		OnPacket: func(pkt []byte) { s.engine.HandleOutbound(pkt) },
	})

	s.engine = datapath.NewEngine(conn, s.events, datapath.Config{
		Base:   s.cfg.Base,
		Egress: func(pkt []byte) { s.tunnel.Inject(pkt) },
	})
	if err := s.engine.Serve(); err != nil {
		return fmt.Errorf("supervisor: datapath listen failed: %w", err)
	}

	id, err := pbcrypto.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("supervisor: identity generation failed: %w", err)
	}
	s.identity = id

	go s.monitor()
	return nil
}

// monitor drains the event queue on a fixed tick and dispatches per the
// state-transition table.
func (s *Supervisor) monitor() {
	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainOnce()
		case <-s.monitorDone:
			return
		}
	}
}

func (s *Supervisor) drainOnce() {
	for {
		ev, ok := s.events.NextEvent()
		if !ok {
			return
		}
		s.dispatch(ev)
	}
}

func (s *Supervisor) dispatch(ev statemgr.NetworkEvent) {
	state := s.events.State()

	switch ev.Kind {
	case statemgr.InitializeConnection:
		if state != statemgr.IDLE {
			return
		}
		s.events.SetState(statemgr.CONNECTING)

		selfVIP := selfVirtualIPFrom(s.cfg.Base, ev.PeerMap)
		peers := toAddrutilPeers(ev.PeerMap)

		s.lastSelfVIP = selfVIP
		s.lastPeerVIPs = make(map[uint32]struct{}, len(peers))
		for vip := range peers {
			s.lastPeerVIPs[vip] = struct{}{}
		}

		if err := s.engine.StartConnection(selfVIP, s.identity, peers); err != nil {
			log.Error().Err(err).Msg("supervisor: start_connection failed")
		}

	case statemgr.PeerConnected:
		if state != statemgr.CONNECTING {
			log.Info().Str("endpoint", ev.Endpoint).Msg("supervisor: peer connected")
			return
		}
		if err := s.startNetworkInterface(); err != nil {
			log.Error().Err(err).Msg("supervisor: interface configuration failed")
			return
		}
		s.events.SetState(statemgr.CONNECTED)

	case statemgr.AllPeersDisconnected:
		// Reachable from CONNECTED (every peer dropped) as well as
		// CONNECTING (start_connection ended with an empty table, e.g.
		// every key derivation failed): both cases must fall back to
		// IDLE so a subsequent StartConnection isn't wedged out.
		if state != statemgr.CONNECTED && state != statemgr.CONNECTING {
			return
		}
		s.engine.StopConnection()
		s.resetInterface()

	case statemgr.DisconnectAllRequested:
		s.engine.StopConnection()
		s.resetInterface()

	case statemgr.PeerDisconnected:
		log.Info().Str("endpoint", ev.Endpoint).Msg("supervisor: peer disconnected")

	case statemgr.ShutdownRequested:
		if state == statemgr.SHUTTING_DOWN {
			return
		}
		s.Shutdown()
	}
}

// startNetworkInterface refuses unless the state is CONNECTING. It does not
// check whether the datapath is listening.
func (s *Supervisor) startNetworkInterface() error {
	if s.events.State() != statemgr.CONNECTING {
		return errors.New("supervisor: interface start refused outside CONNECTING")
	}

	selfVIP := addrutil.Uint32ToIPv4(s.currentSelfVIP())
	if err := s.netcfg.AssignAddress(s.tunnel.Name(), selfVIP, overlayPrefixLen); err != nil {
		return err
	}
	for vip := range s.currentPeerVIPs() {
		if err := s.netcfg.AddPeerRoute(s.tunnel.Name(), addrutil.Uint32ToIPv4(vip)); err != nil {
			log.Warn().Err(err).Msg("supervisor: failed to add peer route")
		}
	}
	if err := s.netcfg.AllowOverlayRange(s.tunnel.Name(), s.cfg.Base); err != nil {
		log.Warn().Err(err).Msg("supervisor: failed to install firewall rule")
	}

	s.tunnel.Start()
	return nil
}

func (s *Supervisor) resetInterface() {
	if s.tunnel == nil {
		return
	}
	if err := s.netcfg.Teardown(s.tunnel.Name(), s.cfg.Base); err != nil {
		log.Warn().Err(err).Msg("supervisor: interface teardown encountered an error")
	}
}

// Shutdown tears down any live connection, transitions to SHUTTING_DOWN,
// and stops the datapath and monitor loop. Idempotent.
func (s *Supervisor) Shutdown() {
	if s.events.State() == statemgr.SHUTTING_DOWN {
		return
	}
	if s.engine != nil {
		s.engine.StopConnection()
	}
	s.events.SetState(statemgr.SHUTTING_DOWN)

	if s.engine != nil {
		s.engine.Shutdown()
	}
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	s.identity.Zero()
	close(s.monitorDone)
}

// selfVirtualIPFrom returns the lowest address in base (from octet 1) that no
// peer in peerMap occupies. The peer-list parser assigns octets contiguously
// from 1 and "self" consumes one of them, so that free octet is the self
// address the parser chose; with self first in the list it is base+1.
func selfVirtualIPFrom(base netip.Prefix, peerMap map[uint32]statemgr.PeerDescriptor) uint32 {
	baseU32 := addrutil.IPv4ToUint32(base.Addr()) &^ 0xFF
	used := make(map[uint32]bool, len(peerMap))
	for vip := range peerMap {
		used[vip] = true
	}
	for octet := 1; octet < 255; octet++ {
		candidate := baseU32 | uint32(octet)
		if !used[candidate] {
			return candidate
		}
	}
	return baseU32 | 1
}

func toAddrutilPeers(peerMap map[uint32]statemgr.PeerDescriptor) map[uint32]addrutil.PeerDescriptor {
	out := make(map[uint32]addrutil.PeerDescriptor, len(peerMap))
	for vip, d := range peerMap {
		addr, err := netip.ParseAddr(d.PublicIP)
		if err != nil {
			continue
		}
		out[vip] = addrutil.PeerDescriptor{PublicIP: addr, Port: d.Port, PublicKey: d.PublicKey}
	}
	return out
}

func (s *Supervisor) currentSelfVIP() uint32 {
	// Tracked implicitly by the datapath engine; exposed here for interface
	// configuration immediately after PEER_CONNECTED.
	return s.lastSelfVIP
}

func (s *Supervisor) currentPeerVIPs() map[uint32]struct{} {
	return s.lastPeerVIPs
}
