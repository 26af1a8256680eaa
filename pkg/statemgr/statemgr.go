// Package statemgr implements the process-wide connection state machine and
// the multi-producer/single-consumer event queue that drives it.
package statemgr

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// State is one of the four lifecycle states the daemon can occupy.
type State uint32

const (
	IDLE State = iota
	CONNECTING
	CONNECTED
	SHUTTING_DOWN
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	case SHUTTING_DOWN:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// EventKind tags the payload carried by a NetworkEvent.
type EventKind int

const (
	InitializeConnection EventKind = iota
	DisconnectAllRequested
	PeerConnected
	PeerDisconnected
	AllPeersDisconnected
	ShutdownRequested
)

// NetworkEvent is a single state-machine input. PeerMap is populated only
// for InitializeConnection; Endpoint is populated only for PeerConnected
// and PeerDisconnected.
type NetworkEvent struct {
	Kind     EventKind
	PeerMap  map[uint32]PeerDescriptor
	Endpoint string
}

// PeerDescriptor mirrors the fields the monitor needs out of a parsed peer
// list entry, without importing pkg/addrutil's netip-flavored type.
type PeerDescriptor struct {
	PublicIP  string
	Port      int
	PublicKey [32]byte
}

// validTransitions enumerates the legal (from, event) -> to edges. Any pair
// absent from this table leaves the state unchanged.
var validTransitions = map[State]map[EventKind]State{
	IDLE: {
		InitializeConnection: CONNECTING,
	},
	CONNECTING: {
		PeerConnected:          CONNECTED,
		AllPeersDisconnected:   IDLE,
		DisconnectAllRequested: IDLE,
	},
	CONNECTED: {
		AllPeersDisconnected:   IDLE,
		DisconnectAllRequested: IDLE,
	},
}

// Manager owns the atomic state word and a FIFO event queue. All methods are
// safe for concurrent use.
type Manager struct {
	state atomic.Uint32

	mu     sync.Mutex
	events []NetworkEvent
}

// New creates a Manager starting in IDLE.
func New() *Manager {
	return &Manager{}
}

// State reads the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SetState attempts an explicit transition, used by the monitor loop once it
// has decided on the target state for an event it is handling (SHUTDOWN_REQUESTED
// and the PeerConnected/AllPeersDisconnected/DisconnectAllRequested edges all
// go through here). Invalid transitions are silently ignored and the current
// state is preserved, matching the source state machine's fail-safe behavior.
func (m *Manager) SetState(to State) {
	from := m.State()

	if to == SHUTTING_DOWN {
		if from == SHUTTING_DOWN {
			return
		}
		m.state.Store(uint32(to))
		log.Info().Stringer("from", from).Stringer("to", to).Msg("state transition")
		return
	}

	edges, ok := validTransitions[from]
	if !ok {
		log.Debug().Stringer("from", from).Stringer("to", to).Msg("rejected invalid state transition")
		return
	}
	allowed := false
	for _, dest := range edges {
		if dest == to {
			allowed = true
			break
		}
	}
	if !allowed {
		log.Debug().Stringer("from", from).Stringer("to", to).Msg("rejected invalid state transition")
		return
	}

	m.state.Store(uint32(to))
	log.Info().Stringer("from", from).Stringer("to", to).Msg("state transition")
}

// NextState looks up where (from, kind) leads without mutating state, or
// reports ok=false if the edge does not exist in the transition table.
func NextState(from State, kind EventKind) (to State, ok bool) {
	edges, exists := validTransitions[from]
	if !exists {
		return from, false
	}
	to, ok = edges[kind]
	return to, ok
}

// QueueEvent appends ev to the FIFO queue. Safe to call from any goroutine,
// including socket receive loops and timer callbacks.
func (m *Manager) QueueEvent(ev NetworkEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// NextEvent pops at most one event from the queue. It never blocks: if the
// queue is empty, ok is false.
func (m *Manager) NextEvent() (ev NetworkEvent, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return NetworkEvent{}, false
	}
	ev, m.events = m.events[0], m.events[1:]
	return ev, true
}
