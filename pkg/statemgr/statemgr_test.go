package statemgr

import "testing"

func TestInitialStateIsIdle(t *testing.T) {
	m := New()
	if got := m.State(); got != IDLE {
		t.Fatalf("initial state = %v, want IDLE", got)
	}
}

func TestInvalidTransitionPreservesState(t *testing.T) {
	m := New()
	m.SetState(CONNECTING)
	m.SetState(CONNECTED)
	m.SetState(CONNECTING) // CONNECTED -> CONNECTING is not a valid edge

	if got := m.State(); got != CONNECTED {
		t.Fatalf("state = %v, want CONNECTED (invalid transition must be ignored)", got)
	}
}

func TestShutdownIsReachableFromAnyState(t *testing.T) {
	for _, from := range []State{IDLE, CONNECTING, CONNECTED} {
		m := New()
		switch from {
		case CONNECTING:
			m.SetState(CONNECTING)
		case CONNECTED:
			m.SetState(CONNECTING)
			m.SetState(CONNECTED)
		}
		m.SetState(SHUTTING_DOWN)
		if got := m.State(); got != SHUTTING_DOWN {
			t.Fatalf("from %v: state = %v, want SHUTTING_DOWN", from, got)
		}
	}
}

func TestShutdownIsTerminal(t *testing.T) {
	m := New()
	m.SetState(SHUTTING_DOWN)
	m.SetState(CONNECTING)
	if got := m.State(); got != SHUTTING_DOWN {
		t.Fatalf("state = %v, want SHUTTING_DOWN to remain terminal", got)
	}
}

func TestEventQueueIsFIFOAndNonBlocking(t *testing.T) {
	m := New()
	if _, ok := m.NextEvent(); ok {
		t.Fatal("expected empty queue to report ok=false")
	}

	m.QueueEvent(NetworkEvent{Kind: PeerConnected, Endpoint: "a"})
	m.QueueEvent(NetworkEvent{Kind: PeerConnected, Endpoint: "b"})

	first, ok := m.NextEvent()
	if !ok || first.Endpoint != "a" {
		t.Fatalf("first event = %+v, ok=%v, want endpoint a", first, ok)
	}
	second, ok := m.NextEvent()
	if !ok || second.Endpoint != "b" {
		t.Fatalf("second event = %+v, ok=%v, want endpoint b", second, ok)
	}
	if _, ok := m.NextEvent(); ok {
		t.Fatal("expected queue to be drained")
	}
}

func TestNextStateLookup(t *testing.T) {
	to, ok := NextState(IDLE, InitializeConnection)
	if !ok || to != CONNECTING {
		t.Fatalf("NextState(IDLE, InitializeConnection) = (%v, %v), want (CONNECTING, true)", to, ok)
	}
	if _, ok := NextState(IDLE, PeerConnected); ok {
		t.Fatal("NextState(IDLE, PeerConnected) should not exist")
	}
}
