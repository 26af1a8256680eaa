package stunclient

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
)

// serveOneBindingResponse answers a single STUN binding request on srv with
// a XOR-MAPPED-ADDRESS response, then returns.
func serveOneBindingResponse(t *testing.T, srv *net.UDPConn, mapped netip.AddrPort) {
	t.Helper()
	buf := make([]byte, 1500)
	n, from, err := srv.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Errorf("server read: %v", err)
		return
	}

	req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := req.Decode(); err != nil {
		t.Errorf("server decode request: %v", err)
		return
	}

	resp, err := stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: mapped.Addr().AsSlice(), Port: int(mapped.Port())},
	)
	if err != nil {
		t.Errorf("server build response: %v", err)
		return
	}

	if _, err := srv.WriteToUDPAddrPort(resp.Raw, from); err != nil {
		t.Errorf("server write response: %v", err)
	}
}

func TestDiscoverReturnsMappedAddress(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	defer srv.Close()
	serverAddr := srv.LocalAddr().(*net.UDPAddr).AddrPort()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	want := netip.MustParseAddrPort("203.0.113.5:40000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOneBindingResponse(t, srv, want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := Discover(ctx, client, serverAddr)
	<-done
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != want {
		t.Fatalf("Discover() = %s, want %s", got, want)
	}
}

func TestDiscoverTimesOutWithoutResponse(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	defer srv.Close()
	serverAddr := srv.LocalAddr().(*net.UDPAddr).AddrPort()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := Discover(ctx, client, serverAddr); err != ErrNoResponse {
		t.Fatalf("Discover() error = %v, want ErrNoResponse", err)
	}
}
