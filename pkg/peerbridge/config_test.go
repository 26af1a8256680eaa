package peerbridge

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}

	if want := netip.MustParsePrefix("10.0.0.0/24"); c.Base != want {
		t.Errorf("Base = %v, want %v", c.Base, want)
	}
	if c.IfaceAlias != "PeerBridge" {
		t.Errorf("IfaceAlias = %q, want PeerBridge", c.IfaceAlias)
	}
	if c.LocalPort != 0 {
		t.Errorf("LocalPort = %d, want 0", c.LocalPort)
	}
	if c.LogLevel != zerolog.InfoLevel {
		t.Errorf("LogLevel = %v, want info", c.LogLevel)
	}
	if c.LogPretty {
		t.Errorf("LogPretty = true, want false")
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	env := []string{
		"PB_BASE=172.16.5.0/24",
		"PB_IFACE_ALIAS=tun-test",
		"PB_LOCAL_PORT=51820",
		"PB_LOG_LEVEL=debug",
		"PB_LOG_PRETTY=true",
		"PB_RPC_ADDR=127.0.0.1:9000",
	}
	if err := c.UnmarshalEnv(env); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}

	if want := netip.MustParsePrefix("172.16.5.0/24"); c.Base != want {
		t.Errorf("Base = %v, want %v", c.Base, want)
	}
	if c.IfaceAlias != "tun-test" {
		t.Errorf("IfaceAlias = %q, want tun-test", c.IfaceAlias)
	}
	if c.LocalPort != 51820 {
		t.Errorf("LocalPort = %d, want 51820", c.LocalPort)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	if !c.LogPretty {
		t.Errorf("LogPretty = false, want true")
	}
	if c.RPCAddr != "127.0.0.1:9000" {
		t.Errorf("RPCAddr = %q, want 127.0.0.1:9000", c.RPCAddr)
	}
}

func TestUnmarshalEnvRejectsUnknownKey(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"PB_NOT_A_REAL_KEY=1"})
	if err == nil {
		t.Fatal("expected an error for an unknown PB_ key")
	}
}

func TestUnmarshalEnvIgnoresOtherPrefixes(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PATH=/usr/bin", "HOME=/root"}); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
}
