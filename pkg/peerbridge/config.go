// Package peerbridge wires the core components (C1-C8) into a runnable
// daemon: configuration, logging, the RPC control surface, and the
// supervisor's lifecycle.
package peerbridge

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the peerbridge daemon. The env
// struct tag contains the environment variable name and the default value
// if missing, mirroring the teacher's own PB_/ATLAS_ reflection-based
// config convention.
type Config struct {
	// Base is the overlay's /24 address space. Virtual IPs are assigned
	// within it starting at octet 1.
	Base netip.Prefix `env:"PB_BASE=10.0.0.0/24"`

	// IfaceAlias names the virtual interface requested from the OS.
	IfaceAlias string `env:"PB_IFACE_ALIAS=PeerBridge"`

	// TunnelType identifies the OS-specific tunnel backend to request. It
	// is parsed and stored, but no code in this module reads it: Linux
	// always opens a kernel TUN device and other platforms have no backend.
	TunnelType string `env:"PB_TUNNEL_TYPE=WINTUN"`

	// StunServer is the reflector used for the one-shot binding exchange.
	StunServer netip.AddrPort `env:"PB_STUN_SERVER=173.194.202.127:19302"`

	// LocalPort is the UDP port the STUN socket (later the datapath
	// socket) binds to. 0 means OS-chosen.
	LocalPort int `env:"PB_LOCAL_PORT=0"`

	// RPCAddr is the address the control-surface HTTP server listens on.
	RPCAddr string `env:"PB_RPC_ADDR=0.0.0.0:50051"`

	// LogLevel is the minimum log level (trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"PB_LOG_LEVEL=info"`

	// LogPretty switches the stdout writer to zerolog's ConsoleWriter.
	LogPretty bool `env:"PB_LOG_PRETTY=false"`
}

// StunServerHost returns the reflector as "host:port" text rather than an
// AddrPort.
func (c Config) StunServerHost() string {
	return c.StunServer.String()
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment entries into
// c, applying the default from each field's env tag for anything absent.
// Mirrors the teacher's atlas.Config.UnmarshalEnv, scoped to the field
// types this daemon actually needs.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "PB_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, def, _ := strings.Cut(env, "=")
		val := def
		if v, exists := em[key]; exists {
			val = v
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.Prefix:
			if v, err := netip.ParsePrefix(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
