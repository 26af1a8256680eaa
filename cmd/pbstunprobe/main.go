// Command pbstunprobe exercises pkg/stunclient standalone, for operational
// diagnostics outside of running the full daemon.
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/StefanGC1/peerbridge/pkg/stunclient"
)

var opt struct {
	Server  string
	Listen  string
	Timeout time.Duration
	Help    bool
}

func init() {
	pflag.StringVarP(&opt.Server, "server", "s", "173.194.202.127:19302", "STUN server address")
	pflag.StringVarP(&opt.Listen, "listen", "l", "0.0.0.0:0", "UDP listen address")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", stunclient.DefaultTimeout, "Binding exchange timeout")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(2)
	}

	server, err := netip.ParseAddrPort(opt.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid server address: %v\n", err)
		os.Exit(2)
	}

	laddr, err := net.ResolveUDPAddr("udp4", opt.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid listen address: %v\n", err)
		os.Exit(2)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opt.Timeout)
	defer cancel()

	addr, err := stunclient.Discover(ctx, conn, server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reflexive address: %s\n", addr)
}
