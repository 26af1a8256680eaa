package peerbridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/StefanGC1/peerbridge/pkg/addrutil"
	"github.com/StefanGC1/peerbridge/pkg/netconfig"
	"github.com/StefanGC1/peerbridge/pkg/rpc"
	"github.com/StefanGC1/peerbridge/pkg/statemgr"
	"github.com/StefanGC1/peerbridge/pkg/supervisor"
	"github.com/StefanGC1/peerbridge/pkg/tunif"
)

// Daemon wires the supervisor to the RPC control surface and owns the
// process's HTTP listener. It is the thing cmd/peerbridge constructs and
// runs; everything else (STUN, datapath, virtual interface) lives behind
// the supervisor.
type Daemon struct {
	cfg    Config
	logger zerolog.Logger

	super *supervisor.Supervisor
	rpc   *rpc.Handler
	http  *http.Server
}

// NewDaemon constructs a Daemon from cfg. The network configurator is
// selected per-OS: Linux gets the real netlink/iptables backend; other
// platforms (this module has no netconfig backend for them yet — see
// DESIGN.md) fall back to a recording mock so the supervisor's monitor
// loop still has something to call.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	netcfg := netconfig.New()
	if _, ok := netcfg.(*netconfig.Mock); ok {
		logger.Warn().Str("os", runtime.GOOS).Msg("peerbridge: no netconfig backend for this OS, using no-op recorder")
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		super: supervisor.New(supervisor.Config{
			StunServer: cfg.StunServer,
			Base:       cfg.Base,
			IfaceAlias: cfg.IfaceAlias,
		}, netcfg),
	}
	d.rpc = d.buildRPCHandler()
	return d
}

// Run brings the supervisor up, serves the RPC surface, and blocks until
// ctx is cancelled, at which point it drives graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.super.Initialize(ctx, d.cfg.LocalPort, d.openTUN); err != nil {
		return fmt.Errorf("peerbridge: initialize: %w", err)
	}
	d.logger.Info().
		Str("reflexive_addr", d.super.ReflexiveAddr().String()).
		Str("rpc_addr", d.cfg.RPCAddr).
		Msg("peerbridge: daemon up")

	mux := new(middlewares).
		Add(hlog.NewHandler(d.logger.With().Str("component", "rpc").Logger())).
		Add(hlog.RequestIDHandler("rid", "")).
		Then(d.rpc)

	d.http = &http.Server{Addr: d.cfg.RPCAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("peerbridge: rpc server failed")
		}
		d.super.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.http.Shutdown(shutdownCtx)

	d.super.Shutdown()
	return ctx.Err()
}

// HandleSIGHUP logs that the signal was received and reloads nothing: the
// log level and the rest of the configuration stay as they were at process
// start.
func (d *Daemon) HandleSIGHUP() {
	d.logger.Info().Msg("peerbridge: SIGHUP received, log level unchanged (nothing else reloadable at runtime)")
}

func (d *Daemon) openTUN(alias string) (tunif.Device, error) {
	return tunif.OpenTUN(alias)
}

func (d *Daemon) buildRPCHandler() *rpc.Handler {
	return &rpc.Handler{
		GetStunInfo: func() (rpc.StunInfo, bool) {
			addr := d.super.ReflexiveAddr()
			if !addr.IsValid() {
				return rpc.StunInfo{}, false
			}
			id := d.super.Identity()
			return rpc.StunInfo{
				PublicIP:   addr.Addr().String(),
				PublicPort: int(addr.Port()),
				PublicKey:  fmt.Sprintf("%x", id.PublicKey),
			}, true
		},
		StartConnection: d.handleStartConnection,
		StopConnection: func() (bool, string) {
			d.super.Events().QueueEvent(statemgr.NetworkEvent{Kind: statemgr.DisconnectAllRequested})
			return true, ""
		},
		StopProcess: func(force bool) (bool, string) {
			if force {
				d.logger.Warn().Msg("peerbridge: forced shutdown requested, exiting immediately")
				os.Exit(0)
			}
			d.super.Events().QueueEvent(statemgr.NetworkEvent{Kind: statemgr.ShutdownRequested})
			return true, ""
		},
		WriteExtraMetrics: d.super.WritePrometheus,
	}
}

func (d *Daemon) handleStartConnection(peers []rpc.PeerInput, selfIndex int, _ bool) (bool, string) {
	entries := make([]addrutil.PeerEntry, len(peers))
	for i, p := range peers {
		var pk [32]byte
		if p.Text != "self" && p.Text != "unavailable" {
			raw, err := hex.DecodeString(p.PublicKey)
			if err != nil || len(raw) != 32 {
				return false, fmt.Sprintf("malformed public key at index %d", i)
			}
			copy(pk[:], raw)
		}
		entries[i] = addrutil.PeerEntry{Text: p.Text, PublicKey: pk}
	}

	parsed, _, err := addrutil.ParsePeerList(entries, d.cfg.Base, selfIndex)
	if err != nil {
		return false, err.Error()
	}

	peerMap := make(map[uint32]statemgr.PeerDescriptor, len(parsed))
	for vip, desc := range parsed {
		peerMap[vip] = statemgr.PeerDescriptor{
			PublicIP:  desc.PublicIP.String(),
			Port:      desc.Port,
			PublicKey: desc.PublicKey,
		}
	}

	d.super.Events().QueueEvent(statemgr.NetworkEvent{
		Kind:    statemgr.InitializeConnection,
		PeerMap: peerMap,
	})
	return true, ""
}

// middlewares chains http.Handler decorators, matching the teacher's own
// pkg/atlas helper of the same name and shape.
type middlewares []func(http.Handler) http.Handler

func (ms *middlewares) Add(m func(http.Handler) http.Handler) *middlewares {
	*ms = append(*ms, m)
	return ms
}

func (ms *middlewares) Then(h http.Handler) http.Handler {
	for i := len(*ms) - 1; i >= 0; i-- {
		h = (*ms)[i](h)
	}
	return h
}
