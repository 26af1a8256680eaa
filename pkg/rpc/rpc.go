// Package rpc exposes the control surface a separate UI process uses to
// drive the daemon: discovering the reflexive address, starting and
// stopping a connection, and requesting process shutdown. It is treated as
// an external collaborator; the core only ever sees the callbacks wired
// onto Handler.
package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/VictoriaMetrics/metrics"
)

// StunInfo is the response body for GetStunInfo.
type StunInfo struct {
	PublicIP   string `json:"public_ip"`
	PublicPort int    `json:"public_port"`
	PublicKey  string `json:"public_key"` // hex-encoded
}

// PeerInput is one slot of a StartConnection request: either "self",
// "unavailable", or a reachable peer.
type PeerInput struct {
	Text      string `json:"text"`
	PublicKey string `json:"public_key"` // hex-encoded, ignored for self/unavailable
}

// StartConnectionRequest is the JSON body of a StartConnection call.
type StartConnectionRequest struct {
	Peers           []PeerInput `json:"peers"`
	SelfIndex       int         `json:"self_index"`
	ShouldFailFlag  bool        `json:"should_fail_flag"`
}

// Result is the common (success, message) response shape.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Handler implements the RPC surface as narrow HTTP/JSON endpoints, mirroring
// the callback-field style the rest of this codebase uses for its request
// handlers. The four operation callbacks are required; a nil one answers
// with 503. NotFound and WriteExtraMetrics are optional.
type Handler struct {
	// GetStunInfo returns the discovered reflexive address and the local
	// public key, or ok=false if discovery has not completed.
	GetStunInfo func() (info StunInfo, ok bool)

	// StartConnection parses peers according to selfIndex and enqueues
	// INITIALIZE_CONNECTION. should_fail_flag is accepted for test-harness
	// compatibility with the control UI and otherwise ignored by the core.
	StartConnection func(peers []PeerInput, selfIndex int, shouldFail bool) (success bool, message string)

	// StopConnection enqueues DISCONNECT_ALL_REQUESTED.
	StopConnection func() (success bool, message string)

	// StopProcess terminates immediately if force, otherwise enqueues
	// SHUTDOWN_REQUESTED.
	StopProcess func(force bool) (success bool, message string)

	// NotFound handles any path this handler does not recognise.
	NotFound http.Handler

	// WriteExtraMetrics, if set, writes additional Prometheus text (the
	// datapath's and virtual interface's hand-rolled counters) after the
	// VictoriaMetrics process metrics on every /metrics request.
	WriteExtraMetrics func(w io.Writer)
}

// ServeHTTP routes requests to Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/stun-info":
		h.handleGetStunInfo(w, r)
	case "/v1/start-connection":
		h.handleStartConnection(w, r)
	case "/v1/stop-connection":
		h.handleStopConnection(w, r)
	case "/v1/stop-process":
		h.handleStopProcess(w, r)
	case "/v1/connection-status":
		h.handleConnectionStatus(w, r)
	case "/metrics":
		metrics.WritePrometheus(w, true)
		if h.WriteExtraMetrics != nil {
			h.WriteExtraMetrics(w)
		}
	default:
		if h.NotFound != nil {
			h.NotFound.ServeHTTP(w, r)
			return
		}
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

func writeJSONFor(r *http.Request, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("rpc: failed to write response body")
	}
}

func (h *Handler) handleGetStunInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.GetStunInfo == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	info, ok := h.GetStunInfo()
	if !ok {
		writeJSONFor(r, w, http.StatusConflict, Result{Success: false, Message: "discovery has not completed"})
		return
	}
	writeJSONFor(r, w, http.StatusOK, info)
}

func (h *Handler) handleStartConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.StartConnection == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	var req StartConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONFor(r, w, http.StatusBadRequest, Result{Success: false, Message: "malformed request body"})
		return
	}

	success, message := h.StartConnection(req.Peers, req.SelfIndex, req.ShouldFailFlag)
	writeJSONFor(r, w, http.StatusOK, Result{Success: success, Message: message})
}

func (h *Handler) handleStopConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.StopConnection == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	success, message := h.StopConnection()
	writeJSONFor(r, w, http.StatusOK, Result{Success: success, Message: message})
}

func (h *Handler) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.StopProcess == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // absent body means force=false

	success, message := h.StopProcess(req.Force)
	writeJSONFor(r, w, http.StatusOK, Result{Success: success, Message: message})
}

// handleConnectionStatus is reserved: the source implementation never
// populated this operation, so it answers OK with no body.
func (h *Handler) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
