package httpserver

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hxrts/aura/bridge"
	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Handler serves the bridge API.
type Handler struct {
	log    *slog.Logger
	bridge *bridge.Bridge
	j      *journal.Journal
}

// NewHandler creates a handler around a bridge and its journal.
func NewHandler(log *slog.Logger, b *bridge.Bridge, j *journal.Journal) *Handler {
	return &Handler{log: log, bridge: b, j: j}
}

// authorizeRequest is the JSON body of POST /api/v1/authorize. The token
// travels as base64 canonical CBOR; identifiers travel as hex.
type authorizeRequest struct {
	Operation           string   `json:"operation"`
	Resource            string   `json:"resource"`
	RequiredPermissions []string `json:"required_permissions"`
	Subject             string   `json:"subject"`
	Context             string   `json:"context,omitempty"`
	Peer                string   `json:"peer,omitempty"`
	Cost                uint64   `json:"cost,omitempty"`
	Token               string   `json:"token"`
	Epoch               uint64   `json:"epoch,omitempty"`
}

type factJSON struct {
	Predicate   string `json:"predicate"`
	ValueCBOR   string `json:"value_cbor"`
	Authority   string `json:"authority"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

type authorizeResponse struct {
	Allowed bool       `json:"allowed"`
	Kind    string     `json:"kind,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Facts   []factJSON `json:"facts,omitempty"`
}

func parseID16(s string) ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 16 {
		return out, interfaces.E(interfaces.KindInvalidInput, "id must be 16 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// HandleAuthorize evaluates one operation request through the bridge.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rawToken, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		http.Error(w, "invalid token encoding", http.StatusBadRequest)
		return
	}
	token, err := capability.DecodeToken(rawToken)
	if err != nil {
		http.Error(w, "malformed token", http.StatusBadRequest)
		return
	}
	subject, err := parseID16(req.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusBadRequest)
		return
	}

	breq := bridge.Request{
		Operation:           req.Operation,
		Resource:            req.Resource,
		RequiredPermissions: req.RequiredPermissions,
		Subject:             interfaces.DeviceID(subject),
		Cost:                req.Cost,
		Proof:               token,
		Epoch:               req.Epoch,
	}
	if req.Context != "" {
		ctxID, err := parseID16(req.Context)
		if err != nil {
			http.Error(w, "invalid context", http.StatusBadRequest)
			return
		}
		breq.Context = interfaces.ContextID(ctxID)
	}
	if req.Peer != "" {
		peer, err := parseID16(req.Peer)
		if err != nil {
			http.Error(w, "invalid peer", http.StatusBadRequest)
			return
		}
		breq.Peer = interfaces.DeviceID(peer)
	}

	out, err := h.bridge.Execute(r.Context(), breq)
	if err != nil {
		h.log.Warn("bridge execution failed", "operation", req.Operation, "err", err)
		switch interfaces.Kind(err) {
		case interfaces.KindInvalidInput:
			http.Error(w, err.Error(), http.StatusBadRequest)
		case interfaces.KindTimeout:
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
		default:
			http.Error(w, "operation failed", http.StatusInternalServerError)
		}
		return
	}

	resp := authorizeResponse{Allowed: out.Decision.Allowed}
	if !out.Decision.Allowed {
		resp.Kind = out.Decision.Kind.String()
		resp.Reason = out.Decision.Reason
	}
	for _, f := range out.Facts {
		resp.Facts = append(resp.Facts, factJSON{
			Predicate:   f.Predicate,
			ValueCBOR:   base64.StdEncoding.EncodeToString(f.Value.CanonicalBytes()),
			Authority:   f.Authority.String(),
			TimestampMs: f.TimestampMs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if !out.Decision.Allowed {
		w.WriteHeader(http.StatusForbidden)
	}
	json.NewEncoder(w).Encode(resp)
}

// HandleRoot reports the journal root commitment.
func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"root":   h.j.RootCommitment().String(),
		"events": len(h.j.Events()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleSessionStatus reports one ceremony session's fact.
func (h *Handler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := parseID16(chi.URLParam(r, "session_id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	id := interfaces.SessionID(raw)

	fact := h.j.View().Get(journal.SessionPredicate(id))
	if fact == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"session_id":  id.String(),
		"state":       fact.Value.Map["state"].AsString(),
		"protocol":    fact.Value.Map["protocol"].AsString(),
		"deadline_ms": fact.Value.Map["deadline_ms"].AsInt(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
