package daemon

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentmail-net/agentmail/pkg/mailbox"
	"github.com/agentmail-net/agentmail/pkg/message"
)

// SendRequest is the body of POST /v0/send.
type SendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Intent  string `json:"intent"`
	Encrypt bool   `json:"encrypt"`
}

// API is the node's HTTP surface. All endpoints speak JSON; errors
// follow RFC 7807 Problem Details.
type API struct {
	daemon *Daemon
	mux    *http.ServeMux
}

// NewAPI creates the node handler.
func NewAPI(d *Daemon) *API {
	a := &API{
		daemon: d,
		mux:    http.NewServeMux(),
	}
	a.registerRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) registerRoutes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)

	a.mux.HandleFunc("GET /v0/identity", a.handleIdentity)
	a.mux.HandleFunc("GET /v0/peers", a.handlePeers)
	a.mux.HandleFunc("GET /v0/messages", a.handleListMessages)
	a.mux.HandleFunc("GET /v0/messages/{msg_id}", a.handleGetMessage)
	a.mux.HandleFunc("POST /v0/send", a.handleSend)
	a.mux.HandleFunc("POST /v0/inbox", a.handleInbox)
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agentmail",
	})
}

func (a *API) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	id := a.daemon.identity
	writeJSON(w, http.StatusOK, map[string]string{
		"node_id":        id.Fingerprint(),
		"node_name":      a.daemon.config.NodeName,
		"address":        message.AddressFor(a.daemon.config.NodeName),
		"pubkey":         id.PubkeyB64(),
		"encrypt_pubkey": id.EncryptPubkeyB64(),
		"fingerprint":    id.Fingerprint(),
	})
}

func (a *API) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers, err := a.daemon.mailbox.GetPeers()
	if err != nil {
		log.Printf("[API] list peers failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not read peers")
		return
	}
	if peers == nil {
		peers = []mailbox.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	direction := r.URL.Query().Get("direction")
	switch direction {
	case "", mailbox.DirectionInbound, mailbox.DirectionOutbound:
	default:
		writeError(w, http.StatusBadRequest, "validation_error", "direction must be inbound or outbound")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := a.daemon.mailbox.GetMessages(direction, limit)
	if err != nil {
		log.Printf("[API] list messages failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not read messages")
		return
	}
	if records == nil {
		records = []mailbox.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msgID := r.PathValue("msg_id")
	rec, err := a.daemon.mailbox.GetMessage(msgID)
	if err != nil {
		log.Printf("[API] get message failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not read message")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "to is required")
		return
	}
	// A bare name is shorthand for name@name.local
	to := req.To
	if !strings.Contains(to, "@") {
		to = message.AddressFor(to)
	}
	intent := req.Intent
	if intent == "" {
		intent = message.IntentHumanMessage
	}
	if !message.ValidIntent(intent) {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown intent")
		return
	}

	env, err := a.daemon.router.Send(to, req.Subject, req.Body, intent, req.Encrypt)
	if err != nil {
		log.Printf("[API] send failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not send message")
		return
	}
	metricAPISends.Add(r.Context(), 1)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"msg_id":    env.MsgID,
		"delivered": !a.inPendingOutbox(env.MsgID),
	})
}

// inPendingOutbox reports whether the envelope is still waiting for
// retry. Delivered and relayed sends both count as delivered for the
// API response.
func (a *API) inPendingOutbox(msgID string) bool {
	pending, err := a.daemon.mailbox.GetPendingOutbox()
	if err != nil {
		log.Printf("[API] read outbox failed: %v", err)
		return false
	}
	for _, entry := range pending {
		if entry.MsgID == msgID {
			return true
		}
	}
	return false
}

func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	var env message.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if err := a.daemon.router.Receive(&env); err != nil {
		log.Printf("[API] inbox ingest failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not store message")
		return
	}
	metricAPIIngests.Add(r.Context(), 1)

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "received",
		"msg_id": env.MsgID,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := map[string]any{
		"type":   "https://agentmail.net/errors/" + errType,
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write error response: %v", err)
	}
}
