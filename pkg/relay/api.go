package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmail-net/agentmail/pkg/ratelimit"
)

// CleanupInterval is how often expired held messages are purged.
const CleanupInterval = 5 * time.Minute

// DepositRequest is the body of POST /v0/deposit.
type DepositRequest struct {
	MsgID                string `json:"msg_id"`
	RecipientFingerprint string `json:"recipient_fingerprint"`
	SenderFingerprint    string `json:"sender_fingerprint"`
	EncryptedEnvelope    string `json:"encrypted_envelope"`
	Signature            string `json:"signature"`
	TTLSec               int    `json:"ttl_sec"`
}

// RegisterRequest is the body of POST /v0/register.
type RegisterRequest struct {
	Name          string `json:"name"`
	Fingerprint   string `json:"fingerprint"`
	Pubkey        string `json:"pubkey"`
	EncryptPubkey string `json:"encrypt_pubkey"`
}

// DefaultTTLSec is applied when a deposit carries no TTL (7 days).
const DefaultTTLSec = 604800

// API is the relay's HTTP surface. All endpoints speak JSON; errors
// follow RFC 7807 Problem Details.
type API struct {
	store   Store
	limiter *ratelimit.Limiter
	mux     *http.ServeMux
}

// NewAPI creates the relay handler. limiter may be nil to disable rate
// limiting.
func NewAPI(store Store, limiter *ratelimit.Limiter) *API {
	a := &API{
		store:   store,
		limiter: limiter,
		mux:     http.NewServeMux(),
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

	a.mux.HandleFunc("POST /v0/deposit", a.rateLimit(a.handleDeposit))
	a.mux.HandleFunc("GET /v0/pickup/{recipient_fingerprint}", a.rateLimit(a.handlePickup))
	a.mux.HandleFunc("POST /v0/ack/{recipient_fingerprint}", a.rateLimit(a.handleAck))
	a.mux.HandleFunc("POST /v0/register", a.rateLimit(a.handleRegister))
	a.mux.HandleFunc("GET /v0/lookup/{name}", a.rateLimit(a.handleLookup))
	a.mux.HandleFunc("GET /v0/stats", a.handleStats)
}

// rateLimit enforces a per-client-IP budget. A no-op when no limiter is
// configured.
func (a *API) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !a.limiter.Allow(host) {
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Please retry later.")
				return
			}
		}
		next(w, r)
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agentmail-relay",
	})
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.MsgID == "" || req.RecipientFingerprint == "" || req.EncryptedEnvelope == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "msg_id, recipient_fingerprint, and encrypted_envelope are required")
		return
	}
	ttl := req.TTLSec
	if ttl <= 0 {
		ttl = DefaultTTLSec
	}

	now := nowUnix()
	msg := &HeldMessage{
		MsgID:                req.MsgID,
		RecipientFingerprint: req.RecipientFingerprint,
		SenderFingerprint:    req.SenderFingerprint,
		EncryptedEnvelope:    req.EncryptedEnvelope,
		Signature:            req.Signature,
		DepositedAt:          now,
		ExpiresAt:            now + int64(ttl),
	}
	if err := a.store.Deposit(r.Context(), msg); err != nil {
		log.Printf("[Relay] deposit %s failed: %v", req.MsgID, err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not store message")
		return
	}
	metricDeposits.Add(r.Context(), 1)
	log.Printf("[Relay] deposited %s for %s", req.MsgID, req.RecipientFingerprint)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited", "msg_id": req.MsgID})
}

func (a *API) handlePickup(w http.ResponseWriter, r *http.Request) {
	recipientFP := r.PathValue("recipient_fingerprint")

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "since must be a unix timestamp")
			return
		}
		since = n
	}

	msgs, err := a.store.Pickup(r.Context(), recipientFP, since)
	if err != nil {
		log.Printf("[Relay] pickup for %s failed: %v", recipientFP, err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not read messages")
		return
	}
	metricPickups.Add(r.Context(), 1)

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"msg_id":             m.MsgID,
			"sender_fingerprint": m.SenderFingerprint,
			"encrypted_envelope": m.EncryptedEnvelope,
			"deposited_at":       m.DepositedAt,
			"expires_at":         m.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	recipientFP := r.PathValue("recipient_fingerprint")

	var req struct {
		MsgIDs []string `json:"msg_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	removed, err := a.store.Ack(r.Context(), recipientFP, req.MsgIDs)
	if err != nil {
		log.Printf("[Relay] ack for %s failed: %v", recipientFP, err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not ack messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "acked", "removed": removed})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name and fingerprint are required")
		return
	}

	entry := &DirectoryEntry{
		Name:          normalizeName(req.Name),
		Fingerprint:   req.Fingerprint,
		Pubkey:        req.Pubkey,
		EncryptPubkey: req.EncryptPubkey,
		RegisteredAt:  nowUnix(),
	}
	if err := a.store.Register(r.Context(), entry); err != nil {
		log.Printf("[Relay] register %q failed: %v", req.Name, err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not register name")
		return
	}
	metricRegistrations.Add(r.Context(), 1)
	log.Printf("[Relay] registered %q -> %s", req.Name, req.Fingerprint)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "name": entry.Name})
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	entry, err := a.store.Lookup(r.Context(), name)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "name is not registered")
		return
	}
	if err != nil {
		log.Printf("[Relay] lookup %q failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not look up name")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		log.Printf("[Relay] stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RunCleanupLoop purges expired messages every CleanupInterval until ctx
// is cancelled. The loop tolerates its own failures.
func (a *API) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.CleanupExpired(ctx)
			if err != nil {
				log.Printf("[Relay] cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				metricExpired.Add(ctx, int64(n))
				log.Printf("[Relay] expired %d messages", n)
			}
		}
	}
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
