package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmail-net/agentmail/pkg/ratelimit"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAPI(store, nil)
}

func doJSON(t *testing.T, api *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestDepositPickupAckFlow(t *testing.T) {
	api := newTestAPI(t)

	w := doJSON(t, api, "POST", "/v0/deposit", DepositRequest{
		MsgID:                "m1",
		RecipientFingerprint: "alice-fp",
		SenderFingerprint:    "bob-fp",
		EncryptedEnvelope:    `{"msg_id":"m1","payload":{}}`,
		Signature:            "sig",
		TTLSec:               3600,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, api, "GET", "/v0/pickup/alice-fp", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pickup status = %d", w.Code)
	}
	var pickup struct {
		Messages []map[string]any `json:"messages"`
		Count    int              `json:"count"`
	}
	decodeJSON(t, w, &pickup)
	if pickup.Count != 1 || len(pickup.Messages) != 1 {
		t.Fatalf("pickup count = %d", pickup.Count)
	}
	m := pickup.Messages[0]
	if m["msg_id"] != "m1" || m["sender_fingerprint"] != "bob-fp" {
		t.Errorf("pickup message wrong: %+v", m)
	}
	if m["encrypted_envelope"] != `{"msg_id":"m1","payload":{}}` {
		t.Errorf("blob altered in transit: %v", m["encrypted_envelope"])
	}

	w = doJSON(t, api, "POST", "/v0/ack/alice-fp", map[string][]string{"msg_ids": {"m1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d", w.Code)
	}
	var ack struct {
		Status  string `json:"status"`
		Removed int    `json:"removed"`
	}
	decodeJSON(t, w, &ack)
	if ack.Removed != 1 {
		t.Errorf("removed = %d, want 1", ack.Removed)
	}

	w = doJSON(t, api, "GET", "/v0/pickup/alice-fp", nil)
	decodeJSON(t, w, &pickup)
	if pickup.Count != 0 {
		t.Errorf("message still held after ack")
	}
}

func TestDepositValidation(t *testing.T) {
	api := newTestAPI(t)

	w := doJSON(t, api, "POST", "/v0/deposit", DepositRequest{MsgID: "m1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("incomplete deposit status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest("POST", "/v0/deposit", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}
}

func TestDepositDefaultTTL(t *testing.T) {
	api := newTestAPI(t)

	doJSON(t, api, "POST", "/v0/deposit", DepositRequest{
		MsgID:                "m1",
		RecipientFingerprint: "alice-fp",
		EncryptedEnvelope:    "{}",
	})

	w := doJSON(t, api, "GET", "/v0/pickup/alice-fp", nil)
	var pickup struct {
		Messages []struct {
			DepositedAt int64 `json:"deposited_at"`
			ExpiresAt   int64 `json:"expires_at"`
		} `json:"messages"`
	}
	decodeJSON(t, w, &pickup)
	if len(pickup.Messages) != 1 {
		t.Fatal("message not held")
	}
	lifetime := pickup.Messages[0].ExpiresAt - pickup.Messages[0].DepositedAt
	if lifetime != DefaultTTLSec {
		t.Errorf("default lifetime = %d, want %d", lifetime, DefaultTTLSec)
	}
}

func TestAckCrossRecipientForbidden(t *testing.T) {
	api := newTestAPI(t)

	doJSON(t, api, "POST", "/v0/deposit", DepositRequest{
		MsgID:                "m1",
		RecipientFingerprint: "alice-fp",
		EncryptedEnvelope:    "{}",
		TTLSec:               3600,
	})

	w := doJSON(t, api, "POST", "/v0/ack/mallory-fp", map[string][]string{"msg_ids": {"m1"}})
	var ack struct {
		Removed int `json:"removed"`
	}
	decodeJSON(t, w, &ack)
	if ack.Removed != 0 {
		t.Errorf("cross-recipient ack removed %d", ack.Removed)
	}

	w = doJSON(t, api, "GET", "/v0/pickup/alice-fp", nil)
	var pickup struct {
		Count int `json:"count"`
	}
	decodeJSON(t, w, &pickup)
	if pickup.Count != 1 {
		t.Error("message lost to cross-recipient ack")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	api := newTestAPI(t)

	w := doJSON(t, api, "POST", "/v0/register", RegisterRequest{
		Name:          "Kai",
		Fingerprint:   "kai-fp",
		Pubkey:        "pub",
		EncryptPubkey: "enc",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d", w.Code)
	}
	var reg struct {
		Status string `json:"status"`
		Name   string `json:"name"`
	}
	decodeJSON(t, w, &reg)
	if reg.Name != "kai" {
		t.Errorf("registered name = %q, want lowercased kai", reg.Name)
	}

	w = doJSON(t, api, "GET", "/v0/lookup/KAI", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", w.Code)
	}
	var entry DirectoryEntry
	decodeJSON(t, w, &entry)
	if entry.Fingerprint != "kai-fp" || entry.EncryptPubkey != "enc" {
		t.Errorf("lookup entry wrong: %+v", entry)
	}
}

func TestLookupNotFound(t *testing.T) {
	api := newTestAPI(t)
	w := doJSON(t, api, "GET", "/v0/lookup/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("lookup miss status = %d, want 404", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	w := doJSON(t, api, "POST", "/v0/register", RegisterRequest{Name: "kai"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("register without fingerprint status = %d, want 400", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	api := newTestAPI(t)

	doJSON(t, api, "POST", "/v0/deposit", DepositRequest{
		MsgID:                "m1",
		RecipientFingerprint: "alice-fp",
		EncryptedEnvelope:    "0123456789",
		TTLSec:               3600,
	})

	w := doJSON(t, api, "GET", "/v0/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats Stats
	decodeJSON(t, w, &stats)
	if stats.MessagesHeld != 1 || stats.TotalBytes != 10 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	w := doJSON(t, api, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.New(ratelimit.Config{
		RatePerSec:      1,
		BurstSize:       2,
		MaxClients:      10,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(limiter.Stop)
	api := NewAPI(store, limiter)

	got429 := false
	for i := 0; i < 5; i++ {
		w := doJSON(t, api, "GET", "/v0/lookup/nobody", nil)
		if w.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("Expected a 429 once the burst was exhausted")
	}
}
