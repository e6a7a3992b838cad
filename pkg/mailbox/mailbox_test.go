package mailbox

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/agentmail-net/agentmail/pkg/message"
)

func openTestMailbox(t *testing.T) *Mailbox {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "mailbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testEnvelope(subject string) *message.Envelope {
	return message.NewEnvelope("alice@alice.local", "bob@bob.local", message.Payload{
		Subject: subject,
		Body:    "body of " + subject,
	})
}

func TestStoreMessageUpsert(t *testing.T) {
	m := openTestMailbox(t)
	e := testEnvelope("hi")

	if err := m.StoreMessage(e, DirectionOutbound, StatusSending); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	rec, err := m.GetMessage(e.MsgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec == nil || rec.Status != StatusSending {
		t.Fatalf("Expected sending record, got %+v", rec)
	}

	// Same msg_id advances the status, no duplicate row
	if err := m.StoreMessage(e, DirectionOutbound, StatusDelivered); err != nil {
		t.Fatalf("StoreMessage (upsert): %v", err)
	}
	rec, _ = m.GetMessage(e.MsgID)
	if rec.Status != StatusDelivered {
		t.Errorf("Status = %s, want delivered", rec.Status)
	}

	all, _ := m.GetMessages("", 100)
	if len(all) != 1 {
		t.Errorf("Expected 1 row after upsert, got %d", len(all))
	}
}

func TestGetMessagesNewestFirstAndFiltered(t *testing.T) {
	m := openTestMailbox(t)

	for i := 0; i < 3; i++ {
		e := testEnvelope(fmt.Sprintf("out-%d", i))
		e.SentAt = fmt.Sprintf("2026-08-26T10:0%d:00Z", i)
		if err := m.StoreMessage(e, DirectionOutbound, StatusDelivered); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}
	in := testEnvelope("in-0")
	in.SentAt = "2026-08-26T09:00:00Z"
	if err := m.StoreMessage(in, DirectionInbound, StatusDelivered); err != nil {
		t.Fatalf("StoreMessage inbound: %v", err)
	}

	out, err := m.GetMessages(DirectionOutbound, 100)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 outbound, got %d", len(out))
	}
	if out[0].Subject != "out-2" || out[2].Subject != "out-0" {
		t.Errorf("Expected newest first, got %s .. %s", out[0].Subject, out[2].Subject)
	}

	inbound, _ := m.GetMessages(DirectionInbound, 100)
	if len(inbound) != 1 || inbound[0].Subject != "in-0" {
		t.Errorf("Inbound filter wrong: %+v", inbound)
	}

	limited, _ := m.GetMessages("", 2)
	if len(limited) != 2 {
		t.Errorf("Limit ignored: got %d rows", len(limited))
	}
}

func TestGetMessageAbsent(t *testing.T) {
	m := openTestMailbox(t)
	rec, err := m.GetMessage("no-such-id")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil for absent message, got %+v", rec)
	}
}

func TestPeerUpsertAndLookup(t *testing.T) {
	m := openTestMailbox(t)

	p := &Peer{
		NodeID:        "fp-bob",
		NodeName:      "bob",
		Address:       "bob@bob.local",
		Host:          "192.168.1.20",
		Port:          7444,
		Pubkey:        "pub",
		EncryptPubkey: "enc",
		LastSeen:      "2026-08-26T10:00:00Z",
	}
	if err := m.UpsertPeer(p); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	got, err := m.GetPeerByAddress("bob@bob.local")
	if err != nil {
		t.Fatalf("GetPeerByAddress: %v", err)
	}
	if got == nil || got.Host != "192.168.1.20" {
		t.Fatalf("Expected peer, got %+v", got)
	}

	// Upsert by node_id replaces, not duplicates
	p.Host = "192.168.1.99"
	p.LastSeen = "2026-08-26T11:00:00Z"
	if err := m.UpsertPeer(p); err != nil {
		t.Fatalf("UpsertPeer (update): %v", err)
	}
	peers, _ := m.GetPeers()
	if len(peers) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(peers))
	}
	if peers[0].Host != "192.168.1.99" {
		t.Errorf("Host not updated: %s", peers[0].Host)
	}

	if missing, _ := m.GetPeerByAddress("nobody@nobody.local"); missing != nil {
		t.Errorf("Expected nil for unknown address, got %+v", missing)
	}
}

func TestGetPeersOrderedByLastSeen(t *testing.T) {
	m := openTestMailbox(t)

	for i, name := range []string{"old", "new"} {
		m.UpsertPeer(&Peer{
			NodeID:   fmt.Sprintf("fp-%d", i),
			NodeName: name, Address: name + "@" + name + ".local",
			Host: "10.0.0.1", Port: 7443, Pubkey: "p", EncryptPubkey: "e",
			LastSeen: fmt.Sprintf("2026-08-2%dT10:00:00Z", i+5),
		})
	}
	peers, _ := m.GetPeers()
	if len(peers) != 2 || peers[0].NodeName != "new" {
		t.Errorf("Expected last_seen desc order, got %+v", peers)
	}
}

func TestOutboxFIFO(t *testing.T) {
	m := openTestMailbox(t)

	var ids []string
	for i := 0; i < 3; i++ {
		e := testEnvelope(fmt.Sprintf("q-%d", i))
		if err := m.QueueOutbox(e); err != nil {
			t.Fatalf("QueueOutbox: %v", err)
		}
		ids = append(ids, e.MsgID)
	}

	pending, err := m.GetPendingOutbox()
	if err != nil {
		t.Fatalf("GetPendingOutbox: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending, got %d", len(pending))
	}
	for i, entry := range pending {
		if entry.MsgID != ids[i] {
			t.Errorf("FIFO order violated at %d: %s != %s", i, entry.MsgID, ids[i])
		}
	}

	// Draining in order empties the queue
	for _, id := range ids {
		if err := m.MarkOutboxSent(id); err != nil {
			t.Fatalf("MarkOutboxSent: %v", err)
		}
	}
	pending, _ = m.GetPendingOutbox()
	if len(pending) != 0 {
		t.Errorf("Expected empty outbox, got %d entries", len(pending))
	}
}

func TestOutboxFailedStaysPending(t *testing.T) {
	m := openTestMailbox(t)
	e := testEnvelope("retry-me")
	m.QueueOutbox(e)

	if err := m.MarkOutboxFailed(e.MsgID, 3); err != nil {
		t.Fatalf("MarkOutboxFailed: %v", err)
	}
	pending, _ := m.GetPendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("Expected entry to remain pending, got %d", len(pending))
	}
	if pending[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", pending[0].Attempts)
	}
}

func TestOutboxRequeueReplaces(t *testing.T) {
	m := openTestMailbox(t)
	e := testEnvelope("dup")
	m.QueueOutbox(e)
	m.MarkOutboxFailed(e.MsgID, 5)
	m.QueueOutbox(e)

	pending, _ := m.GetPendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 entry after requeue, got %d", len(pending))
	}
	if pending[0].Attempts != 0 {
		t.Errorf("Requeue should reset attempts, got %d", pending[0].Attempts)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailbox.db")

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := testEnvelope("durable")
	m.StoreMessage(e, DirectionInbound, StatusDelivered)
	m.Close()

	m2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer m2.Close()

	rec, _ := m2.GetMessage(e.MsgID)
	if rec == nil || rec.Subject != "durable" {
		t.Errorf("Message lost across reopen: %+v", rec)
	}
}
