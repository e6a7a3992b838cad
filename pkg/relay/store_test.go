package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func held(msgID, recipient string, depositedAt, expiresAt int64) *HeldMessage {
	return &HeldMessage{
		MsgID:                msgID,
		RecipientFingerprint: recipient,
		SenderFingerprint:    "sender-fp",
		EncryptedEnvelope:    `{"msg_id":"` + msgID + `"}`,
		Signature:            "sig",
		DepositedAt:          depositedAt,
		ExpiresAt:            expiresAt,
	}
}

func TestDepositAndPickupOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	// Insert out of order; pickup must sort by deposited_at ascending
	s.Deposit(ctx, held("m2", "alice-fp", now-10, now+3600))
	s.Deposit(ctx, held("m1", "alice-fp", now-20, now+3600))
	s.Deposit(ctx, held("m3", "alice-fp", now-5, now+3600))

	msgs, err := s.Pickup(ctx, "alice-fp", 0)
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].MsgID != want {
			t.Errorf("Order wrong at %d: %s != %s", i, msgs[i].MsgID, want)
		}
	}
}

func TestDepositUpsertByMsgID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("m1", "alice-fp", now-10, now+3600))
	redo := held("m1", "alice-fp", now-5, now+7200)
	redo.EncryptedEnvelope = `{"msg_id":"m1","v":2}`
	if err := s.Deposit(ctx, redo); err != nil {
		t.Fatalf("Deposit (upsert): %v", err)
	}

	msgs, _ := s.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message after upsert, got %d", len(msgs))
	}
	if msgs[0].EncryptedEnvelope != `{"msg_id":"m1","v":2}` {
		t.Errorf("Upsert did not replace the blob: %s", msgs[0].EncryptedEnvelope)
	}
}

func TestPickupSinceCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("old", "alice-fp", now-100, now+3600))
	s.Deposit(ctx, held("new", "alice-fp", now-10, now+3600))

	msgs, err := s.Pickup(ctx, "alice-fp", now-50)
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "new" {
		t.Errorf("Since cursor not applied: %+v", msgs)
	}
}

func TestPickupSkipsExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("dead", "alice-fp", now-100, now-10))
	s.Deposit(ctx, held("live", "alice-fp", now-100, now+3600))

	msgs, _ := s.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 1 || msgs[0].MsgID != "live" {
		t.Errorf("Expired message returned: %+v", msgs)
	}
}

func TestPickupScopedToRecipient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("for-alice", "alice-fp", now-10, now+3600))
	s.Deposit(ctx, held("for-bob", "bob-fp", now-10, now+3600))

	msgs, _ := s.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 1 || msgs[0].MsgID != "for-alice" {
		t.Errorf("Cross-recipient leakage: %+v", msgs)
	}
}

func TestAckRecipientScoping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("m1", "alice-fp", now-10, now+3600))

	// Bob acking alice's message must not delete it
	removed, err := s.Ack(ctx, "bob-fp", []string{"m1"})
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if removed != 0 {
		t.Errorf("Cross-recipient ack removed %d rows", removed)
	}
	msgs, _ := s.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 1 {
		t.Fatalf("Message lost to cross-recipient ack")
	}

	// The real recipient can
	removed, _ = s.Ack(ctx, "alice-fp", []string{"m1"})
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	msgs, _ = s.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 0 {
		t.Errorf("Acked message still held")
	}
}

func TestAckEmptyList(t *testing.T) {
	s := openTestStore(t)
	removed, err := s.Ack(context.Background(), "alice-fp", nil)
	if err != nil || removed != 0 {
		t.Errorf("Empty ack should be a no-op, got %d, %v", removed, err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	s.Deposit(ctx, held("dead1", "alice-fp", now-200, now-100))
	s.Deposit(ctx, held("dead2", "bob-fp", now-200, now-50))
	s.Deposit(ctx, held("live", "alice-fp", now-10, now+3600))

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 expired rows removed, got %d", n)
	}

	stats, _ := s.Stats(ctx)
	if stats.MessagesHeld != 1 {
		t.Errorf("MessagesHeld = %d, want 1", stats.MessagesHeld)
	}
}

func TestRegisterLookupCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &DirectoryEntry{
		Name:          "Alice",
		Fingerprint:   "alice-fp",
		Pubkey:        "pub",
		EncryptPubkey: "enc",
		RegisteredAt:  nowUnix(),
	}
	if err := s.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.Name != "alice" {
		t.Errorf("Register must normalize the entry in place, got %q", entry.Name)
	}

	for _, name := range []string{"alice", "ALICE", "Alice"} {
		e, err := s.Lookup(ctx, name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if e.Fingerprint != "alice-fp" || e.Name != "alice" {
			t.Errorf("Lookup(%q) = %+v", name, e)
		}
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Register(ctx, &DirectoryEntry{Name: "kai", Fingerprint: "first-fp", Pubkey: "p1", EncryptPubkey: "e1", RegisteredAt: 1})
	s.Register(ctx, &DirectoryEntry{Name: "KAI", Fingerprint: "second-fp", Pubkey: "p2", EncryptPubkey: "e2", RegisteredAt: 2})

	e, err := s.Lookup(ctx, "kai")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Fingerprint != "second-fp" {
		t.Errorf("Expected last writer to win, got %s", e.Fingerprint)
	}
}

func TestLookupMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Lookup(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStatsVolume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := nowUnix()

	m1 := held("m1", "alice-fp", now-10, now+3600)
	m2 := held("m2", "bob-fp", now-10, now+3600)
	s.Deposit(ctx, m1)
	s.Deposit(ctx, m2)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MessagesHeld != 2 {
		t.Errorf("MessagesHeld = %d, want 2", stats.MessagesHeld)
	}
	wantBytes := int64(len(m1.EncryptedEnvelope) + len(m2.EncryptedEnvelope))
	if stats.TotalBytes != wantBytes {
		t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, wantBytes)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	ctx := context.Background()
	now := nowUnix()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s.Deposit(ctx, held("m1", "alice-fp", now-10, now+3600))
	s.Register(ctx, &DirectoryEntry{Name: "alice", Fingerprint: "alice-fp", Pubkey: "p", EncryptPubkey: "e", RegisteredAt: now})
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer s2.Close()

	msgs, _ := s2.Pickup(ctx, "alice-fp", 0)
	if len(msgs) != 1 {
		t.Errorf("Held message lost across reopen")
	}
	if _, err := s2.Lookup(ctx, "alice"); err != nil {
		t.Errorf("Directory entry lost across reopen: %v", err)
	}
}
