// Package relay implements the store-and-forward service: it holds
// opaque ciphertexts addressed by recipient fingerprint until pickup or
// expiry, and maintains a name -> identity directory.
//
// The relay is honest-but-curious by design: it sees fingerprints,
// sizes, and timing, never payload plaintext. Deposited blobs are not
// inspected and deposit signatures are not validated here; authenticity
// is end-to-end between nodes.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// HeldMessage is one deposited envelope awaiting pickup.
// EncryptedEnvelope is opaque: the full envelope JSON as the sender
// serialized it.
type HeldMessage struct {
	MsgID                string `json:"msg_id"`
	RecipientFingerprint string `json:"recipient_fingerprint"`
	SenderFingerprint    string `json:"sender_fingerprint"`
	EncryptedEnvelope    string `json:"encrypted_envelope"`
	Signature            string `json:"signature"`
	DepositedAt          int64  `json:"deposited_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

// DirectoryEntry maps a human name to an identity. Names are stored
// lowercased; registration is last-writer-wins.
type DirectoryEntry struct {
	Name          string `json:"name"`
	Fingerprint   string `json:"fingerprint"`
	Pubkey        string `json:"pubkey"`
	EncryptPubkey string `json:"encrypt_pubkey"`
	RegisteredAt  int64  `json:"registered_at"`
}

// Stats is the operator-facing summary. It contains no identifying
// material.
type Stats struct {
	MessagesHeld int64 `json:"messages_held"`
	TotalBytes   int64 `json:"total_bytes"`
}

// Store is the relay's persistence surface. Two implementations exist:
// SQLite (single file, the default) and Redis (shared instance for
// multi-process deployments).
type Store interface {
	// Deposit upserts a held message by msg_id.
	Deposit(ctx context.Context, msg *HeldMessage) error

	// Pickup returns unexpired messages for the recipient deposited
	// after the given cursor, ordered by deposited_at ascending.
	Pickup(ctx context.Context, recipientFP string, since int64) ([]HeldMessage, error)

	// Ack deletes held messages matching both the id list and the
	// recipient fingerprint, and returns how many were removed.
	// Cross-recipient deletion is impossible by construction.
	Ack(ctx context.Context, recipientFP string, msgIDs []string) (int, error)

	// Register upserts a directory entry by lowercased name.
	Register(ctx context.Context, entry *DirectoryEntry) error

	// Lookup resolves a name case-insensitively. Returns ErrNotFound
	// when the name is not registered.
	Lookup(ctx context.Context, name string) (*DirectoryEntry, error)

	// CleanupExpired deletes messages past their expiry and returns
	// how many were removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Stats summarizes held-message volume.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// normalizeName lowercases and trims a directory name.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
