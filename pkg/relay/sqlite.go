package relay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists held messages and the directory in a single
// database file. One connection is shared; SQLite only supports one
// writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the relay database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping relay db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init relay schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS held_messages (
			msg_id TEXT PRIMARY KEY,
			recipient_fingerprint TEXT NOT NULL,
			sender_fingerprint TEXT NOT NULL,
			encrypted_envelope TEXT NOT NULL,
			signature TEXT NOT NULL,
			deposited_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_held_recipient ON held_messages(recipient_fingerprint);
		CREATE INDEX IF NOT EXISTS idx_held_expires ON held_messages(expires_at);

		CREATE TABLE IF NOT EXISTS registry (
			name TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			pubkey TEXT NOT NULL,
			encrypt_pubkey TEXT NOT NULL,
			registered_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Deposit upserts a held message by msg_id.
func (s *SQLiteStore) Deposit(ctx context.Context, msg *HeldMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO held_messages
			(msg_id, recipient_fingerprint, sender_fingerprint, encrypted_envelope, signature, deposited_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MsgID, msg.RecipientFingerprint, msg.SenderFingerprint,
		msg.EncryptedEnvelope, msg.Signature, msg.DepositedAt, msg.ExpiresAt)
	if err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}
	return nil
}

// Pickup returns unexpired messages for the recipient deposited after
// the since cursor, oldest first.
func (s *SQLiteStore) Pickup(ctx context.Context, recipientFP string, since int64) ([]HeldMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, recipient_fingerprint, sender_fingerprint, encrypted_envelope, signature, deposited_at, expires_at
		FROM held_messages
		WHERE recipient_fingerprint = ? AND deposited_at > ? AND expires_at > ?
		ORDER BY deposited_at ASC`,
		recipientFP, since, nowUnix())
	if err != nil {
		return nil, fmt.Errorf("pickup messages: %w", err)
	}
	defer rows.Close()

	var msgs []HeldMessage
	for rows.Next() {
		var m HeldMessage
		if err := rows.Scan(&m.MsgID, &m.RecipientFingerprint, &m.SenderFingerprint,
			&m.EncryptedEnvelope, &m.Signature, &m.DepositedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan held message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Ack deletes rows matching both the id list and the recipient.
func (s *SQLiteStore) Ack(ctx context.Context, recipientFP string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(msgIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, recipientFP)
	for _, id := range msgIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM held_messages WHERE recipient_fingerprint = ? AND msg_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("ack messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Register upserts a directory entry by lowercased name. The entry is
// normalized in place so callers see the stored name.
func (s *SQLiteStore) Register(ctx context.Context, entry *DirectoryEntry) error {
	entry.Name = normalizeName(entry.Name)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO registry (name, fingerprint, pubkey, encrypt_pubkey, registered_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Name, entry.Fingerprint, entry.Pubkey, entry.EncryptPubkey, entry.RegisteredAt)
	if err != nil {
		return fmt.Errorf("register name: %w", err)
	}
	return nil
}

// Lookup resolves a name case-insensitively.
func (s *SQLiteStore) Lookup(ctx context.Context, name string) (*DirectoryEntry, error) {
	var e DirectoryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT name, fingerprint, pubkey, encrypt_pubkey, registered_at
		FROM registry WHERE name = ?`,
		normalizeName(name)).
		Scan(&e.Name, &e.Fingerprint, &e.Pubkey, &e.EncryptPubkey, &e.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("name %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup name: %w", err)
	}
	return &e, nil
}

// CleanupExpired deletes messages past their expiry.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM held_messages WHERE expires_at < ?`, nowUnix())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats summarizes held-message volume.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(encrypted_envelope)), 0)
		FROM held_messages`).
		Scan(&st.MessagesHeld, &st.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("relay stats: %w", err)
	}
	return &st, nil
}
