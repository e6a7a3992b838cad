// Package mailbox provides the node's durable local store: the message
// log, the peer table, and the outbox retry queue.
//
// A single connection is shared across the process; SQLite only supports
// one writer, so writes are serialized through it. Every component
// mutation goes through the Mailbox.
package mailbox

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmail-net/agentmail/pkg/message"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message log statuses.
const (
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusRelayed   = "relayed"
	StatusQueued    = "queued"
)

// Peer is a cached record of another node: its keys and, when LAN
// discovery has seen it, its network location. Relay-resolved peers have
// Host == "" and Port == 0 (routable via relay only).
type Peer struct {
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	Address       string `json:"address"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Pubkey        string `json:"pubkey"`
	EncryptPubkey string `json:"encrypt_pubkey"`
	LastSeen      string `json:"last_seen"`
}

// Record is one row of the message log.
type Record struct {
	MsgID        string  `json:"msg_id"`
	ThreadID     *string `json:"thread_id,omitempty"`
	FromAddr     string  `json:"from_addr"`
	ToAddr       string  `json:"to_addr"`
	SentAt       string  `json:"sent_at"`
	Subject      string  `json:"subject"`
	Intent       string  `json:"intent"`
	Body         string  `json:"body"`
	EnvelopeJSON string  `json:"envelope_json"`
	Encrypted    bool    `json:"encrypted"`
	Direction    string  `json:"direction"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
}

// OutboxEntry is one pending or sent row of the outbox queue.
type OutboxEntry struct {
	MsgID        string `json:"msg_id"`
	ToAddr       string `json:"to_addr"`
	EnvelopeJSON string `json:"envelope_json"`
	Attempts     int    `json:"attempts"`
	Status       string `json:"status"`
}

// Mailbox is the process-wide durable store.
type Mailbox struct {
	db *sql.DB
}

// Open opens (creating if needed) the mailbox database at path.
func Open(path string) (*Mailbox, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open mailbox db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mailbox db: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	m := &Mailbox{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init mailbox schema: %w", err)
	}
	return m, nil
}

// Close closes the underlying database.
func (m *Mailbox) Close() error {
	return m.db.Close()
}

func (m *Mailbox) initSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			msg_id TEXT PRIMARY KEY,
			thread_id TEXT,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			sent_at TEXT NOT NULL,
			subject TEXT DEFAULT '',
			intent TEXT DEFAULT 'human_message',
			body TEXT DEFAULT '',
			envelope_json TEXT NOT NULL,
			encrypted INTEGER DEFAULT 0,
			direction TEXT NOT NULL,
			status TEXT DEFAULT 'delivered',
			created_at TEXT DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS peers (
			node_id TEXT PRIMARY KEY,
			node_name TEXT NOT NULL,
			address TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			pubkey TEXT NOT NULL,
			encrypt_pubkey TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS outbox_queue (
			msg_id TEXT PRIMARY KEY,
			to_addr TEXT NOT NULL,
			envelope_json TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			next_retry TEXT,
			status TEXT DEFAULT 'pending'
		);

		CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(direction);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_addr);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_addr);
		CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_queue(status);
	`)
	return err
}

// StoreMessage upserts an envelope into the message log. Subsequent
// writes for the same msg_id replace the row, advancing its status.
func (m *Mailbox) StoreMessage(e *message.Envelope, direction, status string) error {
	envJSON, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	encrypted := 0
	if e.Encrypted {
		encrypted = 1
	}
	_, err = m.db.Exec(
		`INSERT OR REPLACE INTO messages
		 (msg_id, thread_id, from_addr, to_addr, sent_at, subject, intent, body,
		  envelope_json, encrypted, direction, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MsgID, e.ThreadID, e.FromAddr, e.ToAddr, e.SentAt,
		e.Payload.Subject, e.Payload.Intent, e.Payload.Body,
		string(envJSON), encrypted, direction, status,
	)
	if err != nil {
		return fmt.Errorf("store message %s: %w", e.MsgID, err)
	}
	return nil
}

// GetMessages returns up to limit records, newest first by sent_at.
// An empty direction returns both inbound and outbound records.
func (m *Mailbox) GetMessages(direction string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if direction != "" {
		rows, err = m.db.Query(
			`SELECT msg_id, thread_id, from_addr, to_addr, sent_at, subject, intent, body,
			        envelope_json, encrypted, direction, status, created_at
			 FROM messages WHERE direction = ? ORDER BY sent_at DESC LIMIT ?`,
			direction, limit)
	} else {
		rows, err = m.db.Query(
			`SELECT msg_id, thread_id, from_addr, to_addr, sent_at, subject, intent, body,
			        envelope_json, encrypted, direction, status, created_at
			 FROM messages ORDER BY sent_at DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetMessage returns the log record for msg_id, or nil if absent.
func (m *Mailbox) GetMessage(msgID string) (*Record, error) {
	rows, err := m.db.Query(
		`SELECT msg_id, thread_id, from_addr, to_addr, sent_at, subject, intent, body,
		        envelope_json, encrypted, direction, status, created_at
		 FROM messages WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, fmt.Errorf("query message %s: %w", msgID, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r         Record
			threadID  sql.NullString
			encrypted int
		)
		if err := rows.Scan(&r.MsgID, &threadID, &r.FromAddr, &r.ToAddr, &r.SentAt,
			&r.Subject, &r.Intent, &r.Body, &r.EnvelopeJSON, &encrypted,
			&r.Direction, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if threadID.Valid {
			r.ThreadID = &threadID.String
		}
		r.Encrypted = encrypted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPeer inserts or replaces a peer record keyed by node_id.
func (m *Mailbox) UpsertPeer(p *Peer) error {
	_, err := m.db.Exec(
		`INSERT OR REPLACE INTO peers
		 (node_id, node_name, address, host, port, pubkey, encrypt_pubkey, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.NodeID, p.NodeName, p.Address, p.Host, p.Port, p.Pubkey, p.EncryptPubkey, p.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %s: %w", p.NodeID, err)
	}
	return nil
}

// GetPeers returns all known peers, most recently seen first.
func (m *Mailbox) GetPeers() ([]Peer, error) {
	rows, err := m.db.Query(
		`SELECT node_id, node_name, address, host, port, pubkey, encrypt_pubkey, last_seen
		 FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.NodeID, &p.NodeName, &p.Address, &p.Host, &p.Port,
			&p.Pubkey, &p.EncryptPubkey, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeerByAddress returns the peer with the given address, or nil.
func (m *Mailbox) GetPeerByAddress(address string) (*Peer, error) {
	row := m.db.QueryRow(
		`SELECT node_id, node_name, address, host, port, pubkey, encrypt_pubkey, last_seen
		 FROM peers WHERE address = ?`, address)

	var p Peer
	err := row.Scan(&p.NodeID, &p.NodeName, &p.Address, &p.Host, &p.Port,
		&p.Pubkey, &p.EncryptPubkey, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query peer by address %s: %w", address, err)
	}
	return &p, nil
}

// QueueOutbox inserts an envelope into the retry queue as pending.
// Re-queueing the same msg_id replaces the prior entry.
func (m *Mailbox) QueueOutbox(e *message.Envelope) error {
	envJSON, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = m.db.Exec(
		`INSERT OR REPLACE INTO outbox_queue (msg_id, to_addr, envelope_json, status)
		 VALUES (?, ?, ?, 'pending')`,
		e.MsgID, e.ToAddr, string(envJSON),
	)
	if err != nil {
		return fmt.Errorf("queue outbox %s: %w", e.MsgID, err)
	}
	return nil
}

// GetPendingOutbox returns pending entries in insertion (FIFO) order.
func (m *Mailbox) GetPendingOutbox() ([]OutboxEntry, error) {
	rows, err := m.db.Query(
		`SELECT msg_id, to_addr, envelope_json, attempts, status
		 FROM outbox_queue WHERE status = 'pending' ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MsgID, &e.ToAddr, &e.EnvelopeJSON, &e.Attempts, &e.Status); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxSent marks an entry as sent so it is no longer retried.
func (m *Mailbox) MarkOutboxSent(msgID string) error {
	_, err := m.db.Exec(`UPDATE outbox_queue SET status = 'sent' WHERE msg_id = ?`, msgID)
	if err != nil {
		return fmt.Errorf("mark outbox sent %s: %w", msgID, err)
	}
	return nil
}

// MarkOutboxFailed records a failed attempt, leaving the entry pending.
func (m *Mailbox) MarkOutboxFailed(msgID string, attempts int) error {
	_, err := m.db.Exec(
		`UPDATE outbox_queue SET status = 'pending', attempts = ? WHERE msg_id = ?`,
		attempts, msgID)
	if err != nil {
		return fmt.Errorf("mark outbox failed %s: %w", msgID, err)
	}
	return nil
}
