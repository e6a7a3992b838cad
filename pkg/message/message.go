// Package message defines the AgentMail wire envelope and payload types.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the envelope protocol version.
	ProtocolVersion = 0

	// DefaultTTLSec is the default envelope lifetime (7 days).
	DefaultTTLSec = 604800
)

// Payload intents. IntentEncrypted is an on-the-wire sentinel used while a
// payload is sealed, not a user-facing intent.
const (
	IntentHumanMessage = "human_message"
	IntentTask         = "task"
	IntentNotify       = "notify"
	IntentAsk          = "ask"
	IntentToolCall     = "tool_call"
	IntentToolResult   = "tool_result"
	IntentEncrypted    = "encrypted"
)

// EncryptedSubject is the placeholder subject stored while the payload
// is sealed.
const EncryptedSubject = "[encrypted]"

// AgentInfo describes the agent behind a payload.
type AgentInfo struct {
	Name                  string   `json:"name"`
	Capabilities          []string `json:"capabilities"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
}

// Payload is the semantic content of an envelope, tagged by intent.
type Payload struct {
	Intent   string         `json:"intent"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Agent    *AgentInfo     `json:"agent,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Envelope is the outer message record with signature, routing, timing,
// and payload.
type Envelope struct {
	V         int     `json:"v"`
	MsgID     string  `json:"msg_id"`
	ThreadID  *string `json:"thread_id,omitempty"`
	FromAddr  string  `json:"from_addr"`
	ToAddr    string  `json:"to_addr"`
	SentAt    string  `json:"sent_at"`
	TTLSec    int     `json:"ttl_sec"`
	Signature string  `json:"signature,omitempty"`
	Encrypted bool    `json:"encrypted"`
	Payload   Payload `json:"payload"`
}

// NewMsgID returns a fresh unique message identifier.
func NewMsgID() string {
	return uuid.NewString()
}

// TimestampLayout renders envelope timestamps with exactly six
// fractional digits. Fixed width keeps lexicographic order equal to
// chronological order, which the message log relies on for sorting.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// NowISO returns the current UTC time in the envelope timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// NewEnvelope composes an unsigned envelope from sender to recipient.
func NewEnvelope(fromAddr, toAddr string, payload Payload) *Envelope {
	if payload.Intent == "" {
		payload.Intent = IntentHumanMessage
	}
	return &Envelope{
		V:        ProtocolVersion,
		MsgID:    NewMsgID(),
		FromAddr: fromAddr,
		ToAddr:   toAddr,
		SentAt:   NowISO(),
		TTLSec:   DefaultTTLSec,
		Payload:  payload,
	}
}

// SignBase returns the canonical signature pre-image for an envelope:
// "<msg_id>:<from_addr>:<to_addr>:<sent_at>".
func SignBase(e *Envelope) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s", e.MsgID, e.FromAddr, e.ToAddr, e.SentAt))
}

// DepositSignBase returns the pre-image a sender signs when depositing an
// envelope on a relay: "<msg_id>:<recipient_fingerprint>".
func DepositSignBase(msgID, recipientFingerprint string) []byte {
	return []byte(msgID + ":" + recipientFingerprint)
}

// ValidIntent reports whether intent is one of the known payload intents.
func ValidIntent(intent string) bool {
	switch intent {
	case IntentHumanMessage, IntentTask, IntentNotify, IntentAsk,
		IntentToolCall, IntentToolResult, IntentEncrypted:
		return true
	}
	return false
}

// Validate checks structural invariants of an inbound envelope.
func (e *Envelope) Validate() error {
	if e.MsgID == "" {
		return fmt.Errorf("msg_id: empty")
	}
	if e.FromAddr == "" {
		return fmt.Errorf("from_addr: empty")
	}
	if e.ToAddr == "" {
		return fmt.Errorf("to_addr: empty")
	}
	if e.TTLSec <= 0 {
		return fmt.Errorf("ttl_sec: %d, must be positive", e.TTLSec)
	}
	if !ValidIntent(e.Payload.Intent) {
		return fmt.Errorf("payload.intent: unknown intent %q", e.Payload.Intent)
	}
	return nil
}

// Marshal returns the envelope as canonical JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope from JSON.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &e, nil
}

// LocalPart extracts the directory-lookup name from an address:
// "kai@kai.local" → "kai". Addresses without "@" are treated as a bare name.
func LocalPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// AddressFor returns the canonical address for a node name:
// "<name>@<name>.local".
func AddressFor(nodeName string) string {
	return nodeName + "@" + nodeName + ".local"
}
