// Package router is the node's routing state machine. It composes and
// signs outgoing envelopes, chooses a delivery path (direct peer, relay
// deposit, outbox retry), and processes inbound envelopes.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentmail-net/agentmail/pkg/identity"
	"github.com/agentmail-net/agentmail/pkg/mailbox"
	"github.com/agentmail-net/agentmail/pkg/message"
)

const (
	// DeliverTimeout bounds direct peer delivery and relay deposit/pickup.
	DeliverTimeout = 10 * time.Second

	// LookupTimeout bounds relay directory lookups and registration.
	LookupTimeout = 5 * time.Second
)

// Router routes messages to local peers or the relay.
type Router struct {
	identity    *identity.Identity
	mailbox     *mailbox.Mailbox
	nodeAddress string
	relayURL    string

	deliverClient *http.Client
	lookupClient  *http.Client
}

// New creates a Router. relayURL may be empty to run LAN-only.
func New(id *identity.Identity, mb *mailbox.Mailbox, nodeAddress, relayURL string) *Router {
	return &Router{
		identity:      id,
		mailbox:       mb,
		nodeAddress:   nodeAddress,
		relayURL:      strings.TrimRight(relayURL, "/"),
		deliverClient: &http.Client{Timeout: DeliverTimeout},
		lookupClient:  &http.Client{Timeout: LookupTimeout},
	}
}

// RelayConfigured reports whether a relay URL is set.
func (r *Router) RelayConfigured() bool {
	return r.relayURL != ""
}

// Send composes, signs, and delivers a message.
//
// Routing order:
//  1. known peer reachable  → direct P2P
//  2. peer known, unreachable, relay configured → relay deposit
//  3. otherwise → outbox queue for retry
func (r *Router) Send(toAddr, subject, body, intent string, encrypt bool) (*message.Envelope, error) {
	env := message.NewEnvelope(r.nodeAddress, toAddr, message.Payload{
		Intent:  intent,
		Subject: subject,
		Body:    body,
	})
	env.Signature = r.identity.Sign(message.SignBase(env))

	peer, err := r.mailbox.GetPeerByAddress(toAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}

	// Unknown locally: the relay directory may know the name.
	if peer == nil && r.relayURL != "" {
		peer = r.lookupFromRelay(toAddr)
	}

	if peer != nil && encrypt {
		if peer.EncryptPubkey != "" {
			if err := sealPayload(env, peer.EncryptPubkey); err != nil {
				return nil, err
			}
		} else {
			log.Printf("[Router] no encryption key for %s, sending in the clear", toAddr)
		}
	}

	if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusSending); err != nil {
		return nil, err
	}
	metricSent.Add(context.Background(), 1)

	delivered := false
	if peer != nil {
		delivered = r.deliverToPeer(env, peer)
	}

	if !delivered && r.relayURL != "" && peer != nil {
		if r.depositToRelay(env, peer) {
			if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusRelayed); err != nil {
				return nil, err
			}
			metricRelayed.Add(context.Background(), 1)
			return env, nil
		}
	}

	if delivered {
		if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusDelivered); err != nil {
			return nil, err
		}
		metricDelivered.Add(context.Background(), 1)
		return env, nil
	}

	if err := r.mailbox.QueueOutbox(env); err != nil {
		return nil, err
	}
	if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusQueued); err != nil {
		return nil, err
	}
	metricQueued.Add(context.Background(), 1)
	log.Printf("[Router] peer not reachable, queued message %s", env.MsgID)
	return env, nil
}

// sealPayload replaces the envelope payload with its sealed form.
func sealPayload(env *message.Envelope, encryptPubkey string) error {
	plaintext, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	sealed, err := identity.Seal(plaintext, encryptPubkey)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	env.Payload = message.Payload{
		Intent:  message.IntentEncrypted,
		Subject: message.EncryptedSubject,
		Body:    sealed,
	}
	env.Encrypted = true
	return nil
}

// Receive processes an incoming envelope: verify, open, deduplicate,
// persist inbound. Re-receipt of a known inbound msg_id is a no-op.
func (r *Router) Receive(env *message.Envelope) error {
	if env.Signature != "" {
		peer, err := r.mailbox.GetPeerByAddress(env.FromAddr)
		if err != nil {
			return fmt.Errorf("resolve sender: %w", err)
		}
		if peer != nil {
			if !identity.Verify(message.SignBase(env), env.Signature, peer.Pubkey) {
				// Accept anyway: dropping signed-but-unverifiable mail
				// during peer churn would silently lose messages.
				log.Printf("[Router] invalid signature on message %s from %s", env.MsgID, env.FromAddr)
				metricBadSignatures.Add(context.Background(), 1)
			}
		} else {
			log.Printf("[Router] no key cached for %s, accepting %s unverified", env.FromAddr, env.MsgID)
		}
	}

	if env.Encrypted && env.Payload.Intent == message.IntentEncrypted {
		if plaintext, err := r.identity.Open(env.Payload.Body); err != nil {
			// Keep the sealed form; a later key rotation or operator
			// inspection can still recover it.
			log.Printf("[Router] failed to decrypt message %s: %v", env.MsgID, err)
		} else {
			var payload message.Payload
			if err := json.Unmarshal(plaintext, &payload); err != nil {
				log.Printf("[Router] sealed payload of %s is not valid JSON: %v", env.MsgID, err)
			} else {
				env.Payload = payload
				env.Encrypted = false
			}
		}
	}

	existing, err := r.mailbox.GetMessage(env.MsgID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Direction == mailbox.DirectionInbound {
		return nil
	}

	if err := r.mailbox.StoreMessage(env, mailbox.DirectionInbound, mailbox.StatusDelivered); err != nil {
		return err
	}
	metricReceived.Add(context.Background(), 1)
	log.Printf("[Router] received message %s from %s", env.MsgID, env.FromAddr)
	return nil
}

// RetryQueued drains pending outbox entries in FIFO order, trying direct
// delivery, then relay. A single worker drains the queue so per-destination
// order is preserved.
func (r *Router) RetryQueued() error {
	pending, err := r.mailbox.GetPendingOutbox()
	if err != nil {
		return err
	}
	for _, item := range pending {
		env, err := message.Unmarshal([]byte(item.EnvelopeJSON))
		if err != nil {
			log.Printf("[Router] corrupt outbox entry %s: %v", item.MsgID, err)
			continue
		}
		peer, err := r.mailbox.GetPeerByAddress(env.ToAddr)
		if err != nil {
			return err
		}
		if peer == nil {
			if err := r.mailbox.MarkOutboxFailed(env.MsgID, item.Attempts+1); err != nil {
				return err
			}
			continue
		}

		if r.deliverToPeer(env, peer) {
			if err := r.mailbox.MarkOutboxSent(env.MsgID); err != nil {
				return err
			}
			if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusDelivered); err != nil {
				return err
			}
			metricDelivered.Add(context.Background(), 1)
			log.Printf("[Router] retry succeeded for %s", env.MsgID)
			continue
		}
		if r.relayURL != "" && r.depositToRelay(env, peer) {
			if err := r.mailbox.MarkOutboxSent(env.MsgID); err != nil {
				return err
			}
			if err := r.mailbox.StoreMessage(env, mailbox.DirectionOutbound, mailbox.StatusRelayed); err != nil {
				return err
			}
			metricRelayed.Add(context.Background(), 1)
			continue
		}
		if err := r.mailbox.MarkOutboxFailed(env.MsgID, item.Attempts+1); err != nil {
			return err
		}
		metricRetryFailures.Add(context.Background(), 1)
	}
	return nil
}

// PullFromRelay fetches waiting messages for this node, feeds them through
// the receive path, and acknowledges the ones that were processed. Only
// acknowledged ids are deleted server-side.
func (r *Router) PullFromRelay() error {
	if r.relayURL == "" {
		return nil
	}
	fp := r.identity.Fingerprint()
	resp, err := r.deliverClient.Get(r.relayURL + "/v0/pickup/" + url.PathEscape(fp))
	if err != nil {
		return fmt.Errorf("relay pickup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay pickup: status %d", resp.StatusCode)
	}

	var pickup struct {
		Messages []struct {
			MsgID             string `json:"msg_id"`
			SenderFingerprint string `json:"sender_fingerprint"`
			EncryptedEnvelope string `json:"encrypted_envelope"`
		} `json:"messages"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pickup); err != nil {
		return fmt.Errorf("decode pickup response: %w", err)
	}
	if len(pickup.Messages) == 0 {
		return nil
	}

	var ackedIDs []string
	for _, msg := range pickup.Messages {
		env, err := message.Unmarshal([]byte(msg.EncryptedEnvelope))
		if err != nil {
			log.Printf("[Router] failed to parse relay message %s: %v", msg.MsgID, err)
			continue
		}
		if err := r.Receive(env); err != nil {
			log.Printf("[Router] failed to process relay message %s: %v", msg.MsgID, err)
			continue
		}
		ackedIDs = append(ackedIDs, msg.MsgID)
		log.Printf("[Router] pulled %s from relay", msg.MsgID)
	}

	if len(ackedIDs) > 0 {
		if err := r.ackRelay(fp, ackedIDs); err != nil {
			// Unacked messages stay on the relay for the next tick;
			// re-receipt is idempotent.
			log.Printf("[Router] relay ack failed: %v", err)
		} else {
			log.Printf("[Router] acknowledged %d messages from relay", len(ackedIDs))
		}
	}
	return nil
}

func (r *Router) ackRelay(fp string, msgIDs []string) error {
	body, err := json.Marshal(map[string][]string{"msg_ids": msgIDs})
	if err != nil {
		return err
	}
	resp, err := r.deliverClient.Post(
		r.relayURL+"/v0/ack/"+url.PathEscape(fp), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// RegisterOnRelay publishes this node's name and keys to the relay
// directory so other nodes can resolve it by name.
func (r *Router) RegisterOnRelay(nodeName string) error {
	if r.relayURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"name":           nodeName,
		"fingerprint":    r.identity.Fingerprint(),
		"pubkey":         r.identity.PubkeyB64(),
		"encrypt_pubkey": r.identity.EncryptPubkeyB64(),
	})
	if err != nil {
		return err
	}
	resp, err := r.lookupClient.Post(r.relayURL+"/v0/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay register: status %d", resp.StatusCode)
	}
	return nil
}

// lookupFromRelay resolves a name from the relay directory and caches the
// result as a peer. The cached record has no host/port: such peers route
// via relay only. Failures are non-fatal.
func (r *Router) lookupFromRelay(toAddr string) *mailbox.Peer {
	name := message.LocalPart(toAddr)
	resp, err := r.lookupClient.Get(r.relayURL + "/v0/lookup/" + url.PathEscape(name))
	if err != nil {
		log.Printf("[Router] relay lookup failed: %v", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var entry struct {
		Fingerprint   string `json:"fingerprint"`
		Pubkey        string `json:"pubkey"`
		EncryptPubkey string `json:"encrypt_pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		log.Printf("[Router] bad lookup response for %s: %v", name, err)
		return nil
	}

	peer := &mailbox.Peer{
		NodeID:        entry.Fingerprint,
		NodeName:      name,
		Address:       toAddr,
		Host:          "",
		Port:          0,
		Pubkey:        entry.Pubkey,
		EncryptPubkey: entry.EncryptPubkey,
		LastSeen:      message.NowISO(),
	}
	if err := r.mailbox.UpsertPeer(peer); err != nil {
		log.Printf("[Router] failed to cache peer %s: %v", name, err)
		return nil
	}
	log.Printf("[Router] resolved %q from relay directory", name)
	return peer
}

// deliverToPeer attempts a direct HTTP delivery to the peer's inbox.
func (r *Router) deliverToPeer(env *message.Envelope, peer *mailbox.Peer) bool {
	if peer.Host == "" || peer.Port == 0 {
		return false
	}
	body, err := env.Marshal()
	if err != nil {
		log.Printf("[Router] marshal envelope %s: %v", env.MsgID, err)
		return false
	}
	addr := fmt.Sprintf("http://%s/v0/inbox", net.JoinHostPort(peer.Host, fmt.Sprint(peer.Port)))
	resp, err := r.deliverClient.Post(addr, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Router] could not reach peer %s: %v", peer.Address, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Router] delivery of %s failed: status %d", env.MsgID, resp.StatusCode)
		return false
	}
	log.Printf("[Router] delivered %s to %s:%d", env.MsgID, peer.Host, peer.Port)
	return true
}

// depositToRelay stores an envelope on the relay for an offline recipient.
// The recipient routing handle is recomputed from the peer's signing key
// so it stays independent of human names.
func (r *Router) depositToRelay(env *message.Envelope, peer *mailbox.Peer) bool {
	recipientFP, err := identity.FingerprintB64(peer.Pubkey)
	if err != nil {
		log.Printf("[Router] cannot derive relay handle for %s: %v", peer.Address, err)
		return false
	}
	envJSON, err := env.Marshal()
	if err != nil {
		log.Printf("[Router] marshal envelope %s: %v", env.MsgID, err)
		return false
	}
	payload := map[string]any{
		"msg_id":                env.MsgID,
		"recipient_fingerprint": recipientFP,
		"sender_fingerprint":    r.identity.Fingerprint(),
		"encrypted_envelope":    string(envJSON),
		"signature":             r.identity.Sign(message.DepositSignBase(env.MsgID, recipientFP)),
		"ttl_sec":               env.TTLSec,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	resp, err := r.deliverClient.Post(r.relayURL+"/v0/deposit", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Router] could not reach relay: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Router] relay deposit of %s failed: status %d", env.MsgID, resp.StatusCode)
		return false
	}
	log.Printf("[Router] deposited %s on relay for %s", env.MsgID, recipientFP)
	return true
}
