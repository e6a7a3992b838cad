// Package identity implements a node's cryptographic identity.
//
// Each node holds a single Ed25519 signing keypair; the Curve25519
// encryption keypair is derived from it, so one seed defines both.
// Signatures prove message origin, sealed boxes give recipient-only
// confidentiality without any prior session state.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/nacl/box"
)

// FingerprintLen is the number of URL-safe base64 characters of the
// verify key used as the relay routing handle.
const FingerprintLen = 16

// Identity is a node's signing keypair plus the derived encryption keypair.
type Identity struct {
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	encryptPriv [32]byte
	encryptPub  [32]byte
}

type identityFile struct {
	SigningSeed   string `json:"signing_seed"`
	VerifyKey     string `json:"verify_key"`
	EncryptPubkey string `json:"encrypt_pubkey"`
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return fromSigningKey(priv)
}

// FromSeed reconstructs an identity from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	return fromSigningKey(ed25519.NewKeyFromSeed(seed))
}

func fromSigningKey(priv ed25519.PrivateKey) (*Identity, error) {
	id := &Identity{
		signingKey: priv,
		verifyKey:  priv.Public().(ed25519.PublicKey),
	}

	// Curve25519 private key: clamped SHA-512 prefix of the seed,
	// matching the standard Ed25519→X25519 transform.
	h := sha512.Sum512(priv.Seed())
	copy(id.encryptPriv[:], h[:32])
	id.encryptPriv[0] &= 248
	id.encryptPriv[31] &= 127
	id.encryptPriv[31] |= 64

	// Curve25519 public key: Montgomery form of the Edwards point.
	p, err := new(edwards25519.Point).SetBytes(id.verifyKey)
	if err != nil {
		return nil, fmt.Errorf("convert verify key: %w", err)
	}
	copy(id.encryptPub[:], p.BytesMontgomery())

	return id, nil
}

// Load reads an identity file written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(f.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return FromSeed(seed)
}

// Save writes the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f := identityFile{
		SigningSeed:   base64.StdEncoding.EncodeToString(id.signingKey.Seed()),
		VerifyKey:     id.PubkeyB64(),
		EncryptPubkey: id.EncryptPubkeyB64(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadOrCreate loads the identity at path, generating and persisting a
// new one if the file does not exist. Once created the file is immutable.
func LoadOrCreate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// PubkeyB64 returns the base64 verify key.
func (id *Identity) PubkeyB64() string {
	return base64.StdEncoding.EncodeToString(id.verifyKey)
}

// EncryptPubkeyB64 returns the base64 Curve25519 public key.
func (id *Identity) EncryptPubkeyB64() string {
	return base64.StdEncoding.EncodeToString(id.encryptPub[:])
}

// Fingerprint returns the short URL-safe routing handle for this identity.
// It is stable across restarts for a given identity file.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.verifyKey)
}

// Fingerprint computes the routing handle for any verify key: the first
// FingerprintLen characters of its URL-safe base64 encoding.
func Fingerprint(verifyKey []byte) string {
	return base64.URLEncoding.EncodeToString(verifyKey)[:FingerprintLen]
}

// FingerprintB64 computes the routing handle from a std-base64 verify key,
// as cached in peer records. The URL-safe re-encoding keeps relay handles
// independent of how the key was transported.
func FingerprintB64(pubkeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return "", fmt.Errorf("decode pubkey: %w", err)
	}
	if len(raw) < 12 {
		return "", fmt.Errorf("pubkey too short: %d bytes", len(raw))
	}
	return Fingerprint(raw), nil
}

// Sign returns a detached base64 signature over data.
func (id *Identity) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.signingKey, data))
}

// Verify checks a detached signature. It is stateless and returns false
// for any structural or cryptographic failure.
func Verify(data []byte, signatureB64, pubkeyB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// Seal encrypts plaintext for a recipient using an anonymous sealed box.
// An ephemeral keypair seals to the recipient's Curve25519 key; the
// ciphertext does not reveal the sender.
func Seal(plaintext []byte, recipientEncPubkeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(recipientEncPubkeyB64)
	if err != nil {
		return "", fmt.Errorf("decode recipient key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("recipient key length %d, want 32", len(raw))
	}
	var pub [32]byte
	copy(pub[:], raw)
	sealed, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed box addressed to this identity.
func (id *Identity) Open(ciphertextB64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, ok := box.OpenAnonymous(nil, sealed, &id.encryptPub, &id.encryptPriv)
	if !ok {
		return nil, fmt.Errorf("sealed box not addressed to this node")
	}
	return plaintext, nil
}
