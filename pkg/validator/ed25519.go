package validator

import (
	"crypto/ed25519"
	"encoding/base64"
	"sync"
)

// Ed25519Verifier verifies node signatures against a configured set of
// per-node_id Ed25519 public keys, registered out of band (e.g. from the
// node's announced `information` field or an operator-maintained roster).
type Ed25519Verifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier creates a verifier with no registered keys. Use
// AddPublicKey to register node identities.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{keys: make(map[string]ed25519.PublicKey)}
}

// AddPublicKey registers a base64-encoded Ed25519 public key for nodeID.
func (v *Ed25519Verifier) AddPublicKey(nodeID string, rawKeyBase64 string) error {
	key, err := base64.StdEncoding.DecodeString(rawKeyBase64)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.keys[nodeID] = ed25519.PublicKey(key)

	return nil
}

// Verify checks that sig is a valid base64-encoded Ed25519 signature over
// body, produced by the key registered for nodeID. Unknown nodeIDs never
// verify.
func (v *Ed25519Verifier) Verify(nodeID, sig, body string) bool {
	v.mu.RLock()
	key, ok := v.keys[nodeID]
	v.mu.RUnlock()

	if !ok {
		return false
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	return ed25519.Verify(key, []byte(body), sigBytes)
}
