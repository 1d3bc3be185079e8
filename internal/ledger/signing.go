package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// SignerKind distinguishes the two signing variants spec §9 calls for.
// A systems-language port of the source's "Mock signature service"
// resists growing a third variant ad hoc: real deployments bind
// SignerEd25519, tests bind SignerNone, and nothing else is supported
// without a deliberate addition here.
type SignerKind int

const (
	SignerNone SignerKind = iota
	SignerEd25519
)

// Signer binds an event's hash to a key, or does nothing (SignerNone).
// Non-repudiation is optional per spec §3 (`signature?`, `signer_id?`).
type Signer interface {
	Kind() SignerKind
	SignerID() string
	Sign(payload []byte) (signature []byte, err error)
}

// NoneSigner never produces a signature.
type NoneSigner struct{}

func (NoneSigner) Kind() SignerKind               { return SignerNone }
func (NoneSigner) SignerID() string                { return "" }
func (NoneSigner) Sign([]byte) ([]byte, error)     { return nil, nil }

// Ed25519Signer signs the event hash with a private key bound to a
// signer id at construction.
type Ed25519Signer struct {
	signerID string
	priv     ed25519.PrivateKey
}

func NewEd25519Signer(signerID string, priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ledger: invalid ed25519 private key length %d", len(priv))
	}
	if signerID == "" {
		return nil, errors.New("ledger: signer id must not be empty")
	}
	return &Ed25519Signer{signerID: signerID, priv: priv}, nil
}

func (s *Ed25519Signer) Kind() SignerKind    { return SignerEd25519 }
func (s *Ed25519Signer) SignerID() string     { return s.signerID }

func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

// KeyRegistry is a read-only-after-initialization lookup from signer id
// to public key whose Verify checks a signer's signature (spec §9). The
// replication inbound path does not call it, so federated events'
// signatures are not verified. Construction copies the supplied map so a caller mutating
// their own map afterward cannot mutate the registry.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRegistry(initial map[string]ed25519.PublicKey) *KeyRegistry {
	cp := make(map[string]ed25519.PublicKey, len(initial))
	for k, v := range initial {
		cp[k] = v
	}
	return &KeyRegistry{keys: cp}
}

// Verify reports whether sig is a valid Ed25519 signature over payload
// under the public key registered for signerID. An unknown signerID
// never verifies.
func (r *KeyRegistry) Verify(signerID string, payload, sig []byte) bool {
	r.mu.RLock()
	pub, ok := r.keys[signerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// Register adds or replaces a key. Deployments call this only during
// startup/rotation windows; steady-state traffic only ever calls Verify.
func (r *KeyRegistry) Register(signerID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signerID] = pub
}
