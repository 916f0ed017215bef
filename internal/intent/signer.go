package intent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AlgorithmEd25519 tags signatures produced by Ed25519Signer.
const AlgorithmEd25519 = "ed25519"

// Signer attaches a signature to an intent snapshot.
type Signer interface {
	Sign(in *Intent) (*SignedIntent, error)
	Verify(si *SignedIntent) bool
}

// Ed25519Signer signs canonical intent bytes with an in-process key. Real
// key custody belongs behind this interface in a deployment.
type Ed25519Signer struct {
	identity string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// NewEd25519Signer creates a signer from a 32-byte seed, or a random key
// when seed is nil.
func NewEd25519Signer(identity string, seed []byte) (*Ed25519Signer, error) {
	var priv ed25519.PrivateKey
	switch {
	case seed == nil:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signer: generate key: %w", err)
		}
		priv = k
	case len(seed) == ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(seed)
	default:
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{
		identity: identity,
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKey returns the hex-encoded verification key.
func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

// Sign implements Signer.
func (s *Ed25519Signer) Sign(in *Intent) (*SignedIntent, error) {
	snap := in.Clone()
	msg, err := CanonicalBytes(snap)
	if err != nil {
		return nil, err
	}
	return &SignedIntent{
		Intent:    *snap,
		Signature: hex.EncodeToString(ed25519.Sign(s.priv, msg)),
		Signer:    s.identity,
		Algorithm: AlgorithmEd25519,
	}, nil
}

// Verify implements Signer.
func (s *Ed25519Signer) Verify(si *SignedIntent) bool {
	if si.Algorithm != AlgorithmEd25519 || si.Signer != s.identity {
		return false
	}
	sig, err := hex.DecodeString(si.Signature)
	if err != nil {
		return false
	}
	msg, err := CanonicalBytes(&si.Intent)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, msg, sig)
}
