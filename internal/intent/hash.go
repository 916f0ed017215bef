package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// canonicalIntent fixes the field order and formats used for signing and
// leaf hashing. Status is excluded: it changes after signing.
type canonicalIntent struct {
	ID          string            `json:"id"`
	Payer       string            `json:"payer"`
	Payee       string            `json:"payee"`
	Amount      string            `json:"amount"`
	Asset       string            `json:"asset"`
	CreatedAt   string            `json:"created_at"`
	ExpiresAt   string            `json:"expires_at"`
	MaxFee      string            `json:"max_fee"`
	SlippageBps int               `json:"slippage_bps"`
	TargetVenue string            `json:"target_venue"`
	TimeInForce string            `json:"time_in_force"`
	ContextHash string            `json:"context_hash"`
	PolicyHash  string            `json:"policy_hash"`
	ModelHash   string            `json:"model_hash"`
	ComputedAt  string            `json:"computed_at"`
	Metadata    map[string]string `json:"metadata"`
}

func canonicalOf(in *Intent) canonicalIntent {
	return canonicalIntent{
		ID:          in.ID,
		Payer:       in.Payer,
		Payee:       in.Payee,
		Amount:      in.Amount.String(),
		Asset:       in.Asset,
		CreatedAt:   in.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:   in.ExpiresAt.UTC().Format(time.RFC3339Nano),
		MaxFee:      in.Constraints.MaxFee.String(),
		SlippageBps: in.Constraints.SlippageBps,
		TargetVenue: in.Constraints.TargetVenue,
		TimeInForce: string(in.Constraints.TimeInForce),
		ContextHash: in.Proofs.ContextHash,
		PolicyHash:  in.Proofs.PolicyHash,
		ModelHash:   in.Proofs.ModelHash,
		ComputedAt:  in.Proofs.ComputedAt.UTC().Format(time.RFC3339Nano),
		Metadata:    in.Metadata,
	}
}

// CanonicalBytes is the deterministic serialization of the intent that gets
// signed. encoding/json sorts map keys, so metadata order is stable.
func CanonicalBytes(in *Intent) ([]byte, error) {
	b, err := json.Marshal(canonicalOf(in))
	if err != nil {
		return nil, fmt.Errorf("canonical intent %s: %w", in.ID, err)
	}
	return b, nil
}

// Canonical is the deterministic serialization of the signed intent used as
// a Merkle leaf.
func (s *SignedIntent) Canonical() ([]byte, error) {
	b, err := json.Marshal(struct {
		Intent    canonicalIntent `json:"intent"`
		Signature string          `json:"signature"`
		Signer    string          `json:"signer"`
		Algorithm string          `json:"algorithm"`
	}{canonicalOf(&s.Intent), s.Signature, s.Signer, s.Algorithm})
	if err != nil {
		return nil, fmt.Errorf("canonical signed intent %s: %w", s.Intent.ID, err)
	}
	return b, nil
}

// LeafHash is the hex SHA-256 of Canonical.
func (s *SignedIntent) LeafHash() (string, error) {
	b, err := s.Canonical()
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex SHA-256 digest of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

var placeholderHashes = map[string]struct{}{
	"":            {},
	"0x":          {},
	"placeholder": {},
	"pending":     {},
	"todo":        {},
	"none":        {},
	"null":        {},
}

// IsPlaceholderHash reports whether h is empty or a stand-in value rather
// than a real digest.
func IsPlaceholderHash(h string) bool {
	h = strings.ToLower(strings.TrimSpace(h))
	if _, ok := placeholderHashes[h]; ok {
		return true
	}
	h = strings.TrimPrefix(h, "0x")
	return strings.Trim(h, "0") == ""
}
