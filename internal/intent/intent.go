package intent

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusAttested  Status = "attested"
	StatusRouting   Status = "routing"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// transitions lists the legal successors of every non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:   {StatusValidated, StatusRejected, StatusExpired, StatusFailed},
	StatusValidated: {StatusAttested, StatusRejected, StatusFailed},
	StatusAttested:  {StatusRouting, StatusFailed},
	StatusRouting:   {StatusSettled, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TimeInForce is the optional fill policy of an intent.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc" // good till cancelled
	TimeInForceIOC TimeInForce = "ioc" // immediate or cancel
	TimeInForceFOK TimeInForce = "fok" // fill or kill
)

// Constraints bound how an intent may be settled.
type Constraints struct {
	MaxFee      decimal.Decimal `json:"max_fee"`
	SlippageBps int             `json:"slippage_bps"`
	TargetVenue string          `json:"target_venue,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
}

// Proofs tie an intent back to the context and policy that produced it.
type Proofs struct {
	ContextHash string    `json:"context_hash"`
	PolicyHash  string    `json:"policy_hash"`
	ModelHash   string    `json:"model_hash"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Intent is a structured payment request awaiting validation and settlement.
type Intent struct {
	ID          string            `json:"id"`
	Payer       string            `json:"payer"`
	Payee       string            `json:"payee"`
	Amount      decimal.Decimal   `json:"amount"`
	Asset       string            `json:"asset"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Constraints Constraints       `json:"constraints"`
	Proofs      Proofs            `json:"proofs"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the intent is past its expiry at now.
func (in *Intent) Expired(now time.Time) bool {
	return !in.ExpiresAt.IsZero() && !now.Before(in.ExpiresAt)
}

// Clone returns a deep copy; metadata is not shared.
func (in *Intent) Clone() *Intent {
	cp := *in
	if in.Metadata != nil {
		cp.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SignedIntent wraps an intent snapshot with its signature. It is never
// mutated after signing.
type SignedIntent struct {
	Intent    Intent `json:"intent"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Algorithm string `json:"algorithm"`
}
