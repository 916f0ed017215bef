package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a generated intent stays valid when the request
// does not say.
const DefaultTTL = 15 * time.Minute

// Request is the structured payment suggestion handed to the pipeline. The
// natural-language step that produced it is outside this module; Prompt
// only feeds the context hash.
type Request struct {
	Payer       string            `json:"payer"`
	Payee       string            `json:"payee"`
	Amount      string            `json:"amount"`
	Asset       string            `json:"asset"`
	Venue       string            `json:"venue,omitempty"`
	MaxFee      string            `json:"max_fee,omitempty"`
	SlippageBps int               `json:"slippage_bps,omitempty"`
	TimeInForce TimeInForce       `json:"time_in_force,omitempty"`
	TTL         time.Duration     `json:"ttl,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Generator turns a request into a pending intent. Implementations must
// populate Proofs.PolicyHash.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Intent, error)
}

// StructuredGenerator builds intents directly from structured requests.
type StructuredGenerator struct {
	// PolicySummary returns a description of the active policy; its hash
	// becomes Proofs.PolicyHash.
	PolicySummary func() string
	// ModelID identifies the decisioning model that produced requests.
	ModelID string
	Now     func() time.Time
}

// ErrNoPolicySummary is returned when the generator cannot produce a policy hash.
var ErrNoPolicySummary = errors.New("intent generator: policy summary is empty")

// Generate implements Generator.
func (g *StructuredGenerator) Generate(_ context.Context, req Request) (*Intent, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, fmt.Errorf("intent generator: amount %q: %w", req.Amount, err)
	}
	maxFee := decimal.Zero
	if req.MaxFee != "" {
		if maxFee, err = decimal.NewFromString(req.MaxFee); err != nil {
			return nil, fmt.Errorf("intent generator: max_fee %q: %w", req.MaxFee, err)
		}
	}
	summary := ""
	if g.PolicySummary != nil {
		summary = g.PolicySummary()
	}
	if summary == "" {
		return nil, ErrNoPolicySummary
	}
	ctxJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("intent generator: context: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	created := now().UTC()
	in := &Intent{
		ID:        uuid.NewString(),
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    amount,
		Asset:     strings.ToUpper(strings.TrimSpace(req.Asset)),
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
		Constraints: Constraints{
			MaxFee:      maxFee,
			SlippageBps: req.SlippageBps,
			TargetVenue: req.Venue,
			TimeInForce: req.TimeInForce,
		},
		Proofs: Proofs{
			ContextHash: HashBytes(ctxJSON),
			PolicyHash:  HashString(summary),
			ModelHash:   HashString(g.ModelID),
			ComputedAt:  created,
		},
		Status:   StatusPending,
		Metadata: req.Metadata,
	}
	return in, nil
}
