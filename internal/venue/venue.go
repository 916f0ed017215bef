// Package venue selects a settlement venue for an intent and executes it
// with ordered fallback.
package venue

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/config"
)

// Type is the kind of settlement network a venue reaches.
type Type string

const (
	TypeLedger      Type = "ledger"
	TypeInterledger Type = "interledger"
	TypeSimulated   Type = "simulated"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Venue is a configured settlement destination.
type Venue struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      Type            `json:"type"`
	Enabled   bool            `json:"enabled"`
	Priority  int             `json:"priority"` // lower runs first
	MaxAmount decimal.Decimal `json:"max_amount"`
	BaseFee   decimal.Decimal `json:"base_fee"`
	FeeBps    int64           `json:"fee_bps"`
	Latency   time.Duration   `json:"latency"`
	Assets    []string        `json:"assets,omitempty"` // empty = any asset
}

// EstimateFee is the base fee plus the proportional fee on amount.
func (v Venue) EstimateFee(amount decimal.Decimal) decimal.Decimal {
	return v.BaseFee.Add(amount.Mul(decimal.NewFromInt(v.FeeBps)).Div(bpsDivisor))
}

// Supports reports whether the venue settles asset.
func (v Venue) Supports(asset string) bool {
	if len(v.Assets) == 0 {
		return true
	}
	for _, a := range v.Assets {
		if strings.EqualFold(a, asset) {
			return true
		}
	}
	return false
}

func (v Venue) clone() Venue {
	v.Assets = append([]string(nil), v.Assets...)
	return v
}

// FromConfig converts venue definitions.
func FromConfig(defs []config.VenueDef) []Venue {
	out := make([]Venue, 0, len(defs))
	for _, d := range defs {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out = append(out, Venue{
			ID:        d.ID,
			Name:      name,
			Type:      Type(d.Type),
			Enabled:   d.Enabled,
			Priority:  d.Priority,
			MaxAmount: d.MaxAmount,
			BaseFee:   d.BaseFee,
			FeeBps:    d.FeeBps,
			Latency:   d.Latency,
			Assets:    append([]string(nil), d.Assets...),
		})
	}
	return out
}
