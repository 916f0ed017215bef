package regime

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Limits are the defaults a regime's rules compare against.
type Limits struct {
	DailyCap      decimal.Decimal `json:"daily_cap"`
	PerTxCap      decimal.Decimal `json:"per_tx_cap"`
	MaxTxPerDay   int             `json:"max_tx_per_day"`
	AllowedAssets []string        `json:"allowed_assets"`
	AllowedVenues []string        `json:"allowed_venues"`
}

// Regime is a named, versioned, compiled rule set.
// It is immutable once built; switching regimes builds a new one and swaps
// it atomically.
type Regime struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	RiskTier    string `json:"risk_tier"`
	Limits      Limits `json:"limits"`

	rules []*Rule // ascending priority, ties by ID
}

// Rules returns the enabled rules in evaluation order.
func (r *Regime) Rules() []*Rule {
	return r.rules
}

// RuleCount returns the number of enabled rules.
func (r *Regime) RuleCount() int {
	return len(r.rules)
}

// WithLimits returns a copy of r with the daily and per-transaction caps
// replaced. Zero values keep the current cap.
func (r *Regime) WithLimits(dailyCap, perTxCap decimal.Decimal) *Regime {
	cp := *r
	cp.Limits.AllowedAssets = append([]string(nil), r.Limits.AllowedAssets...)
	cp.Limits.AllowedVenues = append([]string(nil), r.Limits.AllowedVenues...)
	if !dailyCap.IsZero() {
		cp.Limits.DailyCap = dailyCap
	}
	if !perTxCap.IsZero() {
		cp.Limits.PerTxCap = perTxCap
	}
	return &cp
}

// Summary is a deterministic description of the regime. Its hash is embedded
// in every generated intent as the policy hash.
func (r *Regime) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "regime=%s@%s tier=%s daily_cap=%s per_tx_cap=%s max_tx=%d assets=%s venues=%s",
		r.Name, r.Version, r.RiskTier,
		r.Limits.DailyCap.String(), r.Limits.PerTxCap.String(), r.Limits.MaxTxPerDay,
		strings.Join(r.Limits.AllowedAssets, ","), strings.Join(r.Limits.AllowedVenues, ","))
	for _, rule := range r.rules {
		fmt.Fprintf(&b, ";%s:%s:%d:%s:%s", rule.ID, rule.Type, rule.Priority, rule.Action, rule.Source)
	}
	return b.String()
}
