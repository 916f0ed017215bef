package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/condition"
)

var (
	ruleTypes   = set("limit", "allowlist", "blocklist", "time", "frequency", "risk", "custom")
	ruleActions = set("block", "warn", "flag", "allow")
	venueTypes  = set("ledger", "interledger", "simulated")
	modes       = set("test", "live")
	caches      = set("memory", "redis")
)

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func in(m map[string]struct{}, v string) bool {
	_, ok := m[v]
	return ok
}

// Validate checks the config for:
//   - Required fields and known enum values
//   - Duplicate rule and venue IDs
//   - Rule conditions that name a known operator
//   - Non-negative limits and a concentration percentage within (0, 100]
func Validate(cfg *PipelineConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if !in(modes, cfg.Mode) {
		errs = append(errs, fmt.Sprintf("mode %q must be one of test, live", cfg.Mode))
	}
	if cfg.Regime.Custom != nil {
		errs = append(errs, regimeErrors(cfg.Regime.Custom, "regime.custom")...)
	} else if cfg.Regime.Preset == "" {
		errs = append(errs, "regime: one of preset/custom must be set")
	}

	lim := cfg.Limits
	for name, d := range map[string]decimal.Decimal{
		"daily_cap": lim.DailyCap, "per_tx_cap": lim.PerTxCap, "divergence_multiple": lim.DivergenceMultiple,
	} {
		if d.IsNegative() {
			errs = append(errs, fmt.Sprintf("limits.%s must not be negative", name))
		}
	}
	if !lim.ConcentrationPct.IsPositive() || lim.ConcentrationPct.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "limits.concentration_pct must be within (0, 100]")
	}
	if cfg.Batching.Size < 1 {
		errs = append(errs, "batching.size must be at least 1")
	}

	ids := make(map[string]int)
	for i, v := range cfg.Venues {
		loc := fmt.Sprintf("venues[%d]", i)
		if v.ID == "" {
			errs = append(errs, loc+": id is required")
			continue
		}
		if prev, ok := ids[v.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate venue id %q (venues[%d] and %s)", v.ID, prev, loc))
		}
		ids[v.ID] = i
		if !in(venueTypes, v.Type) {
			errs = append(errs, fmt.Sprintf("venue %s: type %q must be one of ledger, interledger, simulated", v.ID, v.Type))
		}
		if v.Priority < 0 {
			errs = append(errs, fmt.Sprintf("venue %s: priority must not be negative", v.ID))
		}
		if v.FailureRate < 0 || v.FailureRate > 1 {
			errs = append(errs, fmt.Sprintf("venue %s: failure_rate must be within [0, 1]", v.ID))
		}
	}

	if !in(caches, cfg.Ledger.Cache) {
		errs = append(errs, fmt.Sprintf("ledger.cache %q must be one of memory, redis", cfg.Ledger.Cache))
	}
	if cfg.Ledger.Cache == "redis" && cfg.Ledger.RedisAddr == "" {
		errs = append(errs, "ledger.redis_addr is required when ledger.cache is redis")
	}
	for i, lot := range cfg.Ledger.OpeningLots {
		if lot.Asset == "" || !lot.Quantity.IsPositive() || lot.CostBasis.IsNegative() {
			errs = append(errs, fmt.Sprintf("ledger.opening_lots[%d]: asset, positive quantity and non-negative cost_basis are required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateRegime checks a single regime definition.
func ValidateRegime(def *RegimeDef) error {
	if errs := regimeErrors(def, "regime "+def.Name); len(errs) > 0 {
		return fmt.Errorf("regime validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func regimeErrors(def *RegimeDef, loc string) []string {
	var errs []string
	if def.Name == "" {
		errs = append(errs, loc+": name is required")
	}
	if def.Limits.DailyCap.IsNegative() || def.Limits.PerTxCap.IsNegative() {
		errs = append(errs, loc+": limits must not be negative")
	}
	ids := make(map[string]struct{})
	for i, r := range def.Rules {
		rloc := fmt.Sprintf("%s.rules[%d]", loc, i)
		if r.ID == "" {
			errs = append(errs, rloc+": id is required")
			continue
		}
		rloc = fmt.Sprintf("%s rule %s", loc, r.ID)
		if _, dup := ids[r.ID]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate rule id", rloc))
		}
		ids[r.ID] = struct{}{}
		if !in(ruleTypes, r.Type) {
			errs = append(errs, fmt.Sprintf("%s: unknown type %q", rloc, r.Type))
		}
		if !in(ruleActions, r.Action) {
			errs = append(errs, fmt.Sprintf("%s: unknown action %q", rloc, r.Action))
		}
		switch {
		case r.Condition != nil && r.Expression != "":
			errs = append(errs, rloc+": only one of condition/expression may be set")
		case r.Condition == nil && r.Expression == "":
			errs = append(errs, rloc+": one of condition/expression must be set")
		case r.Condition != nil:
			if r.Condition.Field == "" {
				errs = append(errs, rloc+": condition.field is required")
			}
			if _, err := condition.ParseOperator(r.Condition.Operator); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", rloc, err))
			}
		}
	}
	return errs
}
