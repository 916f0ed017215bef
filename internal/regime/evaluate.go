package regime

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/condition"
)

// Risk score weights for the per-transaction and daily ratios.
var (
	perTxWeight = decimal.NewFromInt(60)
	dailyWeight = decimal.NewFromInt(40)
	maxRisk     = decimal.NewFromInt(100)
)

// RuleResult records one rule's outcome.
type RuleResult struct {
	RuleID    string   `json:"rule_id"`
	Name      string   `json:"name,omitempty"`
	Type      RuleType `json:"type"`
	Action    Action   `json:"action"`
	Triggered bool     `json:"triggered"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Result is the outcome of validating one intent against the active regime.
type Result struct {
	Passed       bool         `json:"passed"`
	Results      []RuleResult `json:"results"`
	Warnings     []string     `json:"warnings,omitempty"`
	Flags        []string     `json:"flags,omitempty"`
	BlockingRule *RuleResult  `json:"blocking_rule,omitempty"`
	RiskScore    int          `json:"risk_score"`
	Regime       string       `json:"regime"`
	Version      string       `json:"version"`
}

// Reason describes why the result did not pass.
func (r *Result) Reason() string {
	if r.BlockingRule == nil {
		return ""
	}
	return fmt.Sprintf("rule %s: %s", r.BlockingRule.RuleID, r.BlockingRule.Message)
}

// evaluate walks the rules in priority order. The first triggered block rule
// stops the walk. A rule that cannot be evaluated is recorded and surfaced
// as a warning; it never blocks.
func evaluate(reg *Regime, ctx condition.Fields, risk int) *Result {
	res := &Result{
		Passed:    true,
		Results:   make([]RuleResult, 0, len(reg.rules)),
		RiskScore: risk,
		Regime:    reg.Name,
		Version:   reg.Version,
	}
	for _, rule := range reg.rules {
		rr := RuleResult{RuleID: rule.ID, Name: rule.Name, Type: rule.Type, Action: rule.Action}
		ok, err := rule.Evaluate(ctx)
		if err != nil {
			rr.Error = err.Error()
			res.Results = append(res.Results, rr)
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s not evaluated: %v", rule.ID, err))
			continue
		}
		rr.Triggered = ok
		if ok {
			rr.Message = rule.message()
		}
		res.Results = append(res.Results, rr)
		if !ok {
			continue
		}
		switch rule.Action {
		case ActionBlock:
			res.Passed = false
			blocking := rr
			res.BlockingRule = &blocking
			return res
		case ActionWarn:
			res.Warnings = append(res.Warnings, rr.Message)
		case ActionFlag:
			res.Flags = append(res.Flags, rr.Message)
		}
	}
	return res
}

// riskScore = min(100, round(60*amount/perTx + 40*projected/daily)).
// A zero limit contributes its full weight.
func riskScore(amount, projected decimal.Decimal, lim Limits) int {
	score := ratioTerm(amount, lim.PerTxCap, perTxWeight).Add(ratioTerm(projected, lim.DailyCap, dailyWeight))
	if score.GreaterThan(maxRisk) {
		score = maxRisk
	}
	return int(score.Round(0).IntPart())
}

func ratioTerm(v, limit, weight decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return weight
	}
	return weight.Mul(v).Div(limit)
}
