package regime

import (
	"github.com/gyaneshwarpardhi/paycore/internal/condition"
)

// Action is what a triggered rule does to the evaluation.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionFlag  Action = "flag"
	ActionAllow Action = "allow"
)

// RuleType classifies a rule for reporting.
type RuleType string

const (
	RuleLimit     RuleType = "limit"
	RuleAllowlist RuleType = "allowlist"
	RuleBlocklist RuleType = "blocklist"
	RuleTime      RuleType = "time"
	RuleFrequency RuleType = "frequency"
	RuleRisk      RuleType = "risk"
	RuleCustom    RuleType = "custom"
)

// Rule is a compiled policy rule. Field/operator/value conditions and custom
// expressions both compile to a condition.Expr, so evaluation never parses.
type Rule struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     RuleType `json:"type"`
	Priority int      `json:"priority"`
	Action   Action   `json:"action"`
	Message  string   `json:"message"`
	Source   string   `json:"condition"`

	expr condition.Expr
}

// Evaluate reports whether the rule's condition holds in ctx.
func (r *Rule) Evaluate(ctx condition.Resolver) (bool, error) {
	return condition.Evaluate(r.expr, ctx)
}

// message is the text surfaced when the rule triggers.
func (r *Rule) message() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
