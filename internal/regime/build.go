package regime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gyaneshwarpardhi/paycore/internal/condition"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
)

// Build compiles a regime definition. All conditions and custom expressions
// are compiled into ASTs here; zero parsing happens at validation time.
func Build(def *config.RegimeDef) (*Regime, error) {
	if def == nil {
		return nil, fmt.Errorf("regime: nil definition")
	}
	if err := config.ValidateRegime(def); err != nil {
		return nil, err
	}
	r := &Regime{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		RiskTier:    def.RiskTier,
		Limits: Limits{
			DailyCap:      def.Limits.DailyCap,
			PerTxCap:      def.Limits.PerTxCap,
			MaxTxPerDay:   def.Limits.MaxTxPerDay,
			AllowedAssets: upper(def.Limits.AllowedAssets),
			AllowedVenues: append([]string(nil), def.Limits.AllowedVenues...),
		},
	}
	for _, rd := range def.Rules {
		if rd.Enabled != nil && !*rd.Enabled {
			continue
		}
		rule, err := compileRule(rd)
		if err != nil {
			return nil, fmt.Errorf("regime %s rule %s: %w", def.Name, rd.ID, err)
		}
		r.rules = append(r.rules, rule)
	}
	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].Priority != r.rules[j].Priority {
			return r.rules[i].Priority < r.rules[j].Priority
		}
		return r.rules[i].ID < r.rules[j].ID
	})
	return r, nil
}

func compileRule(rd config.RuleDef) (*Rule, error) {
	rule := &Rule{
		ID:       rd.ID,
		Name:     rd.Name,
		Type:     RuleType(rd.Type),
		Priority: rd.Priority,
		Action:   Action(rd.Action),
		Message:  rd.Message,
	}
	if rd.Expression != "" {
		ast, err := condition.Parse(rd.Expression)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", rd.Expression, err)
		}
		rule.expr = ast
		rule.Source = rd.Expression
		return rule, nil
	}

	c := rd.Condition
	op, err := condition.ParseOperator(c.Operator)
	if err != nil {
		return nil, err
	}
	right, err := operandFor(c.Value)
	if err != nil {
		return nil, fmt.Errorf("condition value: %w", err)
	}
	rule.expr = &condition.ComparisonExpr{
		Left:  &condition.FieldOperand{Name: c.Field},
		Op:    op,
		Right: right,
	}
	rule.Source = fmt.Sprintf("%s %s %v", c.Field, op, c.Value)
	return rule, nil
}

// operandFor turns a YAML condition value into an operand. A string starting
// with "$" refers to another context field.
func operandFor(v interface{}) (condition.Operand, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("value is required")
	case string:
		if len(val) > 1 && strings.HasPrefix(val, "$") {
			return &condition.FieldOperand{Name: val[1:]}, nil
		}
		return &condition.LiteralOperand{Value: val}, nil
	case bool:
		return &condition.LiteralOperand{Value: val}, nil
	case []interface{}:
		list := &condition.ListOperand{Values: make([]interface{}, 0, len(val))}
		for _, item := range val {
			if d, ok := condition.ToDecimal(item, true); ok {
				list.Values = append(list.Values, d)
				continue
			}
			list.Values = append(list.Values, item)
		}
		return list, nil
	}
	if d, ok := condition.ToDecimal(v, true); ok {
		return &condition.LiteralOperand{Value: d}, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func upper(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
