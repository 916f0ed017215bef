package condition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

var operatorAliases = map[string]Operator{
	"==": OpEq, "eq": OpEq, "equals": OpEq,
	"!=": OpNeq, "neq": OpNeq, "not_equals": OpNeq,
	">": OpGt, "gt": OpGt,
	">=": OpGte, "gte": OpGte,
	"<": OpLt, "lt": OpLt,
	"<=": OpLte, "lte": OpLte,
	"contains": OpContains,
	"matches":  OpMatches,
	"in":       OpIn,
	"not_in":   OpNotIn, "nin": OpNotIn,
}

// ParseOperator normalizes a symbolic or named operator ("gte", ">=").
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// ToDecimal coerces numeric values to a decimal. Strings are accepted only
// when strict is false.
func ToDecimal(v interface{}, strict bool) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		if strict {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// Compare applies a binary comparison operator to two values.
func Compare(op Operator, left, right interface{}) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, left, right)
	case OpContains:
		return containsOp(left, right)
	case OpMatches:
		return matchesOp(left, right)
	case OpIn:
		return inOp(left, right)
	case OpNotIn:
		ok, err := inOp(left, right)
		return !ok, err
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// equal compares numbers by value, booleans as booleans and everything else
// by its string form.
func equal(left, right interface{}) bool {
	ld, lok := ToDecimal(left, true)
	rd, rok := ToDecimal(right, true)
	if lok && rok {
		return ld.Equal(rd)
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func numericCompare(op Operator, left, right interface{}) (bool, error) {
	ld, lok := ToDecimal(left, false)
	rd, rok := ToDecimal(right, false)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	c := ld.Cmp(rd)
	switch op {
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	}
	return false, nil
}

func containsOp(left, right interface{}) (bool, error) {
	if list, ok := asList(left); ok {
		return member(right, list), nil
	}
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("contains: left operand must be a string or list, got %T", left)
	}
	return strings.Contains(ls, fmt.Sprintf("%v", right)), nil
}

func matchesOp(left, right interface{}) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
	}
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("matches: right operand must be a string pattern, got %T", right)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(ls), nil
}

func inOp(left, right interface{}) (bool, error) {
	list, ok := asList(right)
	if !ok {
		return false, fmt.Errorf("in: right operand must be a list, got %T", right)
	}
	return member(left, list), nil
}

func member(v interface{}, list []interface{}) bool {
	for _, item := range list {
		if equal(v, item) {
			return true
		}
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
