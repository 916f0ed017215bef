package condition

import (
	"fmt"
	"strings"
)

// Resolver supplies field values during evaluation.
type Resolver interface {
	Lookup(field string) (interface{}, bool)
}

// Fields is a map-backed Resolver. Dotted names are looked up verbatim
// first, then walked through nested maps.
type Fields map[string]interface{}

// Lookup implements Resolver.
func (f Fields) Lookup(field string) (interface{}, bool) {
	if v, ok := f[field]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(field, ".")
	if !found {
		return nil, false
	}
	switch sub := f[head].(type) {
	case map[string]interface{}:
		return Fields(sub).Lookup(rest)
	case map[string]string:
		v, ok := sub[rest]
		return v, ok
	}
	return nil, false
}

// Evaluate walks the AST and returns true/false or an error.
func Evaluate(expr Expr, r Resolver) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, r)
	case *NotExpr:
		v, err := Evaluate(e.Expr, r)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		return evalComparison(e, r)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, r Resolver) (bool, error) {
	left, err := Evaluate(e.Left, r)
	if err != nil {
		return false, err
	}
	switch e.Op {
	case "AND":
		if !left {
			return false, nil
		}
		return Evaluate(e.Right, r)
	case "OR":
		if left {
			return true, nil
		}
		return Evaluate(e.Right, r)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func evalComparison(e *ComparisonExpr, r Resolver) (bool, error) {
	left, err := resolveOperand(e.Left, r)
	if err != nil {
		return false, err
	}
	right, err := resolveOperand(e.Right, r)
	if err != nil {
		return false, err
	}
	return Compare(e.Op, left, right)
}

func resolveOperand(op Operand, r Resolver) (interface{}, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *ListOperand:
		return o.Values, nil
	case *FieldOperand:
		val, ok := r.Lookup(o.Name)
		if !ok {
			return nil, fmt.Errorf("field %q not found", o.Name)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}
