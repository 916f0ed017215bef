package condition

import (
	"testing"

	"github.com/shopspring/decimal"
)

func ctx(kv ...interface{}) Fields {
	m := Fields{}
	for i := 0; i < len(kv)-1; i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type evalCase struct {
	name    string
	expr    string
	ctx     Resolver
	want    bool
	wantErr bool
}

func TestEvaluate(t *testing.T) {
	cases := []evalCase{
		// Numeric comparisons
		{name: "gt true", expr: "amount > 1000", ctx: ctx("amount", dec("1500")), want: true},
		{name: "gt false", expr: "amount > 1000", ctx: ctx("amount", dec("500")), want: false},
		{name: "gte equal", expr: "amount >= 1000", ctx: ctx("amount", dec("1000.000")), want: true},
		{name: "lt fractional", expr: "amount < 0.3", ctx: ctx("amount", dec("0.1").Add(dec("0.1"))), want: true},
		{name: "float field", expr: "amount <= 2.5", ctx: ctx("amount", 2.5), want: true},
		{name: "negative literal", expr: "delta > -1", ctx: ctx("delta", 0), want: true},
		// String equality
		{name: "eq string true", expr: `asset == "XRP"`, ctx: ctx("asset", "XRP"), want: true},
		{name: "eq string false", expr: `asset == "XRP"`, ctx: ctx("asset", "USD"), want: false},
		{name: "neq string", expr: `asset != "XRP"`, ctx: ctx("asset", "USD"), want: true},
		{name: "numeric string not numeric", expr: `memo == 10`, ctx: ctx("memo", "10"), want: true},
		// Boolean
		{name: "bool eq", expr: "first_payment == true", ctx: ctx("first_payment", true), want: true},
		{name: "bool eq false literal", expr: "first_payment == false", ctx: ctx("first_payment", true), want: false},
		// AND / OR / NOT
		{name: "AND both true", expr: `asset == "XRP" AND amount > 5`, ctx: ctx("asset", "XRP", "amount", dec("10")), want: true},
		{name: "AND first false", expr: `asset == "XRP" AND amount > 5`, ctx: ctx("asset", "USD", "amount", dec("10")), want: false},
		{name: "OR first true", expr: `asset == "XRP" OR amount > 5`, ctx: ctx("asset", "XRP", "amount", dec("1")), want: true},
		{name: "OR both false", expr: `asset == "XRP" OR amount > 5`, ctx: ctx("asset", "USD", "amount", dec("1")), want: false},
		{name: "NOT", expr: `NOT amount > 1000`, ctx: ctx("amount", dec("500")), want: true},
		{name: "parens", expr: `(asset == "USD" OR asset == "XRP") AND hour < 6`, ctx: ctx("asset", "XRP", "hour", 3), want: true},
		// Lists
		{name: "in true", expr: `asset in ["XRP", "USD"]`, ctx: ctx("asset", "USD"), want: true},
		{name: "in false", expr: `asset in ["XRP", "USD"]`, ctx: ctx("asset", "BTC"), want: false},
		{name: "not_in", expr: `payee not_in ["mallory"]`, ctx: ctx("payee", "bob"), want: true},
		{name: "in field list", expr: `asset in allowed`, ctx: ctx("asset", "XRP", "allowed", []string{"XRP"}), want: true},
		{name: "numeric in", expr: `hour in [1, 2, 3]`, ctx: ctx("hour", 2), want: true},
		{name: "empty list", expr: `asset in []`, ctx: ctx("asset", "XRP"), want: false},
		// contains / matches
		{name: "contains string", expr: `memo contains "rent"`, ctx: ctx("memo", "march rent"), want: true},
		{name: "contains list", expr: `tags contains "vip"`, ctx: ctx("tags", []string{"vip", "new"}), want: true},
		{name: "matches", expr: `payee matches "^r[a-zA-Z0-9]{24,34}$"`, ctx: ctx("payee", "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"), want: true},
		// Nested fields
		{name: "nested metadata", expr: `metadata.channel == "web"`, ctx: ctx("metadata", map[string]string{"channel": "web"}), want: true},
		// Error cases
		{name: "unknown field", expr: "missing > 10", ctx: ctx("amount", dec("100")), wantErr: true},
		{name: "non numeric gt", expr: `asset > 10`, ctx: ctx("asset", "XRP"), wantErr: true},
		{name: "in non list", expr: `asset in limit`, ctx: ctx("asset", "XRP", "limit", 5), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ast, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.expr, err)
			}
			got, err := Evaluate(ast, tc.ctx)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil (result=%v)", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []string{
		`"unterminated`,
		`amount 1000`,
		``,
		`asset in ["XRP" "USD"]`,
		`amount >`,
		`(amount > 1`,
		`amount # 3`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			if err == nil {
				t.Errorf("expected parse error for %q, got nil", expr)
			}
		})
	}
}

func TestParseOperator(t *testing.T) {
	cases := map[string]Operator{
		"gte": OpGte, ">=": OpGte, "EQ": OpEq, "not_in": OpNotIn, "nin": OpNotIn, " lt ": OpLt,
	}
	for in, want := range cases {
		got, err := ParseOperator(in)
		if err != nil || got != want {
			t.Errorf("ParseOperator(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseOperator("approximately"); err == nil {
		t.Error("expected error for unknown operator")
	}
}
