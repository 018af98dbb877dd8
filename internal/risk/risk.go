// Package risk validates the per-agent risk parameters submitted with an
// agent definition. Each known parameter has a rule; rules are evaluated in a
// fixed order and every violation is reported.
package risk

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Known parameter keys.
const (
	StopLossPct      = "stopLossPct"
	TakeProfitPct    = "takeProfitPct"
	MaxPositionSize  = "maxPositionSize"
	MaxDailyLossPct  = "maxDailyLossPct"
	MaxOpenPositions = "maxOpenPositions"
	Leverage         = "leverage"
)

// Violation codes.
const (
	CodeOutOfRange = "out_of_range"
	CodeUnknown    = "unknown"
)

// Params maps a parameter name to its numeric bound.
type Params map[string]decimal.Decimal

// Violation describes one rejected parameter.
type Violation struct {
	Key    string
	Code   string
	Reason string
}

// ruleFunc checks one value. It returns "" when the value is acceptable.
type ruleFunc func(v decimal.Decimal) (reason string)

var (
	zero    = decimal.Zero
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// rules returns the ordered rule chain keyed by parameter.
func rules() []struct {
	key  string
	rule ruleFunc
} {
	return []struct {
		key  string
		rule ruleFunc
	}{
		{StopLossPct, openClosed(zero, hundred)},
		{TakeProfitPct, openClosed(zero, decimal.NewFromInt(1000))},
		{MaxPositionSize, positive},
		{MaxDailyLossPct, openClosed(zero, hundred)},
		{MaxOpenPositions, integerIn(one, hundred)},
		{Leverage, closed(one, decimal.NewFromInt(125))},
	}
}

// Known reports whether key is a recognized parameter.
func Known(key string) bool {
	for _, r := range rules() {
		if r.key == key {
			return true
		}
	}
	return false
}

// Check runs every present parameter through its rule and reports all
// violations: known keys first in rule order, then unrecognized keys sorted.
func Check(p Params) []Violation {
	var out []Violation
	for _, r := range rules() {
		v, ok := p[r.key]
		if !ok {
			continue
		}
		if reason := r.rule(v); reason != "" {
			out = append(out, Violation{Key: r.key, Code: CodeOutOfRange, Reason: reason})
		}
	}

	var unknown []string
	for k := range p {
		if !Known(k) {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		out = append(out, Violation{Key: k, Code: CodeUnknown, Reason: "unrecognized risk parameter"})
	}
	return out
}

// --- rule constructors ---

// openClosed accepts lo < v <= hi.
func openClosed(lo, hi decimal.Decimal) ruleFunc {
	return func(v decimal.Decimal) string {
		if v.LessThanOrEqual(lo) || v.GreaterThan(hi) {
			return fmt.Sprintf("%s not in (%s, %s]", v, lo, hi)
		}
		return ""
	}
}

// closed accepts lo <= v <= hi.
func closed(lo, hi decimal.Decimal) ruleFunc {
	return func(v decimal.Decimal) string {
		if v.LessThan(lo) || v.GreaterThan(hi) {
			return fmt.Sprintf("%s not in [%s, %s]", v, lo, hi)
		}
		return ""
	}
}

func integerIn(lo, hi decimal.Decimal) ruleFunc {
	inRange := closed(lo, hi)
	return func(v decimal.Decimal) string {
		if !v.IsInteger() {
			return fmt.Sprintf("%s is not a whole number", v)
		}
		return inRange(v)
	}
}

func positive(v decimal.Decimal) string {
	if !v.IsPositive() {
		return fmt.Sprintf("%s must be greater than 0", v)
	}
	return ""
}
