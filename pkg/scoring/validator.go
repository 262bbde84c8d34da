package scoring

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arklabs/ark/pkg/types"
)

// Operator is a rule comparison operator.
type Operator string

const (
	OpEq      Operator = "eq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpGte     Operator = "gte"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"
	OpExists  Operator = "exists"
	OpRegex   Operator = "regex"
)

// Rule is one constraint evaluated against an action. Selector is
// dot-notation into the action record. The rule states the condition the
// action must satisfy; a violation is recorded when it does not.
type Rule struct {
	ID          string         `json:"id" toml:"id"`
	Selector    string         `json:"selector" toml:"selector"`
	Operator    Operator       `json:"operator" toml:"operator"`
	Threshold   any            `json:"threshold,omitempty" toml:"threshold"`
	Severity    types.Severity `json:"severity" toml:"severity"`
	Explanation string         `json:"explanation,omitempty" toml:"explanation"`
}

// Violation records a rule the action failed.
type Violation struct {
	RuleID      string         `json:"rule_id"`
	Selector    string         `json:"selector"`
	Severity    types.Severity `json:"severity"`
	Explanation string         `json:"explanation,omitempty"`
	Actual      any            `json:"actual,omitempty"`
}

// Decision is the validator output. Approved is false when any violation has
// severity error or above; warnings and infos are advisory.
type Decision struct {
	Approved   bool           `json:"approved"`
	Violations []Violation    `json:"violations"`
	Severity   types.Severity `json:"severity,omitempty"`
}

// Evaluate runs every rule against the action. It is a pure function: no
// I/O, deterministic, safe to call from any goroutine.
func Evaluate(rules []Rule, action map[string]any) Decision {
	decision := Decision{Approved: true}

	for _, rule := range rules {
		value, found := resolve(action, rule.Selector)

		var passed bool
		switch rule.Operator {
		case OpExists:
			passed = found
		default:
			if !found {
				// An unresolved selector fails every operator except exists.
				passed = false
			} else {
				passed = apply(rule.Operator, value, rule.Threshold)
			}
		}

		if !passed {
			decision.Violations = append(decision.Violations, Violation{
				RuleID:      rule.ID,
				Selector:    rule.Selector,
				Severity:    rule.Severity,
				Explanation: rule.Explanation,
				Actual:      value,
			})
			decision.Severity = types.MaxSeverity(decision.Severity, rule.Severity)
		}
	}

	if decision.Severity.AtLeast(types.SeverityError) {
		decision.Approved = false
	}
	return decision
}

// resolve walks a dot-notation selector into nested maps.
func resolve(record map[string]any, selector string) (any, bool) {
	parts := strings.Split(selector, ".")
	var current any = record
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func apply(op Operator, value, threshold any) bool {
	switch op {
	case OpEq:
		if fv, fok := asFloat(value); fok {
			if ft, tok := asFloat(threshold); tok {
				return fv == ft
			}
		}
		return fmt.Sprint(value) == fmt.Sprint(threshold)
	case OpGt, OpLt, OpGte, OpLte:
		fv, vok := asFloat(value)
		ft, tok := asFloat(threshold)
		if !vok || !tok {
			return false
		}
		switch op {
		case OpGt:
			return fv > ft
		case OpLt:
			return fv < ft
		case OpGte:
			return fv >= ft
		default:
			return fv <= ft
		}
	case OpBetween:
		fv, vok := asFloat(value)
		lo, hi, bok := asRange(threshold)
		return vok && bok && fv >= lo && fv <= hi
	case OpRegex:
		pattern, ok := threshold.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(value))
	}
	return false
}

// asFloat coerces JSON and TOML scalar representations to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// asRange interprets a between threshold as a two-element [min, max] list.
func asRange(v any) (float64, float64, bool) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return 0, 0, false
	}
	lo, lok := asFloat(list[0])
	hi, hok := asFloat(list[1])
	return lo, hi, lok && hok
}
