// pkg/predicates/eval.go - evaluation of installable_condition and
// conditional_items predicate strings against host facts.
//
// The grammar is "key OPERATOR value", optionally joined by AND / OR
// (no mixed grouping). Values may be quoted to include spaces.

package predicates

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

type condition struct {
	key      string
	operator string
	value    string
}

// Evaluate parses and evaluates a predicate string against facts.
func Evaluate(expr string, facts Facts) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if parts := splitJoined(expr, " OR "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalSingle(part, facts)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if parts := splitJoined(expr, " AND "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalSingle(part, facts)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return evalSingle(expr, facts)
}

// splitJoined splits on a connective case-insensitively, outside quotes.
func splitJoined(expr, sep string) []string {
	upper := strings.ToUpper(expr)
	var parts []string
	start := 0
	inQuote := byte(0)
	for i := 0; i+len(sep) <= len(expr); i++ {
		c := expr[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			inQuote = c
			continue
		}
		if upper[i:i+len(sep)] == sep {
			parts = append(parts, expr[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	parts = append(parts, expr[start:])
	if len(parts) == 1 {
		return parts
	}
	return parts
}

func evalSingle(expr string, facts Facts) (bool, error) {
	cond, err := parseCondition(expr)
	if err != nil {
		return false, err
	}
	factValue, ok := facts[cond.key]
	if !ok {
		return false, fmt.Errorf("unknown fact %q in condition %q", cond.key, expr)
	}
	return compare(factValue, cond.operator, cond.value)
}

var validOperators = map[string]bool{
	"==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"LIKE": true, "IN": true, "CONTAINS": true, "DOES_NOT_CONTAIN": true,
	"BEGINSWITH": true, "ENDSWITH": true,
}

func parseCondition(expr string) (condition, error) {
	parts := splitFields(expr)
	if len(parts) < 3 {
		return condition{}, fmt.Errorf("invalid condition %q: expected 'key operator value'", expr)
	}
	op := strings.ToUpper(parts[1])
	if !validOperators[op] {
		return condition{}, fmt.Errorf("invalid operator %q in condition %q", parts[1], expr)
	}
	value := strings.Join(parts[2:], " ")
	value = trimQuotes(value)
	return condition{key: parts[0], operator: op, value: value}, nil
}

// splitFields splits on spaces while respecting quoted strings.
func splitFields(s string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			current.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
			current.WriteByte(c)
		case c == ' ':
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func compare(factValue interface{}, operator, condValue string) (bool, error) {
	switch operator {
	case "==":
		return equalFold(factValue, condValue), nil
	case "!=":
		return !equalFold(factValue, condValue), nil
	case ">", "<", ">=", "<=":
		return compareOrdered(factValue, operator, condValue)
	case "LIKE":
		pattern := strings.ToLower(strings.ReplaceAll(condValue, "*", ""))
		return strings.Contains(strings.ToLower(toString(factValue)), pattern), nil
	case "IN":
		return containsFact(condValue, factValue), nil
	case "CONTAINS":
		return factContains(factValue, condValue), nil
	case "DOES_NOT_CONTAIN":
		return !factContains(factValue, condValue), nil
	case "BEGINSWITH":
		return strings.HasPrefix(strings.ToLower(toString(factValue)), strings.ToLower(condValue)), nil
	case "ENDSWITH":
		return strings.HasSuffix(strings.ToLower(toString(factValue)), strings.ToLower(condValue)), nil
	}
	return false, fmt.Errorf("unknown operator %q", operator)
}

// compareOrdered prefers version semantics when both sides parse as
// versions ("11.4" > "11.10" must be false), falling back to plain
// string ordering.
func compareOrdered(factValue interface{}, operator, condValue string) (bool, error) {
	factStr := toString(factValue)
	fv, ferr := goversion.NewVersion(factStr)
	cv, cerr := goversion.NewVersion(condValue)
	if ferr == nil && cerr == nil {
		switch operator {
		case ">":
			return fv.GreaterThan(cv), nil
		case "<":
			return fv.LessThan(cv), nil
		case ">=":
			return fv.GreaterThanOrEqual(cv), nil
		case "<=":
			return fv.LessThanOrEqual(cv), nil
		}
	}
	switch operator {
	case ">":
		return factStr > condValue, nil
	case "<":
		return factStr < condValue, nil
	case ">=":
		return factStr >= condValue, nil
	case "<=":
		return factStr <= condValue, nil
	}
	return false, fmt.Errorf("unknown operator %q", operator)
}

func equalFold(factValue interface{}, condValue string) bool {
	return strings.EqualFold(toString(factValue), condValue)
}

// factContains handles both string facts and list facts.
func factContains(factValue interface{}, condValue string) bool {
	switch fv := factValue.(type) {
	case []string:
		for _, item := range fv {
			if strings.EqualFold(item, condValue) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(strings.ToLower(toString(factValue)), strings.ToLower(condValue))
	}
}

// containsFact: "fact IN value1,value2".
func containsFact(condValue string, factValue interface{}) bool {
	factStr := toString(factValue)
	for _, item := range strings.Split(condValue, ",") {
		if strings.EqualFold(strings.TrimSpace(item), factStr) {
			return true
		}
	}
	return false
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}
