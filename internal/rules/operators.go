package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// operator compares an attribute value with a rule value.
type operator func(attr, value any) bool

var operators = map[string]operator{}

func register(op operator, names ...string) {
	for _, n := range names {
		operators[n] = op
	}
}

func init() {
	register(opEqual, "==", "equals", "equal", "is")
	register(negate(opEqual), "!=", "doesnotequal", "doesnotequals", "notequals", "notequal", "notis")
	register(opContains, "contains", "contain")
	register(negate(opContains), "doesnotcontain", "doesnotcontains", "notcontain", "notcontains")
	register(opIn, "in", "isin")
	register(negate(opIn), "notin", "isnotin", "notisin")
	register(opGreater, ">", "greaterthan", "largerthan")
	register(opLess, "<", "lessthan")
	register(opStartsWith, "startswith", "beginswith")
	register(opEndsWith, "endswith", "concludeswith", "finisheswith")
}

func lookupOperator(name string) (operator, bool) {
	op, ok := operators[strings.ToLower(strings.TrimSpace(name))]
	return op, ok
}

// negate inverts op, but keeps false for values op cannot compare at all.
func negate(op operator) operator {
	return func(attr, value any) bool {
		if !coercible(attr) {
			return false
		}
		return !op(attr, value)
	}
}

func coercible(attr any) bool {
	if _, ok := toString(attr); ok {
		return true
	}
	_, ok := toList(attr)
	return ok
}

func opEqual(attr, value any) bool {
	s, ok := toString(attr)
	if !ok {
		return false
	}
	pattern, ok := toString(value)
	if !ok {
		return false
	}
	return MatchWildcard(s, pattern)
}

func opContains(attr, value any) bool {
	needle, ok := toString(value)
	if !ok {
		return false
	}
	if list, ok := toList(attr); ok {
		for _, item := range list {
			if item == needle {
				return true
			}
		}
		return false
	}
	s, ok := toString(attr)
	return ok && strings.Contains(s, needle)
}

func opIn(attr, value any) bool {
	if list, ok := toList(attr); ok {
		for _, item := range list {
			if opIn(item, value) {
				return true
			}
		}
		return false
	}
	s, ok := toString(attr)
	if !ok {
		return false
	}
	if set, ok := toList(value); ok {
		for _, item := range set {
			if item == s {
				return true
			}
		}
		return false
	}
	haystack, ok := toString(value)
	return ok && strings.Contains(haystack, s)
}

func opGreater(attr, value any) bool {
	a, aok := toFloat(attr)
	b, bok := toFloat(value)
	return aok && bok && a > b
}

func opLess(attr, value any) bool {
	a, aok := toFloat(attr)
	b, bok := toFloat(value)
	return aok && bok && a < b
}

func opStartsWith(attr, value any) bool {
	s, aok := toString(attr)
	prefix, bok := toString(value)
	return aok && bok && strings.HasPrefix(s, prefix)
}

func opEndsWith(attr, value any) bool {
	s, aok := toString(attr)
	suffix, bok := toString(value)
	return aok && bok && strings.HasSuffix(s, suffix)
}

// MatchWildcard matches s against pattern, where "*" stands for any run of
// characters. A single "*" anchors a prefix and a suffix; with two or more,
// the text between the first and last "*" must occur somewhere in s.
func MatchWildcard(s, pattern string) bool {
	first := strings.Index(pattern, "*")
	if first < 0 {
		return s == pattern
	}
	last := strings.LastIndex(pattern, "*")
	start, end := pattern[:first], pattern[last+1:]
	if !strings.HasPrefix(s, start) || !strings.HasSuffix(s, end) {
		return false
	}
	if first == last {
		return len(s) >= len(start)+len(end)
	}
	return strings.Contains(s, pattern[first+1:last])
}

func toString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toList(v any) ([]string, bool) {
	switch v := v.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := toString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
