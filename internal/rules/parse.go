package rules

import (
	"fmt"
	"strings"
)

const (
	tokenAnd = "and"
	tokenOr  = "or"
)

// Parse builds a tree from a token sequence. Leaves may be nested lists
// ([field, op, value]) or three consecutive scalar tokens. Parenthesised
// sub-expressions are written as nested lists.
func Parse(tokens []any) (Node, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty rule", ErrSyntax)
	}
	n, rest, err := parseExpr(tokens)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: unexpected %v", ErrSyntax, rest[0])
	}
	return n, nil
}

func parseExpr(tokens []any) (Node, []any, error) {
	left, rest, err := parseOperand(tokens)
	if err != nil {
		return nil, nil, err
	}
	for len(rest) > 0 {
		conj, ok := conjunction(rest[0])
		if !ok {
			return nil, nil, fmt.Errorf("%w: expected and/or, got %v", ErrSyntax, rest[0])
		}
		if len(rest) == 1 {
			return nil, nil, fmt.Errorf("%w: dangling %q", ErrSyntax, conj)
		}
		right, next, err := parseOperand(rest[1:])
		if err != nil {
			return nil, nil, err
		}
		if conj == tokenAnd {
			left = And{Left: left, Right: right}
		} else {
			left = Or{Left: left, Right: right}
		}
		rest = next
	}
	return left, rest, nil
}

func parseOperand(tokens []any) (Node, []any, error) {
	switch head := tokens[0].(type) {
	case []any:
		if isLeaf(head) {
			l, err := parseLeaf(head)
			return l, tokens[1:], err
		}
		if len(head) == 0 {
			return nil, nil, fmt.Errorf("%w: empty group", ErrSyntax)
		}
		n, rest, err := parseExpr(head)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) > 0 {
			return nil, nil, fmt.Errorf("%w: unexpected %v", ErrSyntax, rest[0])
		}
		return n, tokens[1:], nil
	case string:
		if _, ok := conjunction(head); ok {
			return nil, nil, fmt.Errorf("%w: %q without left operand", ErrSyntax, head)
		}
		if len(tokens) < 3 {
			return nil, nil, fmt.Errorf("%w: incomplete condition starting at %q", ErrSyntax, head)
		}
		l, err := parseLeaf(tokens[:3])
		return l, tokens[3:], err
	default:
		return nil, nil, fmt.Errorf("%w: unexpected %v", ErrSyntax, head)
	}
}

// isLeaf distinguishes [field, op, value] from a grouped sub-expression.
func isLeaf(group []any) bool {
	if len(group) != 3 {
		return false
	}
	field, ok := group[0].(string)
	if !ok {
		return false
	}
	if _, conj := conjunction(field); conj {
		return false
	}
	op, ok := group[1].(string)
	if !ok {
		return false
	}
	_, conj := conjunction(op)
	return !conj
}

func parseLeaf(tokens []any) (Leaf, error) {
	field, ok := tokens[0].(string)
	if !ok || strings.TrimSpace(field) == "" {
		return Leaf{}, fmt.Errorf("%w: field must be a name, got %v", ErrSyntax, tokens[0])
	}
	op, ok := tokens[1].(string)
	if !ok {
		return Leaf{}, fmt.Errorf("%w: operator must be a word, got %v", ErrSyntax, tokens[1])
	}
	if _, conj := conjunction(op); conj {
		return Leaf{}, fmt.Errorf("%w: %q in operator position", ErrSyntax, op)
	}
	return Leaf{Field: strings.TrimSpace(field), Op: op, Value: tokens[2]}, nil
}

func conjunction(tok any) (string, bool) {
	s, ok := tok.(string)
	if !ok {
		return "", false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case tokenAnd:
		return tokenAnd, true
	case tokenOr:
		return tokenOr, true
	}
	return "", false
}
