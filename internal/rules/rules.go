// Package rules evaluates boolean policy expressions over a map of client
// attributes.
//
// A rule is written as a flat token sequence: leaf conditions
// [field, operator, value] joined by "and"/"or". Combination is strictly
// left to right by token position, so
//
//	[A, "and", B, "or", C]
//
// is (A and B) or C. Parse turns the tokens into a tree once; Engine
// evaluates that tree.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax          = errors.New("rules: syntax error")
	ErrUnknownField    = errors.New("rules: unknown field")
	ErrUnknownOperator = errors.New("rules: unknown operator")
)

// Attributes are the facts a rule is evaluated against. Values are strings,
// bools, numbers or string lists.
type Attributes map[string]any

// Node is a parsed rule.
type Node interface {
	eval(e *Engine, attrs Attributes) (bool, error)
	walk(fn func(Leaf))
	String() string
}

// Leaf is a single (field, operator, value) condition. Op is kept as written
// so an unknown operator can be reported at evaluation time.
type Leaf struct {
	Field string
	Op    string
	Value any
}

// And matches when both sides match.
type And struct{ Left, Right Node }

// Or matches when either side matches.
type Or struct{ Left, Right Node }

func (l Leaf) walk(fn func(Leaf)) { fn(l) }
func (n And) walk(fn func(Leaf))  { n.Left.walk(fn); n.Right.walk(fn) }
func (n Or) walk(fn func(Leaf))   { n.Left.walk(fn); n.Right.walk(fn) }

func (l Leaf) String() string {
	return fmt.Sprintf("%s %s %s", l.Field, l.Op, formatValue(l.Value))
}

func (n And) String() string { return "(" + n.Left.String() + " and " + n.Right.String() + ")" }
func (n Or) String() string  { return "(" + n.Left.String() + " or " + n.Right.String() + ")" }

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// Engine evaluates rules against a fixed schema of field names. A nil or
// empty schema accepts any field.
type Engine struct {
	fields map[string]struct{}
}

// NewEngine returns an Engine that knows the given fields.
func NewEngine(fields ...string) *Engine {
	e := &Engine{}
	if len(fields) > 0 {
		e.fields = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			e.fields[f] = struct{}{}
		}
	}
	return e
}

func (e *Engine) knows(field string) bool {
	if e == nil || e.fields == nil {
		return true
	}
	_, ok := e.fields[field]
	return ok
}

// Evaluate reports whether n matches attrs. Any unknown field or operator
// anywhere in the tree makes the whole rule evaluate to false, and every such
// problem is returned joined in the error.
func (e *Engine) Evaluate(n Node, attrs Attributes) (bool, error) {
	ok, err := n.eval(e, attrs)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Check reports unknown fields and operators without evaluating.
func (e *Engine) Check(n Node) error {
	var errs []error
	n.walk(func(l Leaf) {
		errs = append(errs, e.checkLeaf(l))
	})
	return errors.Join(errs...)
}

func (e *Engine) checkLeaf(l Leaf) error {
	var errs []error
	if !e.knows(l.Field) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownField, l.Field))
	}
	if _, ok := lookupOperator(l.Op); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownOperator, l.Op))
	}
	return errors.Join(errs...)
}

func (l Leaf) eval(e *Engine, attrs Attributes) (bool, error) {
	if err := e.checkLeaf(l); err != nil {
		return false, err
	}
	got, present := attrs[l.Field]
	if !present || got == nil {
		return false, nil
	}
	op, _ := lookupOperator(l.Op)
	return op(got, l.Value), nil
}

// Both sides are always evaluated so configuration errors surface
// regardless of short-circuiting.
func (n And) eval(e *Engine, attrs Attributes) (bool, error) {
	l, lerr := n.Left.eval(e, attrs)
	r, rerr := n.Right.eval(e, attrs)
	return l && r, errors.Join(lerr, rerr)
}

func (n Or) eval(e *Engine, attrs Attributes) (bool, error) {
	l, lerr := n.Left.eval(e, attrs)
	r, rerr := n.Right.eval(e, attrs)
	return l || r, errors.Join(lerr, rerr)
}

// Evaluate parses tokens and evaluates them with a schema-less engine.
func Evaluate(tokens []any, attrs Attributes) (bool, error) {
	n, err := Parse(tokens)
	if err != nil {
		return false, err
	}
	return NewEngine().Evaluate(n, attrs)
}
