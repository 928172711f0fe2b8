package rules

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Action is what a matching policy rule does to the verdict.
type Action string

const (
	// ActionDeny marks the client as a bot.
	ActionDeny Action = "deny"
	// ActionAllow marks the client as human regardless of labels.
	ActionAllow Action = "allow"
)

// parseAction maps a configured action. Fail-closed: unknown -> deny.
func parseAction(s string) Action {
	switch Action(s) {
	case ActionAllow:
		return ActionAllow
	default:
		return ActionDeny
	}
}

// Rule is one named policy rule. Rules are evaluated in order; first match
// wins.
type Rule struct {
	Name   string `yaml:"name"`
	When   []any  `yaml:"when"`
	Action string `yaml:"action"`
}

// Document is the policy file layout.
type Document struct {
	Rules []Rule `yaml:"rules"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Matched bool
	Rule    string
	Action  Action
}

type compiledRule struct {
	name   string
	node   Node
	action Action
}

// Policy is an ordered, parsed rule list.
type Policy struct {
	rules  []compiledRule
	engine *Engine
	logger *slog.Logger
}

// NewPolicy parses rules. A syntax error rejects the whole policy. Unknown
// fields or operators are logged and the affected rule never matches.
func NewPolicy(rules []Rule, engine *Engine, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Policy{engine: engine, logger: logger}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		n, err := Parse(r.When)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: %w", name, err)
		}
		if err := engine.Check(n); err != nil {
			logger.Warn("rules: rule will never match", "rule", name, "error", err)
		}
		p.rules = append(p.rules, compiledRule{name: name, node: n, action: parseAction(r.Action)})
	}
	return p, nil
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Decide returns the first matching rule's action.
func (p *Policy) Decide(attrs Attributes) Decision {
	if p == nil {
		return Decision{}
	}
	for _, r := range p.rules {
		ok, err := p.engine.Evaluate(r.node, attrs)
		if err != nil {
			p.logger.Warn("rules: evaluation failed", "rule", r.name, "error", err)
			continue
		}
		if ok {
			return Decision{Matched: true, Rule: r.name, Action: r.action}
		}
	}
	return Decision{}
}

// LoadDocument reads a policy file. A missing file yields an empty document.
func LoadDocument(path string) (*Document, error) {
	doc := &Document{}
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("rules: read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("rules: parse policy: %w", err)
	}
	return doc, nil
}

// PolicyFile holds the policy built from a file plus inline rules and can be
// reloaded while requests are being evaluated.
type PolicyFile struct {
	path    string
	inline  []Rule
	engine  *Engine
	logger  *slog.Logger
	current atomic.Pointer[Policy]
}

// OpenPolicyFile loads path (which may be empty) and appends inline rules
// after the file's rules.
func OpenPolicyFile(path string, inline []Rule, engine *Engine, logger *slog.Logger) (*PolicyFile, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &PolicyFile{path: path, inline: inline, engine: engine, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the watched file path.
func (f *PolicyFile) Path() string { return f.path }

// Reload re-reads the file. On error the previous policy stays active.
func (f *PolicyFile) Reload() error {
	doc, err := LoadDocument(f.path)
	if err != nil {
		return err
	}
	all := append(append([]Rule{}, doc.Rules...), f.inline...)
	p, err := NewPolicy(all, f.engine, f.logger)
	if err != nil {
		return err
	}
	f.current.Store(p)
	f.logger.Info("rules: policy loaded", "path", f.path, "rules", p.Len())
	return nil
}

// Decide evaluates the current policy.
func (f *PolicyFile) Decide(attrs Attributes) Decision {
	return f.current.Load().Decide(attrs)
}
