// Package guardrails vets tool calls against declarative rules loaded from
// configuration. Rules either block a call outright or attach warnings; the
// stream pipeline turns blocks into error tool results without invoking the
// tool.
package guardrails

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"loom/internal/config"
)

// Rule actions.
const (
	ActionBlock = "block"
	ActionWarn  = "warn"
)

// Rule kinds.
const (
	KindPattern   = "pattern"
	KindPath      = "path"
	KindResource  = "resource"
	KindComposite = "composite"
)

// Rule is one compiled guardrail.
type Rule interface {
	Name() string
	Action() string
	Reason() string
	Matches(call *Call) bool
}

type baseRule struct {
	name   string
	action string
	reason string
}

func (r baseRule) Name() string   { return r.name }
func (r baseRule) Action() string { return r.action }
func (r baseRule) Reason() string { return r.reason }

// patternRule matches a regular expression against the serialized arguments.
type patternRule struct {
	baseRule
	re *regexp.Regexp
}

func (r *patternRule) Matches(call *Call) bool {
	return r.re.MatchString(call.RawArgs)
}

// pathRule matches a glob against every string argument value, nested ones
// included, so it catches path arguments wherever the tool schema puts them.
type pathRule struct {
	baseRule
	glob string
}

func (r *pathRule) Matches(call *Call) bool {
	matched := false
	walkStrings(call.Args, func(s string) {
		if matched {
			return
		}
		if ok, err := doublestar.Match(r.glob, s); err == nil && ok {
			matched = true
		}
	})
	return matched
}

// resourceRule matches the tool name, with * wildcards.
type resourceRule struct {
	baseRule
	pattern string
}

func (r *resourceRule) Matches(call *Call) bool {
	ok, err := doublestar.Match(r.pattern, call.Tool)
	return err == nil && ok
}

// compositeRule combines child rules: mode "all" requires every child to
// match, mode "any" requires at least one.
type compositeRule struct {
	baseRule
	all      bool
	children []Rule
}

func (r *compositeRule) Matches(call *Call) bool {
	if len(r.children) == 0 {
		return false
	}
	for _, child := range r.children {
		matched := child.Matches(call)
		if r.all && !matched {
			return false
		}
		if !r.all && matched {
			return true
		}
	}
	return r.all
}

// Compile builds one rule from configuration. An empty action defaults to
// block; an empty reason gets a generic one naming the rule.
func Compile(cfg config.RuleConfig) (Rule, error) {
	action := cfg.Action
	if action == "" {
		action = ActionBlock
	}
	if action != ActionBlock && action != ActionWarn {
		return nil, fmt.Errorf("%w: unknown action %q in rule %q", ErrInvalidRule, cfg.Action, cfg.Name)
	}

	base := baseRule{name: cfg.Name, action: action, reason: cfg.Reason}
	if base.reason == "" {
		base.reason = fmt.Sprintf("rule %q matched", cfg.Name)
	}

	switch cfg.Kind {
	case KindPattern:
		if cfg.Pattern == "" {
			return nil, fmt.Errorf("%w: pattern rule %q needs a pattern", ErrInvalidRule, cfg.Name)
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, cfg.Name, err)
		}
		return &patternRule{baseRule: base, re: re}, nil

	case KindPath:
		if cfg.Glob == "" {
			return nil, fmt.Errorf("%w: path rule %q needs a glob", ErrInvalidRule, cfg.Name)
		}
		if !doublestar.ValidatePattern(cfg.Glob) {
			return nil, fmt.Errorf("%w: path rule %q: bad glob %q", ErrInvalidRule, cfg.Name, cfg.Glob)
		}
		return &pathRule{baseRule: base, glob: cfg.Glob}, nil

	case KindResource:
		if cfg.Tool == "" {
			return nil, fmt.Errorf("%w: resource rule %q needs a tool pattern", ErrInvalidRule, cfg.Name)
		}
		return &resourceRule{baseRule: base, pattern: cfg.Tool}, nil

	case KindComposite:
		if len(cfg.Rules) == 0 {
			return nil, fmt.Errorf("%w: composite rule %q has no children", ErrInvalidRule, cfg.Name)
		}
		mode := cfg.Mode
		if mode == "" {
			mode = "all"
		}
		if mode != "all" && mode != "any" {
			return nil, fmt.Errorf("%w: composite rule %q: unknown mode %q", ErrInvalidRule, cfg.Name, cfg.Mode)
		}
		children := make([]Rule, 0, len(cfg.Rules))
		for _, child := range cfg.Rules {
			compiled, err := Compile(child)
			if err != nil {
				return nil, err
			}
			children = append(children, compiled)
		}
		return &compositeRule{baseRule: base, all: mode == "all", children: children}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q in rule %q", ErrInvalidRule, cfg.Kind, cfg.Name)
	}
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, vv := range t {
			walkStrings(vv, fn)
		}
	case []any:
		for _, vv := range t {
			walkStrings(vv, fn)
		}
	}
}
