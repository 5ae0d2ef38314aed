package guardrails

import (
	"encoding/json"

	"loom/internal/config"
)

// Call is one tool invocation under evaluation.
type Call struct {
	Tool      string
	Args      map[string]any
	RawArgs   string // serialized arguments; derived from Args when empty
	SessionID string
	Workspace string
}

// RuleHit records one rule that matched a call.
type RuleHit struct {
	Rule   string `json:"rule"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Verdict is the aggregate result of evaluating every rule against a call.
type Verdict struct {
	Blocked   bool      `json:"blocked"`
	Reason    string    `json:"reason,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Triggered []RuleHit `json:"triggered,omitempty"`
}

// Engine holds the compiled rule set.
type Engine struct {
	rules []Rule
}

// NewEngine compiles the configured rules. A single bad rule fails the whole
// load so misconfigurations surface at startup, not at call time.
func NewEngine(cfgs []config.RuleConfig) (*Engine, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		rule, err := Compile(cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return &Engine{rules: rules}, nil
}

// RuleCount returns the number of compiled top-level rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Evaluate checks a call against every rule. All matching rules land in
// Triggered; warn rules append their reason to Warnings; the first matching
// block rule sets Blocked and Reason. Evaluation never stops early so the
// verdict reports everything that fired.
func (e *Engine) Evaluate(call *Call) *Verdict {
	v := &Verdict{}
	if call == nil {
		return v
	}
	if call.RawArgs == "" && len(call.Args) > 0 {
		if raw, err := json.Marshal(call.Args); err == nil {
			call.RawArgs = string(raw)
		}
	}

	for _, rule := range e.rules {
		if !rule.Matches(call) {
			continue
		}
		v.Triggered = append(v.Triggered, RuleHit{
			Rule:   rule.Name(),
			Action: rule.Action(),
			Reason: rule.Reason(),
		})
		switch rule.Action() {
		case ActionWarn:
			v.Warnings = append(v.Warnings, rule.Reason())
		default:
			if !v.Blocked {
				v.Blocked = true
				v.Reason = rule.Reason()
			}
		}
	}
	return v
}
