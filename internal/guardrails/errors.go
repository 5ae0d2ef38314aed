package guardrails

import "errors"

// ErrInvalidRule is returned when a rule configuration cannot be compiled.
var ErrInvalidRule = errors.New("invalid guardrail rule")
